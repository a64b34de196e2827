package ivr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dialflow/dialflow/internal/pbx"
)

const (
	// defaultGatherTimeout applies when a gather carries no timeout.
	defaultGatherTimeout = 5

	// defaultNumDigits applies when a gather carries no numDigits.
	defaultNumDigits = 1

	// loadTimeout bounds one action-script fetch.
	loadTimeout = 10 * time.Second

	// mailboxSize bounds queued work per session. Events for one channel
	// arrive far slower than they drain.
	mailboxSize = 64
)

// PBXControl is the slice of the PBX client a session drives.
type PBXControl interface {
	Answer(ctx context.Context, channelID string) error
	Play(ctx context.Context, channelID, mediaPath, playbackID string) error
	StopPlayback(ctx context.Context, playbackID string) error
	Hangup(ctx context.Context, channelID string) error
}

// Hooks are callbacks into the owning layer. Both are optional.
type Hooks struct {
	// OnAnswered fires after the channel is answered, before the first
	// action runs.
	OnAnswered func()

	// OnDestroy fires once when the session is torn down.
	OnDestroy func()
}

// gatherState tracks one blocking gather while it collects digits.
type gatherState struct {
	running     bool
	collected   string
	numDigits   int
	finishOnKey string
	nextURL     string
	timeoutS    int
}

type pendingLoad struct {
	url    string
	params url.Values
}

// Session drives the dialogue of one channel. All state below the mailbox
// is touched only from the session's own goroutine, so events are processed
// one at a time in arrival order.
type Session struct {
	channelID string
	startURL  string
	pbx       PBXControl
	client    *http.Client
	hooks     Hooks
	logger    *slog.Logger

	ctx        context.Context
	work       chan func()
	done       chan struct{}
	answeredAt atomic.Int64

	// Loop-owned state.
	remaining         []Action
	gather            *gatherState
	gatherTimer       *time.Timer
	gatherGen         int
	playing           bool
	playbackID        string
	postPlaybackTimer *time.Timer
	postPlaybackGen   int
	currentTimeout    int
	pendingNext       *pendingLoad
	currentStatus     string
	destroyed         bool
}

// NewSession creates a session for channelID and starts its event loop.
// startURL is the action script the dialogue begins on once the channel
// enters the controlling application.
func NewSession(ctx context.Context, channelID, startURL string, control PBXControl, hooks Hooks, logger *slog.Logger) *Session {
	s := &Session{
		channelID: channelID,
		startURL:  startURL,
		pbx:       control,
		client:    &http.Client{Timeout: loadTimeout},
		hooks:     hooks,
		logger:    logger.With("subsystem", "ivr-session", "channel_id", channelID),
		ctx:       ctx,
		work:      make(chan func(), mailboxSize),
		done:      make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Session) loop() {
	for {
		select {
		case fn := <-s.work:
			fn()
		case <-s.done:
			return
		}
	}
}

// post queues fn for the session loop. Work posted after destruction is
// dropped.
func (s *Session) post(fn func()) {
	select {
	case s.work <- fn:
	case <-s.done:
	}
}

// ChannelID returns the channel this session drives.
func (s *Session) ChannelID() string {
	return s.channelID
}

// Duration returns whole seconds since the channel was answered, 0 if it
// never was.
func (s *Session) Duration() int {
	at := s.answeredAt.Load()
	if at == 0 {
		return 0
	}
	return int(time.Since(time.Unix(0, at)) / time.Second)
}

// Begin answers the channel and starts the dialogue on the session's start
// URL. Called when the channel enters the controlling application.
func (s *Session) Begin() {
	s.post(func() {
		if s.destroyed {
			return
		}
		if err := s.pbx.Answer(s.ctx, s.channelID); err != nil {
			s.logger.Error("answer failed", "error", err)
			s.destroy()
			return
		}
		s.answeredAt.Store(time.Now().UnixNano())
		if s.hooks.OnAnswered != nil {
			s.hooks.OnAnswered()
		}
		if err := s.loadActions(s.startURL, nil); err != nil {
			s.logger.Error("loading start actions failed", "error", err)
			s.destroy()
			return
		}
		s.runNext()
	})
}

// Digit feeds one DTMF digit into the dialogue.
func (s *Session) Digit(digit string) {
	s.post(func() { s.handleDigit(digit) })
}

// PlaybackFinished reports that a playback ended. Stale ids from earlier
// playbacks are ignored.
func (s *Session) PlaybackFinished(playbackID string) {
	s.post(func() { s.handlePlaybackFinished(playbackID) })
}

// SetAction steers the session onto a new action script, overriding
// whatever it is currently waiting on. An in-flight gather is abandoned
// so its timer cannot fire into the steered-to dialogue.
func (s *Session) SetAction(rawURL string, params url.Values) {
	s.post(func() {
		if s.destroyed {
			return
		}
		s.cancelPostPlaybackTimer()
		s.cancelGatherTimer()
		s.gather = nil
		if err := s.loadActions(rawURL, params); err != nil {
			s.logger.Error("loading steered actions failed", "url", rawURL, "error", err)
			s.destroy()
			return
		}
		s.runNext()
	})
}

// Destroy tears the session down. Idempotent.
func (s *Session) Destroy() {
	s.post(func() { s.destroy() })
}

// loadActions fetches and parses the action script at rawURL, folding
// params into its query string. The channel id is appended unless the URL
// already carries one.
func (s *Session) loadActions(rawURL string, params url.Values) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing action url: %w", err)
	}
	q := u.Query()
	for key, vals := range params {
		for _, v := range vals {
			q.Set(key, v)
		}
	}
	if q.Get("uuid") == "" {
		q.Set("uuid", s.channelID)
	}
	u.RawQuery = q.Encode()

	s.currentStatus = snoopStatus(u.Path)

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("creating action request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching actions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("action endpoint returned status %d", resp.StatusCode)
	}

	actions, err := ParseActions(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	s.remaining = actions

	s.logger.Debug("actions loaded",
		"status", s.currentStatus,
		"count", len(actions),
	)
	return nil
}

// snoopStatus extracts the dialogue step from an action URL path, for
// logging only.
func snoopStatus(path string) string {
	for _, status := range []string{"completed", "invalid", "gather", "answer"} {
		if strings.Contains(path, status) {
			return status
		}
	}
	return ""
}

// runNext executes actions from the head of the list until one blocks or
// the list is exhausted. Gathers block; plays continue immediately so the
// gather that typically follows is armed while audio still runs.
func (s *Session) runNext() {
	for !s.destroyed && len(s.remaining) > 0 {
		a := s.remaining[0]
		s.remaining = s.remaining[1:]

		switch a.Name {
		case ActionPlay:
			playbackID := fmt.Sprintf("%s_%d_%d", s.channelID, time.Now().UnixMilli(), rand.IntN(1000000))
			if err := s.pbx.Play(s.ctx, s.channelID, a.Data, playbackID); err != nil {
				s.logger.Warn("play failed, continuing",
					"media", a.Data,
					"error", err,
				)
				continue
			}
			s.playing = true
			s.playbackID = playbackID
			s.currentTimeout = a.Attrs.Timeout
			if a.Attrs.Timeout > 0 {
				s.armPostPlaybackTimer(time.Duration(a.Attrs.Timeout) * time.Second)
			}

		case ActionGather:
			numDigits := a.Attrs.NumDigits
			if numDigits <= 0 {
				numDigits = defaultNumDigits
			}
			timeoutS := a.Attrs.Timeout
			if timeoutS <= 0 {
				timeoutS = defaultGatherTimeout
			}
			s.gather = &gatherState{
				running:     true,
				numDigits:   numDigits,
				finishOnKey: a.Attrs.FinishOnKey,
				nextURL:     a.Attrs.Action,
				timeoutS:    timeoutS,
			}
			// While audio is still playing the timeout window opens only
			// once playback finishes.
			if !s.playing {
				s.armGatherTimer()
			}
			return

		case ActionRedirect:
			s.cancelPostPlaybackTimer()
			if err := s.loadActions(a.Data, nil); err != nil {
				s.logger.Error("redirect load failed", "url", a.Data, "error", err)
				s.destroy()
				return
			}

		case ActionHangup:
			if err := s.pbx.Hangup(s.ctx, s.channelID); err != nil && !pbx.IsNotFound(err) {
				s.logger.Warn("hangup failed", "error", err)
			}
			s.destroy()
			return
		}
	}
}

func (s *Session) handleDigit(digit string) {
	if s.destroyed {
		return
	}

	// Any keypress interrupts the current prompt.
	if s.playing {
		if err := s.pbx.StopPlayback(s.ctx, s.playbackID); err != nil && !pbx.IsNotFound(err) {
			s.logger.Warn("stop playback failed", "error", err)
		}
		s.playing = false
		s.playbackID = ""
		s.cancelPostPlaybackTimer()
	}

	g := s.gather
	if g == nil || !g.running {
		s.logger.Debug("dropping digit outside gather", "digit", digit)
		return
	}

	if g.finishOnKey != "" && digit == g.finishOnKey {
		s.finishGather(g, g.collected)
		return
	}

	g.collected += digit
	if g.finishOnKey == "" && len(g.collected) >= g.numDigits {
		s.finishGather(g, g.collected)
	}
}

// finishGather freezes the gather and advances the dialogue with the
// collected digits.
func (s *Session) finishGather(g *gatherState, digits string) {
	g.running = false
	s.cancelGatherTimer()

	s.logger.Info("gather complete", "digits", digits)
	if err := s.loadActions(g.nextURL, url.Values{"Digits": {digits}}); err != nil {
		s.logger.Error("loading gather follow-up failed", "error", err)
		s.destroy()
		return
	}
	s.runNext()
}

func (s *Session) handlePlaybackFinished(playbackID string) {
	if s.destroyed {
		return
	}
	if playbackID != "" && playbackID != s.playbackID {
		s.logger.Debug("ignoring stale playback finish", "playback_id", playbackID)
		return
	}

	s.playing = false
	s.playbackID = ""
	s.cancelPostPlaybackTimer()

	if s.pendingNext != nil {
		next := s.pendingNext
		s.pendingNext = nil
		if err := s.loadActions(next.url, next.params); err != nil {
			s.logger.Error("loading deferred actions failed", "error", err)
			s.destroy()
			return
		}
		s.runNext()
		return
	}

	if s.gather != nil && s.gather.running {
		// The gather was waiting for the prompt to end; its timeout window
		// starts now.
		s.armGatherTimer()
		return
	}

	if len(s.remaining) == 0 {
		s.armPostPlaybackTimer(time.Duration(s.currentTimeout) * time.Second)
		return
	}

	s.runNext()
}

// armGatherTimer starts the no-input countdown for the current gather. On
// fire the session is torn down.
func (s *Session) armGatherTimer() {
	s.cancelGatherTimer()
	g := s.gather
	if g == nil {
		return
	}
	s.gatherGen++
	gen := s.gatherGen
	s.gatherTimer = time.AfterFunc(time.Duration(g.timeoutS)*time.Second, func() {
		s.post(func() {
			if s.destroyed || s.gatherGen != gen {
				return
			}
			if s.gather == nil || !s.gather.running {
				return
			}
			s.gather.running = false
			s.logger.Info("gather timed out")
			s.destroy()
		})
	})
}

func (s *Session) cancelGatherTimer() {
	s.gatherGen++
	if s.gatherTimer != nil {
		s.gatherTimer.Stop()
		s.gatherTimer = nil
	}
}

// armPostPlaybackTimer starts the after-audio countdown. On fire the
// session is torn down. A zero duration fires on the next tick.
func (s *Session) armPostPlaybackTimer(d time.Duration) {
	s.cancelPostPlaybackTimer()
	s.postPlaybackGen++
	gen := s.postPlaybackGen
	s.postPlaybackTimer = time.AfterFunc(d, func() {
		s.post(func() {
			if s.destroyed || s.postPlaybackGen != gen {
				return
			}
			s.logger.Info("no activity after playback, tearing down")
			s.destroy()
		})
	})
}

func (s *Session) cancelPostPlaybackTimer() {
	s.postPlaybackGen++
	if s.postPlaybackTimer != nil {
		s.postPlaybackTimer.Stop()
		s.postPlaybackTimer = nil
	}
}

// destroy latches the session closed: timers cancelled, channel hung up
// best-effort, owner notified. Runs on the session loop.
func (s *Session) destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true

	s.cancelGatherTimer()
	s.cancelPostPlaybackTimer()
	s.playing = false
	s.playbackID = ""
	s.pendingNext = nil

	ctx := context.WithoutCancel(s.ctx)
	if err := s.pbx.Hangup(ctx, s.channelID); err != nil && !pbx.IsNotFound(err) {
		s.logger.Warn("teardown hangup failed", "error", err)
	}

	close(s.done)
	s.logger.Info("session destroyed", "last_status", s.currentStatus)

	if s.hooks.OnDestroy != nil {
		s.hooks.OnDestroy()
	}
}
