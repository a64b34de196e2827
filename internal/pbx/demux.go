package pbx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// dedupWindow is how long playback and hangup ids are remembered for
	// duplicate suppression.
	dedupWindow = 30 * time.Second

	// Reconnect policy for the event stream.
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 5
)

// Handler receives demultiplexed PBX events. Methods are invoked
// synchronously from the event stream reader and must not block.
type Handler interface {
	// HandleStasisStart fires once per channel when it enters the
	// controlling application.
	HandleStasisStart(channelID string)

	// HandleRinging fires when the remote side starts ringing.
	HandleRinging(channelID string)

	// HandleDTMF delivers one keypad digit.
	HandleDTMF(channelID, digit string)

	// HandlePlaybackFinished fires once per playback id.
	HandlePlaybackFinished(channelID, playbackID string)

	// HandleHangup fires once per channel with the PBX cause code.
	HandleHangup(channelID string, cause int)

	// HandleServerFailed fires after the reconnect budget is exhausted.
	HandleServerFailed()
}

// Demux reads the PBX event stream and re-emits typed, deduplicated events
// keyed by channel id.
type Demux struct {
	url     string
	handler Handler
	logger  *slog.Logger
	dialer  *websocket.Dialer

	reconnectDelay time.Duration
	maxAttempts    int

	mu           sync.Mutex
	started      map[string]struct{}
	playbackSeen map[string]struct{}
	hangupDone   map[string]struct{}
	dispatched   uint64
	duplicates   uint64
}

// NewDemux creates a demux reading from the websocket at eventsURL.
func NewDemux(eventsURL string, handler Handler, logger *slog.Logger) *Demux {
	return &Demux{
		url:            eventsURL,
		handler:        handler,
		logger:         logger.With("subsystem", "pbx-events"),
		dialer:         websocket.DefaultDialer,
		reconnectDelay: reconnectDelay,
		maxAttempts:    maxReconnectAttempts,
		started:        make(map[string]struct{}),
		playbackSeen:   make(map[string]struct{}),
		hangupDone:     make(map[string]struct{}),
	}
}

// Run connects to the event stream and dispatches events until the context
// ends. Consecutive failed connects beyond the reconnect budget emit
// HandleServerFailed and stop the demux; a successful connect resets the
// budget.
func (d *Demux) Run(ctx context.Context) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, resp, err := d.dialer.DialContext(ctx, d.url, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			attempts++
			d.logger.Warn("pbx event stream connect failed",
				"attempt", attempts,
				"max_attempts", d.maxAttempts,
				"error", err,
			)
			if attempts >= d.maxAttempts {
				d.logger.Error("pbx event stream unreachable, giving up")
				d.handler.HandleServerFailed()
				return fmt.Errorf("pbx events: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.reconnectDelay):
			}
			continue
		}

		attempts = 0
		d.logger.Info("connected to pbx event stream", "url", d.url)
		d.readLoop(ctx, conn)
		if err := ctx.Err(); err != nil {
			return err
		}

		d.logger.Warn("pbx event stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.reconnectDelay):
		}
	}
}

func (d *Demux) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		d.dispatch(data)
	}
}

func (d *Demux) dispatch(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		d.logger.Warn("dropping unparseable pbx event", "error", err)
		return
	}

	switch ev.Type {
	case eventStasisStart:
		if ev.Channel == nil {
			return
		}
		if !d.markStarted(ev.Channel.ID) {
			d.logger.Debug("dropping duplicate stasis start", "channel_id", ev.Channel.ID)
			return
		}
		d.count()
		d.handler.HandleStasisStart(ev.Channel.ID)

	case eventDTMFReceived:
		if ev.Channel == nil {
			return
		}
		d.count()
		d.handler.HandleDTMF(ev.Channel.ID, ev.Digit)

	case eventPlaybackFinished:
		if ev.Playback == nil {
			return
		}
		if !d.markPlayback(ev.Playback.ID) {
			d.logger.Debug("dropping duplicate playback finished", "playback_id", ev.Playback.ID)
			return
		}
		channelID := strings.TrimPrefix(ev.Playback.TargetURI, playbackTargetURIPrefix)
		d.count()
		d.handler.HandlePlaybackFinished(channelID, ev.Playback.ID)

	case eventChannelStateChange:
		if ev.Channel == nil || ev.Channel.State != channelStateRinging {
			return
		}
		d.count()
		d.handler.HandleRinging(ev.Channel.ID)

	case eventChannelHangupReq, eventChannelDestroyed:
		if ev.Channel == nil {
			return
		}
		if !d.markHangup(ev.Channel.ID) {
			d.logger.Debug("dropping duplicate hangup", "channel_id", ev.Channel.ID)
			return
		}
		d.count()
		d.handler.HandleHangup(ev.Channel.ID, ev.Cause)

	default:
		d.logger.Debug("ignoring pbx event", "type", ev.Type)
	}
}

func (d *Demux) count() {
	d.mu.Lock()
	d.dispatched++
	d.mu.Unlock()
}

// EventsDispatched returns the number of events delivered to the handler.
func (d *Demux) EventsDispatched() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatched
}

// DuplicatesDropped returns the number of events suppressed by the dedup
// windows.
func (d *Demux) DuplicatesDropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duplicates
}

// markStarted records the first stasis entry for a channel. The entry is
// dropped together with the channel's hangup bookkeeping.
func (d *Demux) markStarted(channelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.started[channelID]; seen {
		d.duplicates++
		return false
	}
	d.started[channelID] = struct{}{}
	return true
}

func (d *Demux) markPlayback(playbackID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.playbackSeen[playbackID]; seen {
		d.duplicates++
		return false
	}
	d.playbackSeen[playbackID] = struct{}{}
	time.AfterFunc(dedupWindow, func() {
		d.mu.Lock()
		delete(d.playbackSeen, playbackID)
		d.mu.Unlock()
	})
	return true
}

func (d *Demux) markHangup(channelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.hangupDone[channelID]; seen {
		d.duplicates++
		return false
	}
	d.hangupDone[channelID] = struct{}{}
	time.AfterFunc(dedupWindow, func() {
		d.mu.Lock()
		delete(d.hangupDone, channelID)
		delete(d.started, channelID)
		d.mu.Unlock()
	})
	return true
}
