package ivr

import (
	"log/slog"

	"github.com/dialflow/dialflow/internal/pbx"
	"github.com/dialflow/dialflow/internal/push"
)

// Notifier is the slice of the push registry the dispatcher reports through.
type Notifier interface {
	Send(callID string, payload any) error
	MarkTerminal(callID string, payload any)
}

// CallRecords is the slice of the call store the dispatcher cleans up.
type CallRecords interface {
	Delete(id string)
}

// Dispatcher routes demultiplexed PBX events to the owning session and
// mirrors lifecycle transitions to the push channel. Call ids and channel
// ids coincide: the originator mints the channel id and uses it as the call
// id everywhere.
type Dispatcher struct {
	sessions *Registry
	notify   Notifier
	calls    CallRecords
	logger   *slog.Logger
}

// NewDispatcher wires the event fan-out.
func NewDispatcher(sessions *Registry, notify Notifier, calls CallRecords, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		notify:   notify,
		calls:    calls,
		logger:   logger.With("subsystem", "ivr-dispatch"),
	}
}

// HandleStasisStart answers the channel and starts its dialogue.
func (d *Dispatcher) HandleStasisStart(channelID string) {
	s, ok := d.sessions.Get(channelID)
	if !ok {
		d.logger.Warn("stasis start for unknown channel", "channel_id", channelID)
		return
	}
	s.Begin()
}

// HandleRinging mirrors the ringing state to the subscriber.
func (d *Dispatcher) HandleRinging(channelID string) {
	d.notify.Send(channelID, push.StatusMessage{
		CallID: channelID,
		Status: push.StatusRinging,
	})
}

// HandleDTMF feeds a digit into the channel's session.
func (d *Dispatcher) HandleDTMF(channelID, digit string) {
	s, ok := d.sessions.Get(channelID)
	if !ok {
		d.logger.Debug("digit for unknown channel", "channel_id", channelID)
		return
	}
	s.Digit(digit)
}

// HandlePlaybackFinished relays a playback end to the channel's session.
func (d *Dispatcher) HandlePlaybackFinished(channelID, playbackID string) {
	s, ok := d.sessions.Get(channelID)
	if !ok {
		return
	}
	s.PlaybackFinished(playbackID)
}

// HandleHangup reports the terminal status, drops the call record, and
// tears down the session.
func (d *Dispatcher) HandleHangup(channelID string, cause int) {
	duration := 0
	s, ok := d.sessions.Get(channelID)
	if ok {
		duration = s.Duration()
	}

	d.notify.MarkTerminal(channelID, push.StatusMessage{
		CallID:       channelID,
		Status:       push.StatusCompleted,
		CallDuration: duration,
		HangupCause:  pbx.CauseText(cause),
	})
	d.calls.Delete(channelID)

	if ok {
		s.Destroy()
	}
}

// HandleServerFailed tears down every session: without the event stream no
// dialogue can progress.
func (d *Dispatcher) HandleServerFailed() {
	d.logger.Error("pbx event stream lost, destroying all sessions",
		"live", d.sessions.Len(),
	)
	d.sessions.DestroyAll()
}
