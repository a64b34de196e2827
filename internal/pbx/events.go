package pbx

// Event stream message types the demux consumes.
const (
	eventStasisStart        = "StasisStart"
	eventDTMFReceived       = "ChannelDtmfReceived"
	eventPlaybackFinished   = "PlaybackFinished"
	eventChannelStateChange = "ChannelStateChange"
	eventChannelHangupReq   = "ChannelHangupRequest"
	eventChannelDestroyed   = "ChannelDestroyed"
)

const (
	channelStateRinging     = "Ringing"
	playbackTargetURIPrefix = "channel:"
)

// Event is the subset of the PBX event schema this system consumes. Fields
// are populated per Type; the rest stay zero.
type Event struct {
	Type     string         `json:"type"`
	Digit    string         `json:"digit,omitempty"`
	Cause    int            `json:"cause,omitempty"`
	Channel  *EventChannel  `json:"channel,omitempty"`
	Playback *EventPlayback `json:"playback,omitempty"`
}

// EventChannel identifies the channel an event belongs to.
type EventChannel struct {
	ID    string `json:"id"`
	State string `json:"state,omitempty"`
}

// EventPlayback identifies a finished playback. TargetURI carries the owning
// channel, usually with a channel: prefix.
type EventPlayback struct {
	ID        string `json:"id"`
	TargetURI string `json:"target_uri"`
}
