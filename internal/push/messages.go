package push

// Call status values carried in StatusMessage.
const (
	StatusRinging   = "ringing"
	StatusAnswered  = "answered"
	StatusCompleted = "completed"
)

// StatusMessage reports call lifecycle transitions. CallDuration is seconds
// from answer to hangup and stays 0 until the call ends.
type StatusMessage struct {
	CallID       string `json:"callId"`
	Status       string `json:"status"`
	CallDuration int    `json:"callDuration"`
	HangupCause  string `json:"hangupCause,omitempty"`
}

// OtpRelayMessage forwards digits the callee keyed in during a gather.
type OtpRelayMessage struct {
	CallID  string `json:"callId"`
	SendOtp string `json:"SendOtp"`
}

// OtpCodeMessage forwards digits collected on the second gather round.
type OtpCodeMessage struct {
	CallID         string `json:"callId"`
	OtpCode        string `json:"OtpCode"`
	SelectedOption string `json:"selectedOption,omitempty"`
}

// ValidationMessage reports the tenant's validation verdict back to the
// subscriber, with the stage or menu option it applied to.
type ValidationMessage struct {
	CallID         string `json:"callId"`
	OtpValidation  string `json:"OtpValidation"`
	GatherStage    string `json:"gatherStage,omitempty"`
	SelectedOption string `json:"selectedOption,omitempty"`
}
