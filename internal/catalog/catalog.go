// Package catalog holds the campaign dialogue scripts: per campaign, the
// IVR steps and the audio/gather parameters of each.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Well-known step names the dialogue logic keys on.
const (
	StepAnswer           = "answer"
	StepOptions          = "options"
	StepOption1          = "option1"
	StepOption2          = "option2"
	StepGather           = "gather"
	StepGather1          = "gather1"
	StepConfirm          = "confirm"
	StepInvalid          = "invalid"
	StepCompleted        = "completed"
	StepCompletedOption1 = "completed_option1"
	StepCompletedOption2 = "completed_option2"
)

// ErrStepNotFound is returned when a campaign or step is not in the
// catalog.
var ErrStepNotFound = errors.New("catalog: step not found")

// ActionSpec is one step's script: which audio to play and how the
// follow-up gather behaves.
type ActionSpec struct {
	Audio       string `json:"audio"`
	Next        string `json:"next,omitempty"`
	Digits      int    `json:"dgts,omitempty"`
	FinishOnKey string `json:"finishOnKey,omitempty"`
	Method      string `json:"method,omitempty"`
	Timeout     int    `json:"timeout,omitempty"`
}

// Catalog is the in-memory campaign map, replaced wholesale on refresh.
type Catalog struct {
	logger *slog.Logger

	mu        sync.RWMutex
	campaigns map[string]map[string]ActionSpec
}

// New creates an empty catalog.
func New(logger *slog.Logger) *Catalog {
	return &Catalog{
		logger:    logger.With("subsystem", "catalog"),
		campaigns: make(map[string]map[string]ActionSpec),
	}
}

// Replace swaps in a full new campaign map.
func (c *Catalog) Replace(campaigns map[string]map[string]ActionSpec) {
	if campaigns == nil {
		campaigns = make(map[string]map[string]ActionSpec)
	}

	c.mu.Lock()
	c.campaigns = campaigns
	n := len(campaigns)
	c.mu.Unlock()

	c.logger.Info("catalog replaced", "campaigns", n)
}

// Lookup returns the ActionSpec for one step of one campaign.
func (c *Catalog) Lookup(campaign, step string) (ActionSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	steps, ok := c.campaigns[campaign]
	if !ok {
		return ActionSpec{}, fmt.Errorf("campaign %q: %w", campaign, ErrStepNotFound)
	}
	spec, ok := steps[step]
	if !ok {
		return ActionSpec{}, fmt.Errorf("campaign %q step %q: %w", campaign, step, ErrStepNotFound)
	}
	return spec, nil
}

// Campaign returns a copy of one campaign's step map. ok is false when
// the campaign is not loaded.
func (c *Catalog) Campaign(campaign string) (map[string]ActionSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	steps, ok := c.campaigns[campaign]
	if !ok {
		return nil, false
	}
	copied := make(map[string]ActionSpec, len(steps))
	for step, spec := range steps {
		copied[step] = spec
	}
	return copied, true
}

// HasStep reports whether the campaign defines the step.
func (c *Catalog) HasStep(campaign, step string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	steps, ok := c.campaigns[campaign]
	if !ok {
		return false
	}
	_, ok = steps[step]
	return ok
}

// TwoGather reports whether the campaign runs the two-round gather
// dialogue, which is the case exactly when it defines a gather1 step.
func (c *Catalog) TwoGather(campaign string) bool {
	return c.HasStep(campaign, StepGather1)
}

// EntryStep returns the step a new call starts on: answer when the
// campaign defines it, otherwise options. ok is false when the campaign
// defines neither.
func (c *Catalog) EntryStep(campaign string) (string, bool) {
	if c.HasStep(campaign, StepAnswer) {
		return StepAnswer, true
	}
	if c.HasStep(campaign, StepOptions) {
		return StepOptions, true
	}
	return "", false
}

// CampaignNames lists the loaded campaigns in sorted order.
func (c *Catalog) CampaignNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.campaigns))
	for name := range c.campaigns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a deep copy of the campaign map for debug output.
func (c *Catalog) Snapshot() map[string]map[string]ActionSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]map[string]ActionSpec, len(c.campaigns))
	for name, steps := range c.campaigns {
		copied := make(map[string]ActionSpec, len(steps))
		for step, spec := range steps {
			copied[step] = spec
		}
		out[name] = copied
	}
	return out
}

// Len returns the number of loaded campaigns.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.campaigns)
}
