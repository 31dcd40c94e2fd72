// Package registry describes the models available to the rewrite pipeline,
// grouped by task kind and escalation tier.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// TaskKind identifies what a model is used for.
type TaskKind string

const (
	TaskVision  TaskKind = "vision"
	TaskChat    TaskKind = "chat"
	TaskRewrite TaskKind = "rewrite"
)

// Tier is a priority class of models. Lower values are preferred.
type Tier int

const (
	TierPrimary Tier = iota
	TierFallback
	TierBudget
)

// Tiers lists every tier in escalation order.
var Tiers = []Tier{TierPrimary, TierFallback, TierBudget}

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierFallback:
		return "fallback"
	case TierBudget:
		return "budget"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier converts a tier name to a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "primary":
		return TierPrimary, nil
	case "fallback":
		return TierFallback, nil
	case "budget":
		return TierBudget, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Next returns the tier after t in escalation order. ok is false when t is
// the last tier.
func Next(t Tier) (next Tier, ok bool) {
	if t >= TierBudget {
		return t, false
	}
	return t + 1, true
}

// Profile is a subject-driven model preference.
type Profile string

const (
	ProfileBalanced  Profile = "balanced"
	ProfileReasoning Profile = "reasoning"
	ProfileLanguage  Profile = "language"
)

// Descriptor is read-only configuration for one model.
type Descriptor struct {
	Task     TaskKind
	Tier     Tier
	Model    string
	Provider string
	Profile  Profile

	// Prices in USD per million tokens.
	InputPerMTok  float64
	OutputPerMTok float64

	// Zero means the invoker default.
	Timeout   time.Duration
	MaxTokens int
}

// Cost returns the USD cost of a call with the given token counts.
func (d Descriptor) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1_000_000*d.InputPerMTok +
		float64(completionTokens)/1_000_000*d.OutputPerMTok
}

// ErrUnknownModel is matched by errors.Is for every failed lookup.
var ErrUnknownModel = errors.New("unknown model")

// UnknownModelError reports a (task, tier) pair with no descriptor.
type UnknownModelError struct {
	Task TaskKind
	Tier Tier
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("no %s model configured for tier %s", e.Task, e.Tier)
}

func (e *UnknownModelError) Is(target error) bool {
	return target == ErrUnknownModel
}

type slot struct {
	task TaskKind
	tier Tier
}

// Registry is an immutable index of descriptors. It is safe for concurrent use.
type Registry struct {
	// The first descriptor registered for a slot is its default.
	bySlot map[slot][]Descriptor
	all    []Descriptor
}

// New builds a Registry from descriptors, rejecting incomplete entries.
func New(descs []Descriptor) (*Registry, error) {
	r := &Registry{bySlot: make(map[slot][]Descriptor)}
	for i, d := range descs {
		if d.Model == "" {
			return nil, fmt.Errorf("descriptor %d: model is required", i)
		}
		switch d.Task {
		case TaskVision, TaskChat, TaskRewrite:
		default:
			return nil, fmt.Errorf("descriptor %d (%s): unknown task %q", i, d.Model, d.Task)
		}
		if d.Tier < TierPrimary || d.Tier > TierBudget {
			return nil, fmt.Errorf("descriptor %d (%s): invalid tier %d", i, d.Model, d.Tier)
		}
		if d.Profile == "" {
			d.Profile = ProfileBalanced
		}
		k := slot{d.Task, d.Tier}
		r.bySlot[k] = append(r.bySlot[k], d)
		r.all = append(r.all, d)
	}
	return r, nil
}

// Resolve returns the default descriptor for the task at the tier.
func (r *Registry) Resolve(task TaskKind, tier Tier) (Descriptor, error) {
	ds := r.bySlot[slot{task, tier}]
	if len(ds) == 0 {
		return Descriptor{}, &UnknownModelError{Task: task, Tier: tier}
	}
	return ds[0], nil
}

// ResolveFor prefers a descriptor matching profile and falls back to the
// tier default.
func (r *Registry) ResolveFor(task TaskKind, tier Tier, profile Profile) (Descriptor, error) {
	for _, d := range r.bySlot[slot{task, tier}] {
		if d.Profile == profile {
			return d, nil
		}
	}
	return r.Resolve(task, tier)
}

// Descriptors returns all descriptors ordered by task, tier, then model.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.all))
	copy(out, r.all)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Task != out[j].Task {
			return out[i].Task < out[j].Task
		}
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Model < out[j].Model
	})
	return out
}
