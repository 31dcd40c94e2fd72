package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/tutorai/internal/registry"
)

// DefaultTimeout bounds a single provider call when the descriptor does not.
const DefaultTimeout = 20 * time.Second

// Provider is one model backend.
type Provider interface {
	Complete(ctx context.Context, call Call) (Completion, error)
	Stream(ctx context.Context, call Call) (*Stream, error)
}

// Invoker performs exactly one provider call per Invoke. It never retries;
// retry and escalation policy belong to the caller.
type Invoker struct {
	mu             sync.RWMutex
	providers      map[string]Provider
	defaultTimeout time.Duration
}

// New creates an Invoker. A non-positive timeout uses DefaultTimeout.
func New(defaultTimeout time.Duration) *Invoker {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Invoker{
		providers:      make(map[string]Provider),
		defaultTimeout: defaultTimeout,
	}
}

// Register makes p available to descriptors whose Provider is name.
func (inv *Invoker) Register(name string, p Provider) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.providers[name] = p
}

// Providers returns the registered provider names.
func (inv *Invoker) Providers() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	names := make([]string, 0, len(inv.providers))
	for name := range inv.providers {
		names = append(names, name)
	}
	return names
}

func (inv *Invoker) provider(name string) (Provider, error) {
	inv.mu.RLock()
	p, ok := inv.providers[name]
	inv.mu.RUnlock()
	if !ok {
		return nil, fatal("unknown provider", fmt.Errorf("no provider registered as %q", name))
	}
	return p, nil
}

func (inv *Invoker) timeout(desc registry.Descriptor) time.Duration {
	if desc.Timeout > 0 {
		return desc.Timeout
	}
	return inv.defaultTimeout
}

func callFor(desc registry.Descriptor, msgs []Message, params Params) Call {
	if params.MaxTokens <= 0 {
		params.MaxTokens = desc.MaxTokens
	}
	return Call{Model: desc.Model, Messages: msgs, Params: params}
}

// Invoke calls the model described by desc. Every error it returns is a
// *Failure.
func (inv *Invoker) Invoke(ctx context.Context, desc registry.Descriptor, msgs []Message, params Params) (Completion, error) {
	p, err := inv.provider(desc.Provider)
	if err != nil {
		return Completion{}, stamp(err, desc)
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.timeout(desc))
	defer cancel()

	start := time.Now()
	c, err := p.Complete(callCtx, callFor(desc, msgs, params))
	elapsed := time.Since(start)
	if err != nil {
		err = normalize(callCtx, err)
		slog.Debug("invoker: call failed",
			"provider", desc.Provider, "model", desc.Model, "tier", desc.Tier,
			"elapsed", elapsed, "error", err)
		return Completion{}, stamp(err, desc)
	}

	if c.Model == "" {
		c.Model = desc.Model
	}
	if c.PromptTokens == 0 {
		c.PromptTokens = EstimatePromptTokens(msgs)
	}
	if c.CompletionTokens == 0 {
		c.CompletionTokens = EstimateTokens(c.Text)
	}
	c.Tier = desc.Tier
	c.Elapsed = elapsed
	c.Cost = desc.Cost(c.PromptTokens, c.CompletionTokens)
	return c, nil
}

// InvokeStream opens a streaming call. The per-call timeout covers only
// opening the stream; the caller's context bounds reading it.
func (inv *Invoker) InvokeStream(ctx context.Context, desc registry.Descriptor, msgs []Message, params Params) (*Stream, error) {
	p, err := inv.provider(desc.Provider)
	if err != nil {
		return nil, stamp(err, desc)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(inv.timeout(desc), cancel)

	s, err := p.Stream(streamCtx, callFor(desc, msgs, params))
	timedOut := !timer.Stop()
	if err != nil {
		cancel()
		if timedOut {
			err = transient("timeout", err)
		}
		return nil, stamp(normalize(streamCtx, err), desc)
	}

	if s.promptTokens == 0 {
		s.promptTokens = EstimatePromptTokens(msgs)
	}
	inner := s.close
	s.close = func() error {
		defer cancel()
		if inner != nil {
			return inner()
		}
		return nil
	}
	return s, nil
}

// normalize turns anything a provider returns into a *Failure.
func normalize(ctx context.Context, err error) error {
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return transient("timeout", err)
	}
	if errors.Is(err, context.Canceled) {
		return transient("cancelled", err)
	}
	// Provider adapters that leak raw errors are assumed to be having a bad day.
	return transient("provider error", err)
}

func stamp(err error, desc registry.Descriptor) error {
	var f *Failure
	if errors.As(err, &f) {
		if f.Provider == "" {
			f.Provider = desc.Provider
		}
		if f.Model == "" {
			f.Model = desc.Model
		}
	}
	return err
}
