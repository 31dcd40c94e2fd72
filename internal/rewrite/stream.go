package rewrite

import (
	"context"
	"log/slog"
	"sync"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/kalambet/tutorai/internal/invoker"
	"github.com/kalambet/tutorai/internal/ledger"
	"github.com/kalambet/tutorai/internal/prompt"
	"github.com/kalambet/tutorai/internal/registry"
)

// Stream rewrites req and returns the answer as it is generated. A cache hit
// yields the cached text as a single chunk. Tiers are escalated only until
// the first chunk arrives; after that a provider error ends the stream.
// Completed streams are cached unscored and recorded.
//
// Concurrent streams and runs for the same fingerprint generate once: later
// callers wait for the first to finish and are served from the cache.
// Config.Deadline bounds that wait plus opening and escalation. It no longer
// applies once the first chunk has been delivered.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (*invoker.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	fp := req.Fingerprint()

	openCtx, cancel := context.WithCancelCause(ctx)
	deadline := time.AfterFunc(o.cfg.Deadline, func() { cancel(context.DeadlineExceeded) })
	var release func()
	handedOff := false
	defer func() {
		if handedOff {
			return
		}
		deadline.Stop()
		cancel(nil)
		if release != nil {
			release()
		}
	}()

	var (
		attempts int
		lastErr  error
		lastKind invoker.Kind
	)
	tier := registry.TierPrimary
	fail := func(kind error) error {
		return &Error{Kind: kind, LastTier: tier, LastFailure: lastKind, Attempts: attempts, Err: lastErr}
	}

	var err error
	if release, err = o.claims.acquire(openCtx, fp); err != nil {
		return nil, fail(ErrDeadlineExceeded)
	}

	if c := o.deps.Cache; c != nil {
		if e, ok := c.Get(fp); ok {
			return invoker.NewStaticStream(e.Text), nil
		}
	}

	if l := o.deps.Ledger; l != nil && l.IsNearExhaustion(o.cfg.NearExhaustion) {
		tier = registry.TierBudget
	}
	complexity := prompt.EstimateComplexity(req.Question, req.Answer)
	profile := prompt.SelectProfile(req.Subject, complexity)
	maxTokens := complexity.MaxTokens()
	msgs := prompt.Rewrite(req.input())
	promptTokens := invoker.EstimatePromptTokens(msgs)

	for {
		desc, err := o.deps.Registry.ResolveFor(registry.TaskRewrite, tier, profile)
		if err != nil {
			lastErr, lastKind = err, invoker.Fatal
			next, ok := registry.Next(tier)
			if !ok {
				return nil, fail(ErrAllTiersExhausted)
			}
			tier = next
			continue
		}
		n := maxTokens
		if desc.MaxTokens > 0 && desc.MaxTokens < n {
			n = desc.MaxTokens
		}
		params := invoker.Params{Temperature: o.cfg.Temperature, MaxTokens: n}

		backoff := retry.WithJitterPercent(20, retry.NewExponential(o.cfg.RetryBackoff))
		for tierAttempts := 1; ; tierAttempts++ {
			if openCtx.Err() != nil {
				return nil, fail(ErrDeadlineExceeded)
			}

			var hold *ledger.Reservation
			if l := o.deps.Ledger; l != nil {
				var ok bool
				if hold, ok = l.Reserve(desc.Cost(promptTokens, n)); !ok {
					if tier == registry.TierBudget {
						return nil, fail(ErrBudgetExhausted)
					}
					tier = registry.TierBudget
					break
				}
			}

			attempts++
			s, err := o.openStream(openCtx, desc, msgs, params)
			if err == nil {
				if !deadline.Stop() {
					// The deadline fired while the first chunk was in hand.
					s.s.Close()
					hold.Release()
					return nil, fail(ErrDeadlineExceeded)
				}
				handedOff = true
				done := func() {
					cancel(nil)
					release()
				}
				return o.deliver(ctx, req, fp, desc, s, hold, attempts, done), nil
			}
			hold.Release()

			lastErr, lastKind = err, invoker.KindOf(err)
			slog.Warn("rewrite: stream open failed",
				"fingerprint", fp, "tier", tier, "model", desc.Model, "error", err)
			if openCtx.Err() != nil {
				return nil, fail(ErrDeadlineExceeded)
			}
			if !invoker.IsTransient(err) || tierAttempts > o.cfg.SameTierRetries {
				next, ok := registry.Next(tier)
				if !ok {
					return nil, fail(ErrAllTiersExhausted)
				}
				tier = next
				break
			}
			d, _ := backoff.Next()
			select {
			case <-openCtx.Done():
				return nil, fail(ErrDeadlineExceeded)
			case <-time.After(d):
			}
		}
	}
}

// openStream opens a provider stream and waits for its first chunk, so that
// failures before any output can still be escalated.
func (o *Orchestrator) openStream(ctx context.Context, desc registry.Descriptor, msgs []invoker.Message, params invoker.Params) (*primedStream, error) {
	s, err := o.deps.Invoker.InvokeStream(ctx, desc, msgs, params)
	if err != nil {
		return nil, err
	}
	if !s.Next() {
		err := s.Err()
		s.Close()
		if err == nil {
			err = &invoker.Failure{Kind: invoker.Transient, Provider: desc.Provider, Model: desc.Model, Reason: "empty stream"}
		}
		return nil, err
	}
	return &primedStream{s: s, first: s.Chunk(), promptTokens: invoker.EstimatePromptTokens(msgs)}, nil
}

type primedStream struct {
	s            *invoker.Stream
	first        string
	sentFirst    bool
	promptTokens int
}

// deliver wraps a primed provider stream. When it ends cleanly the text is
// cached and persisted; the spend is recorded either way. done runs last,
// after the cache has been filled.
func (o *Orchestrator) deliver(ctx context.Context, req Request, fp string, desc registry.Descriptor, p *primedStream, hold *ledger.Reservation, attempts int, done func()) *invoker.Stream {
	start := time.Now()
	var settle sync.Once
	finish := func(complete bool) {
		settle.Do(func() {
			defer done()
			promptTokens, completionTokens := p.s.Usage()
			if promptTokens == 0 {
				promptTokens = p.promptTokens
			}
			cost := desc.Cost(promptTokens, completionTokens)
			if l := o.deps.Ledger; l != nil {
				l.Record(desc.Model, cost)
			}
			hold.Release()
			if !complete {
				return
			}
			res := &Result{
				Fingerprint: fp,
				Text:        p.s.Text(),
				Model:       desc.Model,
				Tier:        desc.Tier,
				Attempts:    attempts,
				Cost:        cost,
				CreatedAt:   time.Now().UTC(),
			}
			res.finalize(time.Since(start))
			o.store(ctx, req, res)
		})
	}

	next := func() (string, bool, error) {
		if !p.sentFirst {
			p.sentFirst = true
			return p.first, true, nil
		}
		if p.s.Next() {
			return p.s.Chunk(), true, nil
		}
		err := p.s.Err()
		finish(err == nil)
		return "", false, err
	}
	closeFn := func() error {
		err := p.s.Close()
		finish(false)
		return err
	}
	return invoker.NewStream(next, closeFn)
}
