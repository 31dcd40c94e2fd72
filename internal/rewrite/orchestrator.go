// Package rewrite runs the answer-rewriting state machine: pick a model,
// invoke it with retries and tier escalation, score the result, and accept,
// optimize, or fail.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	retry "github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/tutorai/internal/cache"
	"github.com/kalambet/tutorai/internal/invoker"
	"github.com/kalambet/tutorai/internal/ledger"
	"github.com/kalambet/tutorai/internal/prompt"
	"github.com/kalambet/tutorai/internal/quality"
	"github.com/kalambet/tutorai/internal/registry"
)

const recordTimeout = 5 * time.Second

// Config tunes the orchestrator. Numbers are defaults, not contracts.
type Config struct {
	// Minimum quality score for a clean accept.
	QualityThreshold float64
	// Optimization passes allowed after a low score. Zero disables them.
	MaxOptimizePasses int
	// Extra attempts on the same tier after a transient failure.
	SameTierRetries int
	// Base delay for jittered exponential backoff between same-tier attempts.
	RetryBackoff time.Duration
	// Overall limit for one run.
	Deadline time.Duration
	// Remaining-budget fraction that forces the budget tier.
	NearExhaustion float64
	CacheTTL       time.Duration
	// Parallelism for RunBatch.
	BatchConcurrency int
	Temperature      float64
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		QualityThreshold:  6,
		MaxOptimizePasses: 1,
		SameTierRetries:   1,
		RetryBackoff:      250 * time.Millisecond,
		Deadline:          30 * time.Second,
		NearExhaustion:    ledger.DefaultNearExhaustion,
		CacheTTL:          cache.DefaultRewriteTTL,
		BatchConcurrency:  4,
		Temperature:       0.4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = d.QualityThreshold
	}
	if c.MaxOptimizePasses < 0 {
		c.MaxOptimizePasses = 0
	}
	if c.SameTierRetries < 0 {
		c.SameTierRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.Deadline <= 0 {
		c.Deadline = d.Deadline
	}
	if c.NearExhaustion <= 0 {
		c.NearExhaustion = d.NearExhaustion
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = d.BatchConcurrency
	}
	return c
}

// Invoker is the subset of *invoker.Invoker used here.
type Invoker interface {
	Invoke(ctx context.Context, desc registry.Descriptor, msgs []invoker.Message, params invoker.Params) (invoker.Completion, error)
	InvokeStream(ctx context.Context, desc registry.Descriptor, msgs []invoker.Message, params invoker.Params) (*invoker.Stream, error)
}

// Grader scores a candidate rewrite.
type Grader interface {
	Assess(ctx context.Context, in prompt.Input, candidate string) (quality.Assessment, error)
	Descriptor() registry.Descriptor
}

// Recorder persists accepted results and assigns res.ID.
type Recorder interface {
	Record(ctx context.Context, req Request, res *Result) error
}

// Deps wires the orchestrator. Grader and Recorder are optional.
type Deps struct {
	Registry *registry.Registry
	Invoker  Invoker
	Ledger   *ledger.Ledger
	Cache    *cache.Cache
	Grader   Grader
	Recorder Recorder
}

// Orchestrator is safe for concurrent use. Shared mutable state lives in the
// Ledger and the Cache; runs do not lock each other.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	flights singleflight.Group
	claims  claims
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	return &Orchestrator{deps: deps, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Run rewrites req. It returns either a usable Result (possibly flagged
// low-confidence) or an error: *InvalidRequestError, *Error, or the
// caller's context error.
//
// Concurrent runs for the same fingerprint share one generation. The shared
// run is detached from any single caller and bounded by Config.Deadline.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	fp := req.Fingerprint()

	ch := o.flights.DoChan(fp, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Deadline)
		defer cancel()
		// Wait out a stream generating the same fingerprint; execute then
		// finds its text in the cache.
		release, err := o.claims.acquire(runCtx, fp)
		if err != nil {
			return nil, &Error{Kind: ErrDeadlineExceeded}
		}
		defer release()
		return o.execute(runCtx, req, fp)
	})

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: ErrDeadlineExceeded, Err: ctx.Err()}
		}
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*Result)
		if res.Shared {
			slog.Debug("rewrite: shared in-flight generation", "fingerprint", fp)
		}
		return &out, nil
	}
}

func (o *Orchestrator) execute(ctx context.Context, req Request, fp string) (*Result, error) {
	r := &run{
		o:     o,
		req:   req,
		in:    req.input(),
		fp:    fp,
		start: time.Now(),
		state: stateSelectStrategy,
	}
	return r.loop(ctx)
}

// candidate is a generated rewrite awaiting a decision.
type candidate struct {
	text  string
	model string
	tier  registry.Tier
	score *float64
}

// run is the mutable state of one state machine execution.
type run struct {
	o     *Orchestrator
	req   Request
	in    prompt.Input
	fp    string
	start time.Time

	state state
	trace []state

	profile    registry.Profile
	complexity prompt.Complexity
	tier       registry.Tier
	msgs       []invoker.Message
	backoff    retry.Backoff

	cacheChecked bool
	cached       *cache.Entry

	attempts     int
	tierAttempts int
	passes       int
	cost         float64

	current       *candidate
	held          *candidate
	feedback      string
	lowConfidence bool

	lastErr  error
	lastKind invoker.Kind

	result *Result
	err    error
}

func (r *run) loop(ctx context.Context) (*Result, error) {
	for r.state != stateDone {
		r.trace = append(r.trace, r.state)

		var next state
		switch r.state {
		case stateSelectStrategy:
			next = r.selectStrategy()
		case stateInvoke:
			next = r.invoke(ctx)
		case stateQualityCheck:
			next = r.qualityCheck(ctx)
		case stateOptimizeRetry:
			next = r.optimizeRetry()
		case stateEscalate:
			next = r.escalate(ctx)
		case stateAccept:
			next = r.accept(ctx)
		case stateFail:
			next = r.failed()
		}
		r.moveTo(next)
	}

	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

func (r *run) moveTo(next state) {
	if !canTransition(r.state, next) {
		panic(fmt.Sprintf("rewrite: illegal transition %s -> %s", r.state, next))
	}
	r.state = next
}

func (r *run) cfg() Config { return r.o.cfg }

func (r *run) selectStrategy() state {
	if r.passes == 0 {
		r.complexity = prompt.EstimateComplexity(r.req.Question, r.req.Answer)
		r.profile = prompt.SelectProfile(r.req.Subject, r.complexity)
		r.tier = registry.TierPrimary
		if l := r.o.deps.Ledger; l != nil && l.IsNearExhaustion(r.cfg().NearExhaustion) {
			slog.Info("rewrite: budget nearly exhausted, starting at budget tier", "fingerprint", r.fp)
			r.tier = registry.TierBudget
		}
		r.msgs = prompt.Rewrite(r.in)
	} else {
		if next, ok := registry.Next(r.tier); ok {
			r.tier = next
		}
		r.msgs = prompt.Revise(r.in, r.held.text, r.feedback)
	}

	slog.Debug("rewrite: strategy selected",
		"fingerprint", r.fp, "profile", r.profile, "complexity", r.complexity,
		"tier", r.tier, "pass", r.passes)
	r.enterTier()
	return stateInvoke
}

func (r *run) enterTier() {
	r.tierAttempts = 0
	r.backoff = retry.WithJitterPercent(20, retry.NewExponential(r.cfg().RetryBackoff))
}

func (r *run) invoke(ctx context.Context) state {
	if r.passes == 0 && !r.cacheChecked {
		r.cacheChecked = true
		if c := r.o.deps.Cache; c != nil {
			if e, ok := c.Get(r.fp); ok {
				r.cached = &e
				return stateAccept
			}
		}
	}
	if ctx.Err() != nil {
		return r.fail(ErrDeadlineExceeded)
	}

	desc, err := r.o.deps.Registry.ResolveFor(registry.TaskRewrite, r.tier, r.profile)
	if err != nil {
		slog.Warn("rewrite: no model for tier", "tier", r.tier, "error", err)
		r.lastErr, r.lastKind = err, invoker.Fatal
		return stateEscalate
	}

	params := invoker.Params{Temperature: r.cfg().Temperature, MaxTokens: r.maxTokens(desc)}
	hold, ok := r.reserve(desc, invoker.EstimatePromptTokens(r.msgs), params.MaxTokens)
	if !ok {
		if r.tier != registry.TierBudget {
			slog.Warn("rewrite: cannot reserve budget, forcing budget tier",
				"fingerprint", r.fp, "tier", r.tier, "model", desc.Model)
			r.tier = registry.TierBudget
			r.enterTier()
			return stateInvoke
		}
		return r.fail(ErrBudgetExhausted)
	}

	c, err := r.o.deps.Invoker.Invoke(ctx, desc, r.msgs, params)
	r.attempts++
	r.tierAttempts++
	if err == nil {
		r.spend(desc.Model, c.Cost)
		hold.Release()
		r.current = &candidate{text: c.Text, model: desc.Model, tier: desc.Tier}
		return stateQualityCheck
	}
	hold.Release()

	r.lastErr, r.lastKind = err, invoker.KindOf(err)
	slog.Warn("rewrite: invocation failed",
		"fingerprint", r.fp, "tier", r.tier, "model", desc.Model,
		"attempt", r.tierAttempts, "error", err)

	if ctx.Err() != nil {
		return r.fail(ErrDeadlineExceeded)
	}
	if invoker.IsTransient(err) && r.tierAttempts <= r.cfg().SameTierRetries {
		if !r.wait(ctx) {
			return r.fail(ErrDeadlineExceeded)
		}
		return stateInvoke
	}
	return stateEscalate
}

func (r *run) maxTokens(desc registry.Descriptor) int {
	n := r.complexity.MaxTokens()
	if desc.MaxTokens > 0 && desc.MaxTokens < n {
		n = desc.MaxTokens
	}
	return n
}

// reserve holds the worst-case cost of one call.
func (r *run) reserve(desc registry.Descriptor, promptTokens, maxTokens int) (*ledger.Reservation, bool) {
	l := r.o.deps.Ledger
	if l == nil {
		return nil, true
	}
	return l.Reserve(desc.Cost(promptTokens, maxTokens))
}

func (r *run) spend(model string, cost float64) {
	r.cost += cost
	if l := r.o.deps.Ledger; l != nil {
		l.Record(model, cost)
	}
}

// wait sleeps for the next backoff interval. It returns false if ctx ends
// first.
func (r *run) wait(ctx context.Context) bool {
	d, stop := r.backoff.Next()
	if stop {
		d = r.cfg().RetryBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *run) escalate(ctx context.Context) state {
	next, ok := registry.Next(r.tier)
	if !ok {
		return r.fail(ErrAllTiersExhausted)
	}
	if ctx.Err() != nil {
		return r.fail(ErrDeadlineExceeded)
	}
	slog.Info("rewrite: escalating",
		"fingerprint", r.fp, "from", r.tier, "to", next, "failure", r.lastKind)
	r.tier = next
	r.enterTier()
	return stateInvoke
}

// fail ends the run with kind, unless an earlier candidate from a previous
// pass is held; that one is accepted as low-confidence instead.
func (r *run) fail(kind error) state {
	if r.held != nil {
		slog.Warn("rewrite: optimization pass failed, keeping earlier candidate",
			"fingerprint", r.fp, "reason", kind)
		r.current = r.held
		r.held = nil
		r.lowConfidence = true
		return stateAccept
	}
	r.err = &Error{
		Kind:        kind,
		LastTier:    r.tier,
		LastFailure: r.lastKind,
		Attempts:    r.attempts,
		Err:         r.lastErr,
	}
	return stateFail
}

func (r *run) failed() state {
	slog.Error("rewrite: failed", "fingerprint", r.fp, "error", r.err)
	return stateDone
}

func (r *run) qualityCheck(ctx context.Context) state {
	g := r.o.deps.Grader
	if g == nil {
		return stateAccept
	}

	desc := g.Descriptor()
	est := invoker.EstimateTokens(r.in.Question) + invoker.EstimateTokens(r.in.Answer) +
		invoker.EstimateTokens(r.current.text) + 300
	hold, ok := r.reserve(desc, est, 300)
	if !ok {
		slog.Warn("rewrite: no budget for quality check, accepting unscored", "fingerprint", r.fp)
		return stateAccept
	}
	a, err := g.Assess(ctx, r.in, r.current.text)
	if a.Usage != nil || invoker.KindOf(err) != 0 {
		r.attempts++
	}
	if a.Usage != nil {
		r.spend(desc.Model, a.Usage.Cost)
	}
	hold.Release()

	if err != nil {
		slog.Warn("rewrite: quality check unavailable, accepting unscored",
			"fingerprint", r.fp, "model", desc.Model, "error", err)
		return stateAccept
	}

	score := a.Score
	r.current.score = &score
	if score >= r.cfg().QualityThreshold {
		return stateAccept
	}

	if r.passes < r.cfg().MaxOptimizePasses {
		slog.Info("rewrite: low quality score, optimizing",
			"fingerprint", r.fp, "score", score, "tier", r.tier)
		r.held = r.current
		r.feedback = a.Feedback
		r.passes++
		return stateOptimizeRetry
	}

	// Out of passes: keep the better of the last two candidates.
	if r.held != nil && r.held.score != nil && *r.held.score > score {
		r.current = r.held
	}
	r.held = nil
	r.lowConfidence = true
	return stateAccept
}

func (r *run) optimizeRetry() state {
	return stateSelectStrategy
}

func (r *run) accept(ctx context.Context) state {
	elapsed := time.Since(r.start)

	if e := r.cached; e != nil {
		tier, _ := registry.ParseTier(e.Tier)
		r.result = &Result{
			ID:            e.ID,
			Fingerprint:   r.fp,
			Text:          e.Text,
			Model:         e.Model,
			Tier:          tier,
			QualityScore:  e.QualityScore,
			LowConfidence: e.LowConfidence,
			CacheHit:      true,
			CreatedAt:     e.CreatedAt,
		}
		r.result.finalize(elapsed)
		slog.Debug("rewrite: cache hit", "fingerprint", r.fp, "hits", e.Hits)
		return stateDone
	}

	c := r.current
	res := &Result{
		Fingerprint:   r.fp,
		Text:          c.text,
		Model:         c.model,
		Tier:          c.tier,
		QualityScore:  c.score,
		LowConfidence: r.lowConfidence,
		Attempts:      r.attempts,
		Cost:          r.cost,
		CreatedAt:     time.Now().UTC(),
	}
	res.finalize(elapsed)
	r.o.store(ctx, r.req, res)
	r.result = res

	slog.Info("rewrite: accepted",
		"fingerprint", r.fp, "model", res.Model, "tier", res.Tier,
		"low_confidence", res.LowConfidence, "attempts", res.Attempts,
		"cost", res.Cost, "elapsed", elapsed)
	return stateDone
}

// store persists res (assigning its ID) and caches it. Persistence errors
// are logged; the caller still gets the result.
func (o *Orchestrator) store(ctx context.Context, req Request, res *Result) {
	if rec := o.deps.Recorder; rec != nil {
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		if err := rec.Record(recCtx, req, res); err != nil {
			slog.Warn("rewrite: failed to persist result", "fingerprint", res.Fingerprint, "error", err)
		}
		cancel()
	}
	if c := o.deps.Cache; c != nil {
		c.Put(res.Fingerprint, cache.Entry{
			ID:            res.ID,
			Text:          res.Text,
			Model:         res.Model,
			Tier:          res.Tier.String(),
			QualityScore:  res.QualityScore,
			LowConfidence: res.LowConfidence,
			CreatedAt:     res.CreatedAt,
		}, o.cfg.CacheTTL)
	}
}
