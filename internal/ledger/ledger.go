// Package ledger tracks model spend against a budget ceiling.
package ledger

import (
	"log/slog"
	"math"
	"sync"
)

// DefaultNearExhaustion is the remaining-budget fraction below which callers
// should switch to the cheapest tier.
const DefaultNearExhaustion = 0.10

// Sink persists recorded spend. It is called outside the ledger lock.
type Sink interface {
	RecordSpend(model string, cost float64) error
}

// Snapshot is a point-in-time copy of the ledger.
type Snapshot struct {
	Ceiling   float64            `json:"ceiling"`
	Spent     float64            `json:"spent"`
	Reserved  float64            `json:"reserved"`
	Remaining float64            `json:"remaining"`
	ByModel   map[string]float64 `json:"by_model"`
}

// Amounts are held as integer nano-dollars so that releasing every
// reservation returns reserved to exactly zero.
type nanos int64

const nanosPerUSD = 1e9

func toNanos(usd float64) nanos { return nanos(math.Round(usd * nanosPerUSD)) }

func (n nanos) usd() float64 { return float64(n) / nanosPerUSD }

// Ledger is safe for concurrent use. All counters are guarded by one mutex.
type Ledger struct {
	mu       sync.Mutex
	ceiling  nanos
	spent    nanos
	reserved nanos
	byModel  map[string]nanos

	sink Sink
}

// New creates a Ledger with the given ceiling in USD. A nil sink disables
// persistence.
func New(ceiling float64, sink Sink) *Ledger {
	return &Ledger{
		ceiling: toNanos(ceiling),
		byModel: make(map[string]nanos),
		sink:    sink,
	}
}

// Restore seeds spend from persisted history. Call before serving traffic.
func (l *Ledger) Restore(byModel map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for model, cost := range byModel {
		n := toNanos(cost)
		l.byModel[model] += n
		l.spent += n
	}
}

// Remaining returns the ceiling minus cumulative spend. It can be negative
// once the soft ceiling has been overshot.
func (l *Ledger) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return (l.ceiling - l.spent).usd()
}

// IsNearExhaustion reports whether remaining budget is below fraction of the
// ceiling. A non-positive fraction uses DefaultNearExhaustion.
func (l *Ledger) IsNearExhaustion(fraction float64) bool {
	if fraction <= 0 {
		fraction = DefaultNearExhaustion
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return (l.ceiling - l.spent).usd() < fraction*l.ceiling.usd()
}

// Record adds cost to the total and the model's breakdown. Negative costs
// are ignored so spend stays monotonic.
func (l *Ledger) Record(model string, cost float64) {
	if cost <= 0 {
		return
	}
	n := toNanos(cost)
	l.mu.Lock()
	l.spent += n
	l.byModel[model] += n
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.RecordSpend(model, cost); err != nil {
			slog.Warn("ledger: persisting spend failed", "model", model, "cost", cost, "error", err)
		}
	}
}

// Reservation holds worst-case cost for an in-flight call.
type Reservation struct {
	l      *Ledger
	amount nanos
	once   sync.Once
}

// Release returns the reserved amount. It is safe to call more than once.
func (r *Reservation) Release() {
	if r == nil || r.l == nil {
		return
	}
	r.once.Do(func() {
		r.l.mu.Lock()
		r.l.reserved -= r.amount
		r.l.mu.Unlock()
	})
}

// Reserve holds amount against the ceiling. It fails when spend plus all
// outstanding reservations would exceed the ceiling, so total spend
// overshoots by at most the calls already in flight.
func (l *Ledger) Reserve(amount float64) (*Reservation, bool) {
	n := toNanos(amount)
	if n < 0 {
		n = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spent+l.reserved+n > l.ceiling {
		return nil, false
	}
	l.reserved += n
	return &Reservation{l: l, amount: n}, true
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	by := make(map[string]float64, len(l.byModel))
	for k, v := range l.byModel {
		by[k] = v.usd()
	}
	return Snapshot{
		Ceiling:   l.ceiling.usd(),
		Spent:     l.spent.usd(),
		Reserved:  l.reserved.usd(),
		Remaining: (l.ceiling - l.spent).usd(),
		ByModel:   by,
	}
}
