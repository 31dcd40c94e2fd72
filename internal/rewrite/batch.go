package rewrite

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchItem is the outcome for reqs[Index].
type BatchItem struct {
	Index  int
	Result *Result
	Err    error
}

// RunBatch runs every request with at most Config.BatchConcurrency in
// flight. One failed item does not stop the others.
func (o *Orchestrator) RunBatch(ctx context.Context, reqs []Request) []BatchItem {
	items := make([]BatchItem, len(reqs))

	var g errgroup.Group
	g.SetLimit(o.cfg.BatchConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := o.Run(ctx, req)
			items[i] = BatchItem{Index: i, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return items
}
