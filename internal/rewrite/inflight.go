package rewrite

import (
	"context"
	"sync"
)

// claims serializes generations per fingerprint across Run and Stream.
// Run already collapses concurrent callers with singleflight; claims makes a
// stream and a run, or two streams, wait for each other so the second one
// finds the first one's result in the cache.
type claims struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// acquire blocks until key is free and then holds it. The returned release
// func is safe to call more than once.
func (c *claims) acquire(ctx context.Context, key string) (release func(), err error) {
	for {
		c.mu.Lock()
		if c.held == nil {
			c.held = make(map[string]chan struct{})
		}
		done, busy := c.held[key]
		if !busy {
			done = make(chan struct{})
			c.held[key] = done
			c.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					c.mu.Lock()
					delete(c.held, key)
					c.mu.Unlock()
					close(done)
				})
			}, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		}
	}
}
