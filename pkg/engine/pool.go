package engine

import (
	"context"
	"log/slog"
	"sync"
)

// UserPool runs user loops as goroutines and tracks them so the
// scheduler can wait for a clean exit.
type UserPool struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
}

// NewUserPool creates an empty pool.
func NewUserPool() *UserPool {
	return &UserPool{running: map[string]struct{}{}}
}

// Submit starts one user's loop. Duplicate submissions for a user
// already running are ignored.
func (p *UserPool) Submit(ctx context.Context, userID string, run func(ctx context.Context)) {
	p.mu.Lock()

	if _, ok := p.running[userID]; ok {
		p.mu.Unlock()

		return
	}

	p.running[userID] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.running, userID)
			p.mu.Unlock()

			slog.Debug("user loop finished", "userID", userID)
		}()

		run(ctx)
	}()
}

// Len returns the number of user loops currently running.
func (p *UserPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.running)
}

// Wait blocks until every submitted user loop has returned.
func (p *UserPool) Wait() {
	p.wg.Wait()
}
