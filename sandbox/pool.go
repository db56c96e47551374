package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/redteamnet/arbiter/types"
)

// Pool bounds the number of concurrently running miner sandboxes.
// Acquisition blocks until a slot frees up or the timeout elapses.
type Pool struct {
	slots chan struct{}
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Acquire claims a slot, waiting up to timeout.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no slot within %v", types.ErrResourceExhausted, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot.
func (p *Pool) Release() {
	select {
	case <-p.slots:
	default:
	}
}
