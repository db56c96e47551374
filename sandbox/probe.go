package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/redteamnet/arbiter/types"
)

// aliveFunc reports whether the probed container is still running.
type aliveFunc func(ctx context.Context) (bool, error)

// waitReady polls GET /health with bounded exponential backoff until
// the sandbox answers 200. A container that exits while being probed
// aborts immediately with types.ErrCrashed; exhausting the budget is
// fatal for this sandbox only.
func waitReady(ctx context.Context, client *http.Client, addr string, budget time.Duration, alive aliveFunc) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = budget

	url := fmt.Sprintf("http://%s/health", addr)
	probe := func() error {
		running, err := alive(ctx)
		if err != nil {
			return err
		}
		if !running {
			return backoff.Permanent(fmt.Errorf("%w: exited during startup", types.ErrCrashed))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health returned %d", resp.StatusCode)
		}
		return nil
	}

	if err := backoff.Retry(probe, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("sandbox %s never became healthy: %w", addr, err)
	}
	return nil
}
