package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/redteamnet/arbiter/types"
)

func TestPool_ExhaustionTimesOut(t *testing.T) {
	pool := NewPool(2)
	ctx := context.Background()

	require.NoError(t, pool.Acquire(ctx, time.Second))
	require.NoError(t, pool.Acquire(ctx, time.Second))

	err := pool.Acquire(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, types.ErrResourceExhausted)

	pool.Release()
	require.NoError(t, pool.Acquire(ctx, time.Second))
}

func TestPool_AcquireHonorsContext(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Acquire(context.Background(), time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Acquire(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitReady_SucceedsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	alive := func(context.Context) (bool, error) { return true, nil }
	err := waitReady(context.Background(), srv.Client(), addr, 10*time.Second, alive)
	require.NoError(t, err)
	require.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitReady_CrashAbortsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	alive := func(context.Context) (bool, error) { return false, nil }

	start := time.Now()
	err := waitReady(context.Background(), srv.Client(), addr, time.Minute, alive)
	require.ErrorIs(t, err, types.ErrCrashed)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestWaitReady_BudgetExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	alive := func(context.Context) (bool, error) { return true, nil }
	err := waitReady(context.Background(), srv.Client(), addr, 500*time.Millisecond, alive)
	require.Error(t, err)
}

func TestRoles(t *testing.T) {
	require.True(t, RoleChallenger.Exclusive())
	require.True(t, RoleComparer.Exclusive())
	require.False(t, RoleMiner.Exclusive())
	require.Equal(t, "10001/tcp", string(RoleChallenger.ContainerPort()))
	require.Equal(t, "10002/tcp", string(RoleMiner.ContainerPort()))
	require.Equal(t, "10003/tcp", string(RoleComparer.ContainerPort()))
}
