package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/redteamnet/arbiter/logging"
	"github.com/redteamnet/arbiter/submission"
)

type fakeFetcher struct {
	views map[string]*submission.ValidatorView
	errs  map[string]error
	slow  map[string]bool
}

func (f *fakeFetcher) FetchView(ctx context.Context, v ValidatorInfo) (*submission.ValidatorView, error) {
	if f.slow[v.ID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err, ok := f.errs[v.ID]; ok {
		return nil, err
	}
	if view, ok := f.views[v.ID]; ok {
		return view, nil
	}
	return &submission.ValidatorView{Validator: v.ID, Stake: v.Stake}, nil
}

func testCtx(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

func encrypt(t *testing.T, payload submission.Payload) (token, key string) {
	t.Helper()
	var k fernet.Key
	require.NoError(t, k.Generate())
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	tok, err := fernet.EncryptAndSign(raw, &k)
	require.NoError(t, err)
	return string(tok), k.Encode()
}

func TestCollect_StakeThreshold(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	sub := func(miner, commit string) submission.Submission {
		return submission.Submission{Challenge: "ctf", Miner: miner, Timestamp: ts, Encrypted: commit}
	}
	chain := NewStaticChain([]ValidatorInfo{
		{ID: "val-1", Stake: 5000},
		{ID: "val-2", Stake: 10}, // below threshold
	})
	fetcher := &fakeFetcher{views: map[string]*submission.ValidatorView{
		"val-1": {Validator: "val-1", Submissions: []submission.Submission{sub("m1", "c1")}},
		"val-2": {Validator: "val-2", Submissions: []submission.Submission{sub("m2", "c2")}},
	}}

	a := New(chain, fetcher, WithMinStake(1000))
	set, err := a.Collect(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	_, ok := set.Get("ctf", "m2")
	require.False(t, ok)
}

func TestCollect_SlowValidatorDegradesOneCycle(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	view := func(val, miner string) *submission.ValidatorView {
		return &submission.ValidatorView{Validator: val, Submissions: []submission.Submission{
			{Challenge: "ctf", Miner: miner, Timestamp: ts, Encrypted: "c-" + miner},
		}}
	}
	chain := NewStaticChain([]ValidatorInfo{
		{ID: "val-1", Stake: 5000},
		{ID: "val-2", Stake: 5000},
	})
	fetcher := &fakeFetcher{
		views: map[string]*submission.ValidatorView{"val-1": view("val-1", "m1"), "val-2": view("val-2", "m2")},
		slow:  map[string]bool{"val-2": true},
	}

	a := New(chain, fetcher, WithMinStake(1000), WithFetchTimeout(20*time.Millisecond))
	set, err := a.Collect(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())

	// Next cycle the validator recovered.
	fetcher.slow = nil
	set, err = a.Collect(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())
}

func TestCollect_RevealsDueSubmissions(t *testing.T) {
	token, key := encrypt(t, submission.Payload{Image: "r.io/m@sha256:abc", Code: "if x: pass"})
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	chain := NewStaticChain([]ValidatorInfo{{ID: "val-1", Stake: 5000}})
	fetcher := &fakeFetcher{views: map[string]*submission.ValidatorView{
		"val-1": {Validator: "val-1", Submissions: []submission.Submission{
			{Challenge: "ctf", Miner: "m1", Timestamp: ts, Encrypted: token, RevealKey: key},
		}},
	}}

	mock := clock.NewMock()
	mock.Set(ts.Add(time.Hour))
	a := New(chain, fetcher, WithMinStake(1000), WithClock(mock))

	set, err := a.Collect(testCtx(t))
	require.NoError(t, err)
	got, ok := set.Get("ctf", "m1")
	require.True(t, ok)
	require.NotNil(t, got.Payload)
	require.False(t, got.Invalid)
}

func TestCollect_UndecryptablePastDelayMarkedInvalidOnce(t *testing.T) {
	token, _ := encrypt(t, submission.Payload{Image: "r.io/m@sha256:abc", Code: "x"})
	var wrong fernet.Key
	require.NoError(t, wrong.Generate())
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	chain := NewStaticChain([]ValidatorInfo{{ID: "val-1", Stake: 5000}})
	fetcher := &fakeFetcher{views: map[string]*submission.ValidatorView{
		"val-1": {Validator: "val-1", Submissions: []submission.Submission{
			{Challenge: "ctf", Miner: "m1", Timestamp: ts, Encrypted: token, RevealKey: wrong.Encode()},
		}},
	}}

	mock := clock.NewMock()
	mock.Set(ts.Add(25 * time.Hour))
	a := New(chain, fetcher, WithMinStake(1000), WithClock(mock), WithRevealDelay(24*time.Hour))

	set, err := a.Collect(testCtx(t))
	require.NoError(t, err)
	got, _ := set.Get("ctf", "m1")
	require.True(t, got.Invalid)

	// The mark survives the next rebuild.
	set, err = a.Collect(testCtx(t))
	require.NoError(t, err)
	got, _ = set.Get("ctf", "m1")
	require.True(t, got.Invalid)
}

func TestCollect_UndecryptableBeforeDelayNotInvalid(t *testing.T) {
	token, _ := encrypt(t, submission.Payload{Image: "r.io/m@sha256:abc", Code: "x"})
	var wrong fernet.Key
	require.NoError(t, wrong.Generate())
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	chain := NewStaticChain([]ValidatorInfo{{ID: "val-1", Stake: 5000}})
	fetcher := &fakeFetcher{views: map[string]*submission.ValidatorView{
		"val-1": {Validator: "val-1", Submissions: []submission.Submission{
			{Challenge: "ctf", Miner: "m1", Timestamp: ts, Encrypted: token, RevealKey: wrong.Encode()},
		}},
	}}

	mock := clock.NewMock()
	mock.Set(ts.Add(time.Hour))
	a := New(chain, fetcher, WithMinStake(1000), WithClock(mock), WithRevealDelay(24*time.Hour))

	set, err := a.Collect(testCtx(t))
	require.NoError(t, err)
	got, _ := set.Get("ctf", "m1")
	require.False(t, got.Invalid)
}

func TestCollect_ChainErrorPropagates(t *testing.T) {
	fetcher := &fakeFetcher{}
	a := New(chainFunc(func(context.Context) ([]ValidatorInfo, error) {
		return nil, fmt.Errorf("chain unreachable")
	}), fetcher)
	_, err := a.Collect(testCtx(t))
	require.Error(t, err)
}

type chainFunc func(ctx context.Context) ([]ValidatorInfo, error)

func (f chainFunc) Validators(ctx context.Context) ([]ValidatorInfo, error) { return f(ctx) }
