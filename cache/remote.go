package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/redteamnet/arbiter/logging"
	"github.com/redteamnet/arbiter/types"
)

// RemoteStore mirrors scoring results to a central storage service.
type RemoteStore interface {
	Upload(ctx context.Context, results []*types.ScoringResult) error
	Fetch(ctx context.Context, challenge string, hashes []string) ([]*types.ScoringResult, error)
}

// HTTPRemote talks to the storage service over HTTP JSON. Uploads are
// retried with exponential backoff; a mirror that stays down does not
// block the local store, which keeps serving from disk and backup.
type HTTPRemote struct {
	base   string
	client *http.Client
	budget time.Duration
}

func NewHTTPRemote(base string, budget time.Duration) *HTTPRemote {
	return &HTTPRemote{
		base:   base,
		client: &http.Client{Timeout: 30 * time.Second},
		budget: budget,
	}
}

type uploadRequest struct {
	Results []*types.ScoringResult `json:"results"`
}

type fetchRequest struct {
	Challenge string   `json:"challenge"`
	Hashes    []string `json:"content_hashes"`
}

type fetchResponse struct {
	Results []*types.ScoringResult `json:"results"`
}

func (r *HTTPRemote) Upload(ctx context.Context, results []*types.ScoringResult) error {
	if len(results) == 0 {
		return nil
	}
	body, err := json.Marshal(uploadRequest{Results: results})
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = r.budget

	attempt := 0
	upload := func() error {
		attempt++
		err := r.post(ctx, "/upload-centralized-score", body, nil)
		if err != nil {
			logging.FromContext(ctx).Warn("uploading results",
				zap.Int("attempt", attempt),
				zap.Int("count", len(results)),
				zap.Error(err),
			)
		}
		return err
	}
	return backoff.Retry(upload, backoff.WithContext(policy, ctx))
}

func (r *HTTPRemote) Fetch(ctx context.Context, challenge string, hashes []string) ([]*types.ScoringResult, error) {
	body, err := json.Marshal(fetchRequest{Challenge: challenge, Hashes: hashes})
	if err != nil {
		return nil, err
	}
	var resp fetchResponse
	if err := r.post(ctx, "/fetch-centralized-score", body, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (r *HTTPRemote) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
