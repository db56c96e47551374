package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redteamnet/arbiter/submission"
)

// ViewFetcher retrieves one validator's submission view.
type ViewFetcher interface {
	FetchView(ctx context.Context, validator ValidatorInfo) (*submission.ValidatorView, error)
}

// HTTPFetcher pulls views over the validators' HTTP JSON endpoint.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{}}
}

// viewCommit is the wire shape of one commit in a validator's view.
// Fields a validator failed to populate make the whole view untrusted
// for this cycle rather than being guessed at.
type viewCommit struct {
	Challenge string    `json:"challenge"`
	Miner     string    `json:"miner"`
	Timestamp time.Time `json:"timestamp"`
	Encrypted string    `json:"encrypted_payload"`
	RevealKey string    `json:"reveal_key,omitempty"`
}

type viewResponse struct {
	Commits []viewCommit `json:"commits"`
}

func (f *HTTPFetcher) FetchView(ctx context.Context, validator ValidatorInfo) (*submission.ValidatorView, error) {
	url := strings.TrimSuffix(validator.URL, "/") + "/fetch-latest-miner-commits"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(`{}`))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("validator %s returned %d", validator.ID, resp.StatusCode)
	}

	var body viewResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding view from %s: %w", validator.ID, err)
	}

	view := &submission.ValidatorView{
		Validator: validator.ID,
		Stake:     validator.Stake,
		FetchedAt: time.Now().UTC(),
	}
	for _, c := range body.Commits {
		if c.Challenge == "" || c.Miner == "" || c.Encrypted == "" || c.Timestamp.IsZero() {
			return nil, fmt.Errorf("validator %s sent a partial commit", validator.ID)
		}
		view.Submissions = append(view.Submissions, submission.Submission{
			Challenge: c.Challenge,
			Miner:     c.Miner,
			Timestamp: c.Timestamp,
			Encrypted: c.Encrypted,
			RevealKey: c.RevealKey,
		})
	}
	return view, nil
}
