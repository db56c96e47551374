package submission

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/minio/sha256-simd"
)

// Payload is the decrypted body of a submission: the docker image to
// run and the source code used for similarity comparison.
type Payload struct {
	Image string `json:"image"`
	Code  string `json:"code"`
}

// Validate checks that the image reference is pinned by digest.
// Unpinned references are rejected before anything is pulled.
func (p *Payload) Validate() error {
	if p.Image == "" {
		return fmt.Errorf("payload has no image reference")
	}
	if !strings.Contains(p.Image, "@sha256:") {
		return fmt.Errorf("image %q is not pinned by digest", p.Image)
	}
	return nil
}

// Submission is one miner's commit to a challenge as observed through
// validator views. It is immutable except for reveal-key arrival.
type Submission struct {
	Challenge string    `json:"challenge"`
	Miner     string    `json:"miner"`
	Timestamp time.Time `json:"timestamp"`
	// Encrypted is the Fernet token committed before the reveal.
	Encrypted string `json:"encrypted_payload"`
	// RevealKey is empty until the miner publishes it.
	RevealKey string `json:"reveal_key,omitempty"`
	// Payload is set once the submission has been revealed and decrypted.
	Payload *Payload `json:"payload,omitempty"`
	// Invalid marks a submission whose payload failed to decrypt after
	// the reveal delay elapsed. Invalid submissions are never retried.
	Invalid bool `json:"invalid,omitempty"`
}

// PayloadHash identifies the commit: the hex sha256 of the encrypted
// payload. Two views of the same commit always agree on it.
func (s *Submission) PayloadHash() string {
	sum := sha256.Sum256([]byte(s.Encrypted))
	return hex.EncodeToString(sum[:])
}

// ContentHash identifies what the submission actually contains. It is
// only available after reveal; identical decrypted payloads map to the
// same hash regardless of the encryption key used to commit them.
func (s *Submission) ContentHash() (string, error) {
	if s.Payload == nil {
		return "", fmt.Errorf("submission %s/%s not revealed", s.Challenge, s.Miner)
	}
	raw, err := json.Marshal(s.Payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Revealed reports whether the reveal key has arrived.
func (s *Submission) Revealed() bool {
	return s.RevealKey != ""
}

// RevealDue reports whether the reveal delay has elapsed since the
// submission was made.
func (s *Submission) RevealDue(now time.Time, delay time.Duration) bool {
	return now.Sub(s.Timestamp) >= delay
}
