package submission

import (
	"encoding/json"
	"fmt"

	"github.com/fernet/fernet-go"

	"github.com/redteamnet/arbiter/types"
)

// Decrypt decodes the submission's encrypted payload with its reveal
// key and attaches the result. Any failure wraps types.ErrDecryption;
// the caller decides whether the failure is final (past the reveal
// delay) or worth waiting on.
func (s *Submission) Decrypt() error {
	if !s.Revealed() {
		return fmt.Errorf("%w: no reveal key for %s/%s", types.ErrDecryption, s.Challenge, s.Miner)
	}
	key, err := fernet.DecodeKey(s.RevealKey)
	if err != nil {
		return fmt.Errorf("%w: bad reveal key: %v", types.ErrDecryption, err)
	}
	plain := fernet.VerifyAndDecrypt([]byte(s.Encrypted), 0, []*fernet.Key{key})
	if plain == nil {
		return fmt.Errorf("%w: token verification failed for %s/%s", types.ErrDecryption, s.Challenge, s.Miner)
	}
	var payload Payload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return fmt.Errorf("%w: decoding payload: %v", types.ErrDecryption, err)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrDecryption, err)
	}
	s.Payload = &payload
	return nil
}
