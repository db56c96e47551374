package submission

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/redteamnet/arbiter/types"
)

func encrypt(t *testing.T, payload Payload) (token, key string) {
	t.Helper()
	var k fernet.Key
	require.NoError(t, k.Generate())
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	tok, err := fernet.EncryptAndSign(raw, &k)
	require.NoError(t, err)
	return string(tok), k.Encode()
}

func TestCanonicalSet_LatestTimestampWins(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	old := Submission{Challenge: "ctf", Miner: "miner-a", Timestamp: base, Encrypted: "commit-1"}
	newer := Submission{Challenge: "ctf", Miner: "miner-a", Timestamp: base.Add(time.Hour), Encrypted: "commit-2"}

	views := []ValidatorView{
		{Validator: "val-2", Submissions: []Submission{newer}},
		{Validator: "val-1", Submissions: []Submission{old}},
	}
	set := BuildCanonicalSet(zaptest.NewLogger(t), views)

	got, ok := set.Get("ctf", "miner-a")
	require.True(t, ok)
	require.Equal(t, "commit-2", got.Encrypted)
	require.Equal(t, base.Add(time.Hour), got.Timestamp)
	require.Equal(t, 1, set.Len())
}

func TestCanonicalSet_SamePayloadKeepsOlderTimestampAndFillsKey(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	first := Submission{Challenge: "ctf", Miner: "miner-a", Timestamp: base.Add(time.Hour), Encrypted: "commit-1"}
	earlier := Submission{Challenge: "ctf", Miner: "miner-a", Timestamp: base, Encrypted: "commit-1", RevealKey: "key"}

	set := BuildCanonicalSet(zaptest.NewLogger(t), []ValidatorView{
		{Validator: "val-1", Submissions: []Submission{first}},
		{Validator: "val-2", Submissions: []Submission{earlier}},
	})

	got, ok := set.Get("ctf", "miner-a")
	require.True(t, ok)
	require.Equal(t, base, got.Timestamp)
	require.Equal(t, "key", got.RevealKey)
}

func TestCanonicalSet_TieBrokenByValidatorOrder(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := Submission{Challenge: "ctf", Miner: "miner-a", Timestamp: ts, Encrypted: "commit-a"}
	b := Submission{Challenge: "ctf", Miner: "miner-a", Timestamp: ts, Encrypted: "commit-b"}

	// Fold order is by validator identity, not slice order.
	set := BuildCanonicalSet(zaptest.NewLogger(t), []ValidatorView{
		{Validator: "val-9", Submissions: []Submission{b}},
		{Validator: "val-1", Submissions: []Submission{a}},
	})
	got, ok := set.Get("ctf", "miner-a")
	require.True(t, ok)
	require.Equal(t, "commit-a", got.Encrypted)
}

func TestCanonicalSet_ByPayloadHash(t *testing.T) {
	sub := Submission{Challenge: "ctf", Miner: "miner-a", Encrypted: "commit-1"}
	set := BuildCanonicalSet(zaptest.NewLogger(t), []ValidatorView{
		{Validator: "val-1", Submissions: []Submission{sub}},
	})
	got, ok := set.ByPayloadHash("ctf", sub.PayloadHash())
	require.True(t, ok)
	require.Equal(t, "miner-a", got.Miner)

	_, ok = set.ByPayloadHash("ctf", "deadbeef")
	require.False(t, ok)
}

func TestDecrypt_RoundTrip(t *testing.T) {
	payload := Payload{Image: "registry.io/m@sha256:abc", Code: "def solve(): pass"}
	token, key := encrypt(t, payload)

	sub := Submission{Challenge: "ctf", Miner: "miner-a", Encrypted: token, RevealKey: key}
	require.NoError(t, sub.Decrypt())
	require.Equal(t, payload, *sub.Payload)

	hash, err := sub.ContentHash()
	require.NoError(t, err)
	require.Len(t, hash, 64)
}

func TestDecrypt_WrongKey(t *testing.T) {
	token, _ := encrypt(t, Payload{Image: "registry.io/m@sha256:abc", Code: "x"})
	var other fernet.Key
	require.NoError(t, other.Generate())

	sub := Submission{Encrypted: token, RevealKey: other.Encode()}
	err := sub.Decrypt()
	require.ErrorIs(t, err, types.ErrDecryption)
	require.Nil(t, sub.Payload)
}

func TestDecrypt_UnpinnedImageRejected(t *testing.T) {
	token, key := encrypt(t, Payload{Image: "registry.io/m:latest", Code: "x"})
	sub := Submission{Encrypted: token, RevealKey: key}
	require.ErrorIs(t, sub.Decrypt(), types.ErrDecryption)
}

func TestContentHash_SamePayloadDifferentCommit(t *testing.T) {
	payload := Payload{Image: "registry.io/m@sha256:abc", Code: "same code"}
	tok1, key1 := encrypt(t, payload)
	tok2, key2 := encrypt(t, payload)

	s1 := Submission{Encrypted: tok1, RevealKey: key1}
	s2 := Submission{Encrypted: tok2, RevealKey: key2}
	require.NoError(t, s1.Decrypt())
	require.NoError(t, s2.Decrypt())

	h1, err := s1.ContentHash()
	require.NoError(t, err)
	h2, err := s2.ContentHash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.NotEqual(t, s1.PayloadHash(), s2.PayloadHash())
}
