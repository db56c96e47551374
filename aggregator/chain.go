package aggregator

import "context"

// ValidatorInfo identifies one validator on the network: who it is,
// how much stake backs it, and where its view can be fetched.
type ValidatorInfo struct {
	ID    string
	Stake float64
	URL   string
}

// ChainClient resolves the current validator set. The chain itself is
// outside this service; deployments plug in their own client.
type ChainClient interface {
	Validators(ctx context.Context) ([]ValidatorInfo, error)
}

// StaticChain serves a fixed validator set from configuration. It is
// the default ChainClient for deployments without a live chain feed.
type StaticChain struct {
	validators []ValidatorInfo
}

func NewStaticChain(validators []ValidatorInfo) *StaticChain {
	return &StaticChain{validators: validators}
}

func (s *StaticChain) Validators(context.Context) ([]ValidatorInfo, error) {
	out := make([]ValidatorInfo, len(s.validators))
	copy(out, s.validators)
	return out, nil
}
