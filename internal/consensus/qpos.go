package consensus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/qpos"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
)

// QPoS errors.
var (
	ErrQueueNotBuilt  = errors.New("qpos: no production queue yet")
	ErrNotScheduled   = errors.New("qpos: signer is not the staker scheduled for this slot")
	ErrQPosMissingSig = errors.New("qpos: block missing validator signature")
)

// QPoS implements the third proof type alongside PoA and PoW: a header is
// valid only if it is signed by the delegate key of whichever staker the
// registry's queue has scheduled for the block's timestamp.
type QPoS struct {
	mu       sync.RWMutex
	registry *qpos.Registry
	signer   *crypto.PrivateKey
}

// NewQPoS creates a qPoS engine bound to the given registry. The registry
// pointer is shared with the chain so queue state advances underneath it.
func NewQPoS(registry *qpos.Registry) *QPoS {
	return &QPoS{registry: registry}
}

// SetRegistry rebinds the engine to a (possibly replaced, e.g. after a
// reorg-triggered snapshot restore) registry instance.
func (q *QPoS) SetRegistry(r *qpos.Registry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.registry = r
}

// SetSigner sets the local producer key for block sealing.
func (q *QPoS) SetSigner(key *crypto.PrivateKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.signer = key
}

func (q *QPoS) scheduledStaker(timestamp uint64) (*qpos.Staker, error) {
	q.mu.RLock()
	r := q.registry
	q.mu.RUnlock()

	if r == nil || r.Queue == nil {
		return nil, ErrQueueNotBuilt
	}
	slot, ok := r.Queue.GetSlotForTime(timestamp)
	if !ok {
		return nil, fmt.Errorf("%w: no slot covers timestamp %d", ErrNotScheduled, timestamp)
	}
	s, ok := r.Stakers[slot.StakerID]
	if !ok {
		return nil, fmt.Errorf("%w: scheduled id %d unknown", ErrNotScheduled, slot.StakerID)
	}
	return s, nil
}

// VerifyHeader checks that the header's signature was produced by the
// scheduled staker's delegate key — the only key a qPoS block may be
// signed with (spec: "signed by the scheduled staker's delegate key").
func (q *QPoS) VerifyHeader(header *block.Header) error {
	if len(header.ValidatorSig) == 0 {
		return ErrQPosMissingSig
	}
	s, err := q.scheduledStaker(header.Timestamp)
	if err != nil {
		return err
	}
	hash := header.Hash()
	if crypto.VerifySignature(hash[:], header.ValidatorSig, s.Delegate.Bytes()) {
		return nil
	}
	return ErrNotScheduled
}

// Prepare sets a flat Difficulty of 1 for qPoS: difficulty is not weighted,
// every scheduled slot carries equal weight.
func (q *QPoS) Prepare(header *block.Header) error {
	header.Difficulty = 1
	return nil
}

// Seal signs the block with the local producer key.
func (q *QPoS) Seal(blk *block.Block) error {
	q.mu.RLock()
	signer := q.signer
	q.mu.RUnlock()
	if signer == nil {
		return fmt.Errorf("no signer configured")
	}
	hash := blk.Header.Hash()
	sig, err := signer.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("seal block: %w", err)
	}
	blk.Header.ValidatorSig = sig
	return nil
}

// IdentifySigner returns the scheduled staker's delegate key if it produced
// the header's signature, or nil otherwise.
func (q *QPoS) IdentifySigner(header *block.Header) []byte {
	if len(header.ValidatorSig) == 0 {
		return nil
	}
	s, err := q.scheduledStaker(header.Timestamp)
	if err != nil {
		return nil
	}
	hash := header.Hash()
	pub := s.Delegate.Bytes()
	if crypto.VerifySignature(hash[:], header.ValidatorSig, pub) {
		return pub
	}
	return nil
}
