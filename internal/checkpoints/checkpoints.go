// Package checkpoints implements the two checkpoint kinds of spec §4.10:
// a static hardened-height table and a signed, descendant-constrained
// sync-checkpoint.
package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"

	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

var (
	keySyncCheckpoint    = []byte("hashSyncCheckpoint")
	keyInvalidCheckpoint = []byte("hashInvalidCheckpoint")
)

// Sentinel errors — see internal/qpos/errors.go for the taxonomy this
// mirrors: a bad signature is Malformed, everything else here is Invariant.
var (
	ErrBadSignature     = errors.New("checkpoints: signature does not verify against master key")
	ErrHardenedMismatch = errors.New("checkpoints: block hash does not match hardened checkpoint")
	ErrNotDescendant    = errors.New("checkpoints: candidate is not a descendant of the current sync-checkpoint")
	ErrUnknownAncestry  = errors.New("checkpoints: could not walk ancestry of candidate or current checkpoint")
)

// Hardened is a static, network-compiled table of height→hash checkpoints.
// Accepting a block at a hardened height requires an exact hash match.
type Hardened struct {
	table map[uint64]types.Hash
}

// NewHardened builds a hardened checkpoint table from a height→hash map.
// The map is copied so callers may freely mutate the input afterward.
func NewHardened(table map[uint64]types.Hash) *Hardened {
	h := &Hardened{table: make(map[uint64]types.Hash, len(table))}
	for height, hash := range table {
		h.table[height] = hash
	}
	return h
}

// Check verifies a block's hash against the hardened table if its height is
// checkpointed. A height absent from the table always passes.
func (h *Hardened) Check(height uint64, hash types.Hash) error {
	want, ok := h.table[height]
	if !ok {
		return nil
	}
	if want != hash {
		klog.Checkpoint.Warn().
			Uint64("height", height).
			Str("want", want.String()).
			Str("got", hash.String()).
			Msg("hardened checkpoint mismatch")
		return fmt.Errorf("%w: height %d", ErrHardenedMismatch, height)
	}
	return nil
}

// ChainReader is the minimal view of block storage the descendant walk
// needs. *chain.Chain satisfies this without checkpoints importing chain,
// which would otherwise cycle (chain already imports qpos/consensus/utxo).
type ChainReader interface {
	GetBlock(hash types.Hash) (*block.Block, error)
}

// Message is the wire shape of a signed sync-checkpoint (spec §6): an
// unsigned payload carrying the checkpoint hash, plus a DER ECDSA signature
// over sha256d(payload) by the master key.
type Message struct {
	Hash    types.Hash `json:"hash"`
	Payload []byte     `json:"payload"`
	Sig     []byte     `json:"sig"`
}

// Manager tracks the current sync-checkpoint and the last rejected one,
// persisting both to durable storage so restarts don't forget an accepted
// checkpoint or silently re-accept an already-rejected fork.
type Manager struct {
	db           storage.DB
	masterPubKey []byte
}

// NewManager creates a sync-checkpoint manager. masterPubKey is the
// compressed secp256k1 public key of the checkpoint-issuing authority.
func NewManager(db storage.DB, masterPubKey []byte) *Manager {
	return &Manager{db: db, masterPubKey: masterPubKey}
}

// Current returns the currently accepted sync-checkpoint hash, or false if
// none has ever been accepted (fresh chain).
func (m *Manager) Current() (types.Hash, bool, error) {
	data, err := m.db.Get(keySyncCheckpoint)
	if err != nil {
		return types.Hash{}, false, nil
	}
	var hash types.Hash
	if len(data) != types.HashSize {
		return types.Hash{}, false, fmt.Errorf("corrupt sync-checkpoint record: %d bytes", len(data))
	}
	copy(hash[:], data)
	return hash, true, nil
}

// InvalidCheckpoint returns the hash of the most recently rejected
// non-descendant checkpoint, if any, mirroring the original
// `hashInvalidCheckpoint` marker (spec §4.10, S5).
func (m *Manager) InvalidCheckpoint() (types.Hash, bool) {
	data, err := m.db.Get(keyInvalidCheckpoint)
	if err != nil || len(data) != types.HashSize {
		return types.Hash{}, false
	}
	var hash types.Hash
	copy(hash[:], data)
	return hash, true
}

// Accept validates and processes a received sync-checkpoint message against
// the given chain view. Returns (true, nil) when the checkpoint becomes (or
// already is, or is a harmless ancestor of) the current sync-checkpoint.
// Returns (false, err) when the signature fails or the candidate is
// unrelated to the current checkpoint by ancestry.
func (m *Manager) Accept(msg Message, chain ChainReader) (bool, error) {
	ok, err := crypto.VerifyCheckpoint(m.masterPubKey, msg.Payload, msg.Sig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return false, ErrBadSignature
	}

	current, haveCurrent, err := m.Current()
	if err != nil {
		return false, err
	}
	if !haveCurrent {
		klog.Checkpoint.Info().Str("hash", msg.Hash.String()).Msg("accepted first sync-checkpoint")
		return true, m.persist(msg.Hash)
	}
	if msg.Hash == current {
		return true, nil // Already the current checkpoint — no-op.
	}

	descendant, err := m.isDescendant(chain, msg.Hash, current)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnknownAncestry, err)
	}
	if descendant {
		klog.Checkpoint.Info().
			Str("from", current.String()).
			Str("to", msg.Hash.String()).
			Msg("advanced sync-checkpoint")
		return true, m.persist(msg.Hash)
	}

	// The received checkpoint might instead be an ancestor of the current
	// one — an older, already-superseded checkpoint replayed or received
	// out of order. That is harmless: accept it as a no-op rather than
	// reject, per spec §4.10 ("or an ignored ancestor").
	isAncestor, err := m.isDescendant(chain, current, msg.Hash)
	if err == nil && isAncestor {
		return true, nil
	}

	if err := m.db.Put(keyInvalidCheckpoint, msg.Hash[:]); err != nil {
		return false, fmt.Errorf("persist invalid checkpoint marker: %w", err)
	}
	klog.Checkpoint.Warn().
		Str("candidate", msg.Hash.String()).
		Str("current", current.String()).
		Msg("rejected non-descendant sync-checkpoint")
	return false, fmt.Errorf("%w: %s vs current %s", ErrNotDescendant, msg.Hash, current)
}

func (m *Manager) persist(hash types.Hash) error {
	if err := m.db.Put(keySyncCheckpoint, hash[:]); err != nil {
		return fmt.Errorf("persist sync-checkpoint: %w", err)
	}
	return nil
}

// isDescendant walks candidate's Prev chain looking for ancestor. It
// terminates either on a match or once it passes ancestor's height without
// finding it, so a disjoint fork never walks all the way to genesis.
func (m *Manager) isDescendant(chain ChainReader, candidate, ancestor types.Hash) (bool, error) {
	if candidate == ancestor {
		return true, nil
	}
	ancestorBlk, err := chain.GetBlock(ancestor)
	if err != nil {
		return false, fmt.Errorf("load ancestor block %s: %w", ancestor, err)
	}
	ancestorHeight := ancestorBlk.Header.Height

	hash := candidate
	for {
		blk, err := chain.GetBlock(hash)
		if err != nil {
			return false, fmt.Errorf("load candidate ancestry block %s: %w", hash, err)
		}
		if hash == ancestor {
			return true, nil
		}
		if blk.Header.Height <= ancestorHeight {
			return false, nil
		}
		hash = blk.Header.PrevHash
	}
}

// MarshalMessage serializes a Message for wire transport (see spec §6).
func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// UnmarshalMessage deserializes a Message received over the wire.
func UnmarshalMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal checkpoint message: %w", err)
	}
	return msg, nil
}
