package checkpoints

import (
	"errors"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

var errBlockNotFound = errors.New("block not found")

// fakeChain is an in-memory ChainReader keyed by block hash, enough to
// exercise the descendant walk without a full *chain.Chain.
type fakeChain struct {
	byHash map[types.Hash]*block.Block
}

func newFakeChain() *fakeChain {
	return &fakeChain{byHash: make(map[types.Hash]*block.Block)}
}

func (f *fakeChain) GetBlock(hash types.Hash) (*block.Block, error) {
	blk, ok := f.byHash[hash]
	if !ok {
		return nil, errBlockNotFound
	}
	return blk, nil
}

// add appends a block at the given height on top of prev and returns its hash.
func (f *fakeChain) add(height uint64, prev types.Hash) types.Hash {
	blk := &block.Block{Header: &block.Header{Height: height, PrevHash: prev, Timestamp: 1000 + height}}
	h := blk.Hash()
	f.byHash[h] = blk
	return h
}

func TestHardened_Check(t *testing.T) {
	var wantHash types.Hash
	wantHash[0] = 0xAB

	h := NewHardened(map[uint64]types.Hash{100: wantHash})

	if err := h.Check(50, types.Hash{}); err != nil {
		t.Errorf("non-checkpointed height should always pass, got %v", err)
	}
	if err := h.Check(100, wantHash); err != nil {
		t.Errorf("matching hardened hash should pass, got %v", err)
	}
	var otherHash types.Hash
	otherHash[0] = 0xCD
	if err := h.Check(100, otherHash); err == nil {
		t.Error("mismatched hardened hash should fail")
	}
}

func genKeyPair(t *testing.T) (*secp256k1.PrivateKey, []byte) {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv, priv.PubKey().SerializeCompressed()
}

func sign(t *testing.T, priv *secp256k1.PrivateKey, hash types.Hash) Message {
	t.Helper()
	payload := hash[:]
	sig := crypto.SignCheckpoint(priv, payload)
	return Message{Hash: hash, Payload: payload, Sig: sig}
}

func TestManager_Accept_FirstCheckpoint(t *testing.T) {
	priv, pub := genKeyPair(t)
	db := storage.NewMemory()
	m := NewManager(db, pub)
	chain := newFakeChain()

	genesisHash := chain.add(0, types.Hash{})
	msg := sign(t, priv, genesisHash)

	ok, err := m.Accept(msg, chain)
	if err != nil || !ok {
		t.Fatalf("first checkpoint should be accepted unconditionally: ok=%v err=%v", ok, err)
	}
	current, have, err := m.Current()
	if err != nil || !have || current != genesisHash {
		t.Fatalf("current checkpoint not persisted: current=%v have=%v err=%v", current, have, err)
	}
}

func TestManager_Accept_Descendant(t *testing.T) {
	priv, pub := genKeyPair(t)
	db := storage.NewMemory()
	m := NewManager(db, pub)
	chain := newFakeChain()

	h0 := chain.add(0, types.Hash{})
	h1 := chain.add(1, h0)
	h2 := chain.add(2, h1)

	if ok, err := m.Accept(sign(t, priv, h1), chain); err != nil || !ok {
		t.Fatalf("accept height 1: ok=%v err=%v", ok, err)
	}
	if ok, err := m.Accept(sign(t, priv, h2), chain); err != nil || !ok {
		t.Fatalf("descendant checkpoint at height 2 should be accepted: ok=%v err=%v", ok, err)
	}
	current, _, _ := m.Current()
	if current != h2 {
		t.Errorf("current checkpoint = %s, want %s", current, h2)
	}
}

func TestManager_Accept_IgnoredAncestor(t *testing.T) {
	priv, pub := genKeyPair(t)
	db := storage.NewMemory()
	m := NewManager(db, pub)
	chain := newFakeChain()

	h0 := chain.add(0, types.Hash{})
	h1 := chain.add(1, h0)
	h2 := chain.add(2, h1)

	if ok, err := m.Accept(sign(t, priv, h2), chain); err != nil || !ok {
		t.Fatalf("accept height 2: ok=%v err=%v", ok, err)
	}
	// h1 is an ancestor of the current checkpoint h2 — accepted as a no-op,
	// not rejected, per spec §4.10.
	ok, err := m.Accept(sign(t, priv, h1), chain)
	if err != nil || !ok {
		t.Fatalf("ancestor checkpoint should be accepted as a no-op: ok=%v err=%v", ok, err)
	}
	current, _, _ := m.Current()
	if current != h2 {
		t.Errorf("ignored ancestor must not move current checkpoint: got %s, want %s", current, h2)
	}
}

func TestManager_Accept_NonDescendantRejected(t *testing.T) {
	priv, pub := genKeyPair(t)
	db := storage.NewMemory()
	m := NewManager(db, pub)
	chain := newFakeChain()

	h0 := chain.add(0, types.Hash{})
	h1 := chain.add(1, h0)
	chain.add(2, h1) // main branch, unused directly

	// A disjoint branch rooted at a different (never-checkpointed) genesis.
	var altGenesisPrev types.Hash
	altGenesisPrev[0] = 0xFF
	altH1 := chain.add(1, altGenesisPrev)

	if ok, err := m.Accept(sign(t, priv, h1), chain); err != nil || !ok {
		t.Fatalf("accept height 1: ok=%v err=%v", ok, err)
	}

	ok, err := m.Accept(sign(t, priv, altH1), chain)
	if ok || err == nil {
		t.Fatalf("unrelated fork checkpoint must be rejected: ok=%v err=%v", ok, err)
	}

	invalid, have := m.InvalidCheckpoint()
	if !have || invalid != altH1 {
		t.Errorf("rejected checkpoint should be recorded as invalid: have=%v invalid=%s", have, invalid)
	}
	current, _, _ := m.Current()
	if current != h1 {
		t.Errorf("rejected checkpoint must not move current checkpoint: got %s, want %s", current, h1)
	}
}

func TestManager_Accept_BadSignatureRejected(t *testing.T) {
	_, pub := genKeyPair(t)
	otherPriv, _ := genKeyPair(t)
	db := storage.NewMemory()
	m := NewManager(db, pub)
	chain := newFakeChain()

	h0 := chain.add(0, types.Hash{})
	// Signed by a key that is not the configured master key.
	msg := sign(t, otherPriv, h0)

	ok, err := m.Accept(msg, chain)
	if ok || err == nil {
		t.Fatal("checkpoint signed by the wrong key must be rejected")
	}
}
