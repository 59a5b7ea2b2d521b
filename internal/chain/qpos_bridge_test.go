package chain

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/qpos"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// TestMaybeSnapshotRegistry_OnlyOnBoundary confirms a registry snapshot is
// written exactly on BlocksPerSnapshot-aligned heights, matching spec §4.4's
// snapshot policy.
func TestMaybeSnapshotRegistry_OnlyOnBoundary(t *testing.T) {
	ch, _, _ := testChain(t)
	ch.Registry = qpos.NewRegistry()
	ch.Registry.IDCounter = 3

	if err := ch.maybeSnapshotRegistry(BlocksPerSnapshot - 1); err != nil {
		t.Fatalf("maybeSnapshotRegistry off-boundary: %v", err)
	}
	if _, found := mustLatestSnapshot(t, ch, BlocksPerSnapshot-1); found {
		t.Fatal("snapshot written off a BlocksPerSnapshot boundary")
	}

	if err := ch.maybeSnapshotRegistry(BlocksPerSnapshot); err != nil {
		t.Fatalf("maybeSnapshotRegistry on boundary: %v", err)
	}
	data, found := mustLatestSnapshot(t, ch, BlocksPerSnapshot)
	if !found {
		t.Fatal("expected snapshot at BlocksPerSnapshot boundary")
	}
	got, err := qpos.Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got.IDCounter != 3 {
		t.Errorf("restored IDCounter = %d, want 3", got.IDCounter)
	}
}

func mustLatestSnapshot(t *testing.T, ch *Chain, maxHeight uint64) ([]byte, bool) {
	t.Helper()
	data, _, found, err := ch.blocks.GetLatestRegistrySnapshot(maxHeight)
	if err != nil {
		t.Fatalf("GetLatestRegistrySnapshot: %v", err)
	}
	return data, found
}

// TestRestoreRegistryAt_NoSnapshot_NoOpBeforeActivation confirms replaying
// ordinary (non-qPoS) blocks from genesis produces a fresh, untouched
// registry — advanceQPoS is a documented no-op until the first staker
// purchase activates the queue.
func TestRestoreRegistryAt_NoSnapshot_NoOpBeforeActivation(t *testing.T) {
	ch, key, _ := testChain(t)

	gen, err := ch.blocks.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	prevOut := types.Outpoint{TxHash: gen.Transactions[0].Hash(), Index: 0}

	blk := buildSignedBlock(t, ch, key, nil, prevOut, 100)
	if err := ch.ProcessBlock(blk); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}

	if err := ch.restoreRegistryAt(ch.state.Height); err != nil {
		t.Fatalf("restoreRegistryAt: %v", err)
	}
	if ch.Registry == nil {
		t.Fatal("restoreRegistryAt left Registry nil")
	}
	if len(ch.Registry.Stakers) != 0 {
		t.Errorf("expected no stakers pre-activation, got %d", len(ch.Registry.Stakers))
	}
}

// TestSyncEngineRegistry_RebindsQPoSEngine confirms a *consensus.QPoS engine
// always validates against the chain's current Registry pointer, not a
// stale one captured at construction time.
func TestSyncEngineRegistry_RebindsQPoSEngine(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	engine := consensus.NewQPoS(qpos.NewRegistry())
	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)

	ch, err := New(types.ChainID{}, db, utxoStore, engine)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	delegateKey, err := types.PubKeyFromBytes(key.PublicKey())
	if err != nil {
		t.Fatalf("PubKeyFromBytes: %v", err)
	}

	// Build a one-staker registry with an active queue and rebind it. Only
	// the delegate key may sign a qPoS block, so that's the key under test.
	r := qpos.NewRegistry()
	r.IDCounter = 1
	r.Stakers[1] = &qpos.Staker{
		ID:       1,
		Delegate: delegateKey,
		Status:   qpos.Enabled,
	}
	q, err := qpos.NewQueue(0, 1700000000, 0, types.Hash{}, []uint32{1}, false)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	r.Queue = q

	// Before rebinding, the engine only ever saw the empty registry it was
	// constructed with, so it cannot resolve a scheduled staker yet.
	start, _, ok := q.GetWindowForID(1)
	if !ok {
		t.Fatal("GetWindowForID: staker 1 has no window")
	}
	header := &block.Header{Timestamp: start}
	hash := header.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	header.ValidatorSig = sig

	if err := engine.VerifyHeader(header); err == nil {
		t.Fatal("VerifyHeader unexpectedly succeeded before registry was bound")
	}

	ch.Registry = r
	ch.syncEngineRegistry()

	if err := engine.VerifyHeader(header); err != nil {
		t.Fatalf("VerifyHeader after syncEngineRegistry: %v", err)
	}
}
