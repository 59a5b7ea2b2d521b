// Package chain implements the blockchain state machine.
package chain

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/blockindex"
	"github.com/Klingon-tech/klingnet-chain/internal/checkpoints"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/qpos"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/utxo"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// StakeHandler is called when a ScriptTypeStake output is found in a confirmed block.
type StakeHandler func(pubKey []byte)

// UnstakeHandler is called when a ScriptTypeStake output is spent (stake withdrawn).
type UnstakeHandler func(pubKey []byte)

// RevertedTxHandler is called after a reorg with transactions from reverted blocks
// that are not present in the new branch (for mempool re-insertion).
type RevertedTxHandler func(txs []*tx.Transaction)

// Chain represents a blockchain instance with state, storage, and consensus.
type Chain struct {
	mu        sync.Mutex // Protects all state mutations (ProcessBlock, Reorg).
	ID        types.ChainID
	state     *State
	blocks    *BlockStore
	utxos     utxo.Set
	engine    consensus.Engine
	validator *consensus.Validator

	maxSupply      uint64     // Max coin supply (0 = unlimited).
	blockReward    uint64     // Base block subsidy in base units.
	validatorStake uint64     // Exact stake amount required (0 = disabled).
	genesisHash    types.Hash // Hash of the genesis block (immutable).

	// index is the in-memory DAG of every block header seen so far,
	// holding per-node cumulative trust (spec §3/§4.3). Reorg consults it
	// instead of re-summing Difficulty across both candidate branches.
	index *blockindex.Arena

	// Registry holds the qPoS staker registry and production queue (spec
	// §3 component C5/C6). New always sets it, starting from an empty
	// registry.
	Registry *qpos.Registry
	Testnet  bool

	// hardened and syncCheckpoints implement spec §4.10's two checkpoint
	// kinds. Both are optional — with none configured, block processing
	// skips the checkpoint checks (nil checks short-circuit to no-ops), and
	// AcceptSyncCheckpoint returns an error.
	hardened        *checkpoints.Hardened
	syncCheckpoints *checkpoints.Manager

	stakeHandler      StakeHandler
	unstakeHandler    UnstakeHandler
	revertedTxHandler RevertedTxHandler

	// shutdownRequested is polled between blocks in the bootstrap replay
	// loop (RebuildUTXOs) and the full-rebuild reorg loop (rebuildReorg) so
	// a long rebuild on a large chain can be interrupted cleanly instead of
	// running to completion after the process has been asked to stop. The
	// undo-based Reorg replay does not poll it.
	shutdownRequested atomic.Bool
}

// RequestShutdown asks any in-progress replay (RebuildUTXOs, rebuildReorg) to stop
// at the next block boundary. Safe to call from a signal handler.
func (c *Chain) RequestShutdown() {
	c.shutdownRequested.Store(true)
}

// New creates a new chain with the given components.
func New(id types.ChainID, db storage.DB, utxoSet utxo.Set, engine consensus.Engine) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if utxoSet == nil {
		return nil, fmt.Errorf("utxo set is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("consensus engine is nil")
	}

	blocks := NewBlockStore(db)

	// Recover state from the block store.
	tipHash, height, supply, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	cumDiff := blocks.GetCumulativeDifficulty()

	// Recover genesis hash for reorg protection.
	var genesisHash types.Hash
	genBlk, err := blocks.GetBlockByHeight(0)
	if err == nil {
		genesisHash = genBlk.Hash()
	}

	ch := &Chain{
		ID:          id,
		state:       &State{TipHash: tipHash, Height: height, Supply: supply, CumulativeDifficulty: cumDiff},
		blocks:      blocks,
		utxos:       utxoSet,
		engine:      engine,
		validator:   consensus.NewValidator(engine),
		genesisHash: genesisHash,
		Registry:    qpos.NewRegistry(),
		index:       blockindex.NewArena(),
	}
	ch.syncEngineRegistry()

	// Rebuild the in-memory arena by walking the recovered main chain —
	// the arena itself is not persisted, so a restart re-derives it from
	// durable storage exactly as RebuildUTXOs re-derives the UTXO set.
	for h := uint64(0); h <= height && !genesisHash.IsZero(); h++ {
		blk, err := blocks.GetBlockByHeight(h)
		if err != nil {
			return nil, fmt.Errorf("rebuild block index at height %d: %w", h, err)
		}
		ch.indexBlock(blk)
	}

	// Recover the registry from its most recent durable snapshot at or
	// below the current tip height, then replay forward to the tip
	// (spec §4.9 bootstrapping): absent any snapshot (fresh chain, or one
	// predating qPoS activation) this replays every block from genesis.
	if !ch.state.IsGenesis() {
		if err := ch.restoreRegistryAt(height); err != nil {
			return nil, fmt.Errorf("recover registry: %w", err)
		}
	}

	// Check for incomplete reorg — if the node crashed mid-reorg, the UTXO
	// set may be inconsistent. Rebuild from blocks.
	if _, found := blocks.GetReorgCheckpoint(); found {
		if err := ch.RebuildUTXOs(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return ch, nil
}

// InitFromGenesis initializes a fresh chain from genesis configuration.
// Returns an error if the chain already has blocks.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	// Genesis block bypasses consensus validation (no validator sig needed).
	// Apply directly: store block, apply UTXOs, set tip.
	if err := c.applyBlock(blk); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}

	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	c.indexBlock(blk)

	// Compute initial supply from genesis allocations.
	var supply uint64
	for _, v := range gen.Alloc {
		supply += v
	}

	hash := blk.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.genesisHash = hash

	// Store protocol limits from genesis.
	c.maxSupply = gen.Protocol.Consensus.MaxSupply
	c.blockReward = gen.Protocol.Consensus.BlockReward
	c.validatorStake = gen.Protocol.Consensus.ValidatorStake

	if err := c.blocks.SetTip(hash, 0, supply); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}

	return nil
}

// SetConsensusRules configures consensus economic limits for runtime validation.
// Call this on startup for both fresh and resumed chains.
func (c *Chain) SetConsensusRules(r config.ConsensusRules) {
	c.maxSupply = r.MaxSupply
	c.blockReward = r.BlockReward
	c.validatorStake = r.ValidatorStake
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	return *c.state
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	return c.state.TipHash
}

// Supply returns the total coins in circulation.
func (c *Chain) Supply() uint64 {
	return c.state.Supply
}

// SetTestnet marks the chain as testnet for qPoS queue-seed derivation and
// claim-cooldown enforcement.
func (c *Chain) SetTestnet(testnet bool) {
	c.Testnet = testnet
}

// SetStakeHandler sets the callback for ScriptTypeStake outputs in confirmed blocks.
func (c *Chain) SetStakeHandler(fn StakeHandler) {
	c.stakeHandler = fn
}

// SetUnstakeHandler sets the callback for ScriptTypeStake outputs being spent (stake withdrawn).
func (c *Chain) SetUnstakeHandler(fn UnstakeHandler) {
	c.unstakeHandler = fn
}

// SetRevertedTxHandler sets the callback for transactions reverted during a reorg.
// These transactions should be re-added to the mempool if they are still valid.
func (c *Chain) SetRevertedTxHandler(fn RevertedTxHandler) {
	c.revertedTxHandler = fn
}

// SetHardenedCheckpoints installs the static height→hash checkpoint table
// (spec §4.10). A block at a checkpointed height whose hash doesn't match
// is rejected regardless of any other validation outcome.
func (c *Chain) SetHardenedCheckpoints(table map[uint64]types.Hash) {
	c.hardened = checkpoints.NewHardened(table)
}

// SetSyncCheckpointAuthority configures the sync-checkpoint verifier with
// the compressed secp256k1 master public key that signs checkpoint
// messages. Must be called before AcceptSyncCheckpoint is used.
func (c *Chain) SetSyncCheckpointAuthority(masterPubKey []byte) {
	c.syncCheckpoints = checkpoints.NewManager(c.blocks.db, masterPubKey)
}

// checkHardenedCheckpoint rejects a block whose hash mismatches a
// hardened-height entry. A no-op if no hardened table is configured.
func (c *Chain) checkHardenedCheckpoint(blk *block.Block) error {
	if c.hardened == nil {
		return nil
	}
	return c.hardened.Check(blk.Header.Height, blk.Hash())
}

// AcceptSyncCheckpoint validates a signed sync-checkpoint message and, if it
// descends from (or equals) the current sync-checkpoint, triggers a reorg to
// it when it is not already on the main chain. Returns whether the
// checkpoint was accepted and any error from signature/ancestry validation.
func (c *Chain) AcceptSyncCheckpoint(msg checkpoints.Message) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.syncCheckpoints == nil {
		return false, fmt.Errorf("sync-checkpoint authority not configured")
	}

	accepted, err := c.syncCheckpoints.Accept(msg, c)
	if !accepted {
		return false, err
	}

	// SetBestChain to the checkpointed block if it isn't already the tip
	// and isn't an ancestor of the tip (in which case the chain is already
	// synced past it).
	if msg.Hash == c.state.TipHash {
		return true, nil
	}
	known, hasErr := c.blocks.HasBlock(msg.Hash)
	if hasErr != nil || !known {
		return true, nil // Accepted for later — block hasn't arrived yet.
	}
	if err := c.Reorg(msg.Hash); err != nil {
		return true, fmt.Errorf("reorg to sync-checkpoint: %w", err)
	}
	return true, nil
}

// getBlockTimestamp returns the timestamp of a block at the given height.
// Used for PoW difficulty verification.
func (c *Chain) getBlockTimestamp(height uint64) (uint64, error) {
	blk, err := c.blocks.GetBlockByHeight(height)
	if err != nil {
		return 0, err
	}
	return blk.Header.Timestamp, nil
}

// verifyDifficulty checks that a PoW block's stated difficulty matches
// the expected value computed from chain history. No-op for non-PoW engines.
func (c *Chain) verifyDifficulty(blk *block.Block) error {
	pow, ok := c.engine.(*consensus.PoW)
	if !ok {
		return nil // Not PoW — no difficulty to verify.
	}

	var prevDifficulty uint64
	if blk.Header.Height > 1 {
		prevBlk, err := c.blocks.GetBlockByHeight(blk.Header.Height - 1)
		if err != nil {
			return fmt.Errorf("get prev block for difficulty: %w", err)
		}
		prevDifficulty = prevBlk.Header.Difficulty
	}

	return pow.VerifyDifficulty(blk.Header, prevDifficulty, c.getBlockTimestamp)
}

// RebuildUTXOs clears the UTXO set and replays all blocks from genesis to the
// current tip, reconstructing the UTXO state. Used to recover from a crash
// during reorg where the UTXO set may be inconsistent.
func (c *Chain) RebuildUTXOs() error {
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return fmt.Errorf("UTXO set does not support ClearAll (not *utxo.Store)")
	}

	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	// Replay all blocks from genesis to current tip.
	var supply uint64
	var cumDiff uint64
	for h := uint64(0); h <= c.state.Height; h++ {
		if c.shutdownRequested.Load() {
			return fmt.Errorf("utxo rebuild interrupted by shutdown at height %d", h)
		}

		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}

		if err := c.applyBlock(blk); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}

		supply += c.computeBlockReward(blk)
		cumDiff += blk.Header.Difficulty
	}

	c.state.Supply = supply
	c.state.CumulativeDifficulty = cumDiff

	// Persist recovered state.
	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, supply); err != nil {
		return fmt.Errorf("set tip after rebuild: %w", err)
	}
	if err := c.blocks.SetCumulativeDifficulty(cumDiff); err != nil {
		return fmt.Errorf("set cumulative difficulty after rebuild: %w", err)
	}

	// The qPoS registry must be recovered in lockstep with the UTXO set: an
	// interrupted reorg may have left it mid-advance too, so restore it from
	// its nearest durable snapshot and replay forward to the recovered tip
	// (spec §4.9 bootstrapping), the same path a from-scratch reorg uses.
	if err := c.restoreRegistryAt(c.state.Height); err != nil {
		return fmt.Errorf("restore registry after rebuild: %w", err)
	}

	// Clear the checkpoint — recovery complete.
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}

	return nil
}

// isPoWEngine returns true if the chain uses proof-of-work consensus.
func (c *Chain) isPoWEngine() bool {
	_, ok := c.engine.(*consensus.PoW)
	return ok
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	_, blockHash, err := c.blocks.GetTxLocation(hash)
	if err != nil {
		return nil, err
	}
	blk, err := c.blocks.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}
