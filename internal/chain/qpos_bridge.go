package chain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/qpos"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// qposOp pairs a parsed op with the transaction that carried it, so a
// signer check can walk that transaction's already-verified input keys.
type qposOp struct {
	op     qpos.Op
	txIdx  int
	outIdx int
}

func isQPosScript(t types.ScriptType) bool {
	return t >= types.ScriptTypeQPosPurchase && t <= types.ScriptTypeQPosSetMeta
}

// extractQPosOps parses every qPoS-tagged output carried by the block's
// non-coinbase transactions, in transaction/output order.
func extractQPosOps(blk *block.Block) ([]qposOp, error) {
	var ops []qposOp
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue // Coinbase carries no qPoS ops.
		}
		for j, out := range transaction.Outputs {
			if !isQPosScript(out.Script.Type) {
				continue
			}
			op, err := qpos.ParseOp(out.Script.Type, out.Script.Data)
			if err != nil {
				return nil, fmt.Errorf("tx %d output %d: %w", i, j, err)
			}
			ops = append(ops, qposOp{op: op, txIdx: i, outIdx: j})
		}
	}
	return ops, nil
}

// checkQPosSigner confirms the carrying transaction was signed by at least
// one of the op's required role keys. Every non-coinbase input's (PubKey,
// Signature) pair has already been cryptographically verified against the
// transaction hash by ValidateWithUTXOs before this runs, so the check here
// only needs to compare keys.
func checkQPosSigner(blk *block.Block, o qposOp, required []types.PubKey) error {
	transaction := blk.Transactions[o.txIdx]
	for _, in := range transaction.Inputs {
		if len(in.PubKey) != types.PubKeySize {
			continue
		}
		for _, want := range required {
			if bytes.Equal(in.PubKey, want.Bytes()) {
				return nil
			}
		}
	}
	return qpos.ErrBadSigner
}

// applyQPosOps applies every parsed op from the block to the registry, in
// order, after checking each op's signer requirement. It is used on both
// the fast-path connect and the reorg replay path so the two stay in lockstep.
func (c *Chain) applyQPosOps(blk *block.Block, ctx qpos.BlockCtx) error {
	ops, err := extractQPosOps(blk)
	if err != nil {
		return fmt.Errorf("parse qpos ops: %w", err)
	}
	for _, o := range ops {
		required, err := o.op.RequiredSigners(c.Registry)
		if err != nil {
			return fmt.Errorf("qpos op signer lookup: %w", err)
		}
		if err := checkQPosSigner(blk, o, required); err != nil {
			return fmt.Errorf("qpos op at tx %d output %d: %w", o.txIdx, o.outIdx, err)
		}
		if _, err := c.Registry.ApplyOp(o.op, ctx); err != nil {
			return fmt.Errorf("qpos op at tx %d output %d: %w", o.txIdx, o.outIdx, err)
		}
		klog.Registry.Debug().
			Uint64("height", ctx.Height).
			Int("tx", o.txIdx).
			Int("output", o.outIdx).
			Msg("applied qpos registry op")
	}
	return nil
}

// advanceQPoS applies the block's qPoS ops, credits or docks the scheduled
// producer for this slot, and advances the registry's time cursor. The ops
// are always applied; until the first staker purchase activates the queue
// the crediting and time advance are skipped, since before that there is
// nothing for buildNextQueue to schedule.
func (c *Chain) advanceQPoS(blk *block.Block, blockReward uint64) error {
	if c.Registry == nil {
		return nil
	}
	ctx := qpos.BlockCtx{
		Height:      blk.Header.Height,
		Time:        blk.Header.Timestamp,
		MoneySupply: c.state.Supply,
		Testnet:     c.Testnet,
	}

	if err := c.applyQPosOps(blk, ctx); err != nil {
		return err
	}

	if c.Registry.Queue == nil {
		if len(c.Registry.Stakers) == 0 {
			return nil // Pre-activation: nobody has purchased a staker id yet.
		}
		if err := c.Registry.Bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap qpos queue: %w", err)
		}
		klog.Queue.Info().Uint64("height", blk.Header.Height).Msg("qpos queue activated")
	}

	if id, ok := c.qposProducerID(blk); ok {
		if err := c.Registry.StakerProducedBlock(id, types.Amount(blockReward)); err != nil {
			return fmt.Errorf("record qpos production: %w", err)
		}
		klog.Queue.Debug().
			Uint64("height", blk.Header.Height).
			Uint32("staker_id", id).
			Uint64("reward", blockReward).
			Msg("qpos producer credited")
	}

	if err := c.Registry.UpdateOnNewTime(ctx); err != nil {
		return fmt.Errorf("advance qpos time: %w", err)
	}

	c.Registry.BlockHeight = blk.Header.Height
	c.Registry.BlockHash = blk.Hash()
	return nil
}

// maybeSnapshotRegistry persists a full registry snapshot when height lands
// on a BlocksPerSnapshot boundary, per spec §4.4's snapshot policy. A no-op
// only when the registry is nil; a registry with no stakers yet is still
// snapshotted.
func (c *Chain) maybeSnapshotRegistry(height uint64) error {
	if c.Registry == nil || height%BlocksPerSnapshot != 0 {
		return nil
	}
	data, err := c.Registry.Serialize()
	if err != nil {
		return fmt.Errorf("serialize registry: %w", err)
	}
	klog.Registry.Info().Uint64("height", height).Int("bytes", len(data)).Msg("registry snapshot written")
	return c.blocks.PutRegistrySnapshot(height, data)
}

// restoreRegistryAt rebuilds the in-memory registry to its state as of
// exactly the given height: load the nearest durable snapshot at or below
// that height (or start from an empty registry if none exists), then replay
// every block from the snapshot's height+1 up through the target height,
// applying only the qPoS-relevant side effects (registry ops, production
// accounting, time advance) without re-running UTXO/consensus validation —
// those blocks were already validated when first connected. This is the
// "restore from snapshot, replay forward" path spec §4.9 requires instead of
// incrementally rewinding the registry.
func (c *Chain) restoreRegistryAt(height uint64) error {
	snap, snapHeight, found, err := c.blocks.GetLatestRegistrySnapshot(height)
	if err != nil {
		return fmt.Errorf("load registry snapshot: %w", err)
	}
	var start uint64
	if found {
		r, err := qpos.Deserialize(snap)
		if err != nil {
			return fmt.Errorf("deserialize registry snapshot at height %d: %w", snapHeight, err)
		}
		c.Registry = r
		c.syncEngineRegistry()
		klog.Registry.Info().
			Uint64("snapshot_height", snapHeight).
			Uint64("target_height", height).
			Msg("registry restored from snapshot")
		if snapHeight == height {
			return nil // The snapshot already reflects exactly this height.
		}
		start = snapHeight + 1
	} else {
		c.Registry = qpos.NewRegistry()
		c.syncEngineRegistry()
		klog.Registry.Info().Uint64("target_height", height).Msg("registry restored from genesis (no snapshot found)")
		start = 0
	}

	for h := start; h <= height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d for registry replay: %w", h, err)
		}
		// Use the reward recorded in the block's undo data rather than
		// recomputing from the live UTXO set: at this point in the reorg
		// the UTXO set already reflects the fork-point state, not the
		// incremental state at each historical height h, so recomputing
		// fees here against the wrong UTXO snapshot would diverge.
		reward, err := c.blockRewardFromUndo(blk.Hash())
		if err != nil {
			return fmt.Errorf("load undo for registry replay at height %d: %w", h, err)
		}
		if err := c.advanceQPoS(blk, reward); err != nil {
			return fmt.Errorf("replay registry at height %d: %w", h, err)
		}
	}
	return nil
}

// blockRewardFromUndo returns the block reward recorded in a block's
// already-persisted undo data, falling back to zero if no undo data was
// ever written for it (genesis, or a block predating undo tracking).
func (c *Chain) blockRewardFromUndo(hash types.Hash) (uint64, error) {
	raw, err := c.blocks.GetUndo(hash)
	if err != nil {
		return 0, nil
	}
	var undo UndoData
	if err := json.Unmarshal(raw, &undo); err != nil {
		return 0, fmt.Errorf("unmarshal undo: %w", err)
	}
	return undo.BlockReward, nil
}

// syncEngineRegistry rebinds the active consensus engine to c.Registry when
// it is a qPoS engine, so a replaced registry (snapshot restore, rebuild)
// never leaves the engine validating against a stale instance.
func (c *Chain) syncEngineRegistry() {
	if q, ok := c.engine.(*consensus.QPoS); ok {
		q.SetRegistry(c.Registry)
	}
}

// qposProducerID resolves the current queue slot's staker id and reports
// whether the block's signer key matches it, so StakerProducedBlock is only
// credited when this block really is a qPoS-scheduled block.
func (c *Chain) qposProducerID(blk *block.Block) (uint32, bool) {
	if c.Registry.Queue == nil || c.Registry.Queue.Exhausted() {
		return 0, false
	}
	id := c.Registry.Queue.CurrentID()
	s, ok := c.Registry.Stakers[id]
	if !ok {
		return 0, false
	}
	q, ok := c.engine.(*consensus.QPoS)
	if !ok {
		return 0, false
	}
	signer := q.IdentifySigner(blk.Header)
	if signer == nil {
		return 0, false
	}
	return id, bytes.Equal(signer, s.Delegate.Bytes())
}
