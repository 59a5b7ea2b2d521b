package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock    = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHeight   = []byte("h/") // h/<height(8)> -> hash(32)
	prefixTx       = []byte("x/") // x/<txhash(32)> -> height(8) + blockHash(32)
	prefixUndo     = []byte("d/") // d/<hash(32)> -> undo data JSON
	prefixRegistry = []byte("r/") // r/<height(8)> -> registry snapshot JSON
	keyTipHash            = []byte("s/tip")
	keyHeight             = []byte("s/height")
	keySupply             = []byte("s/supply")
	keyCumDifficulty      = []byte("s/cumdiff")
	keyReorgCheckpoint    = []byte("s/reorg")
	keyBestRegistryHeight = []byte("s/bestregheight")
)

// BlocksPerSnapshot is the registry-snapshot interval: a snapshot is written
// at every height divisible by this many blocks so a reorg never needs to
// replay more than this many blocks to recover registry state.
const BlocksPerSnapshot = 24

// RecentSnapshots bounds how many of the most recent registry snapshots are
// kept; older ones are pruned so storage does not grow without bound, since
// only a recent snapshot plus forward replay is ever needed for a reorg.
const RecentSnapshots = 10

// BlockStore persists blocks and chain metadata to a storage.DB.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// StoreBlock stores a block by its hash only, without updating height or tx
// indexes. Use this for blocks that are not (yet) on the active chain.
func (bs *BlockStore) StoreBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	return nil
}

// PutBlock stores a block and indexes it by hash, height, and tx hashes.
func (bs *BlockStore) PutBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}

	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}

	if err := bs.db.Put(heightKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}

	// Index each transaction by hash → (height, blockHash).
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		val := make([]byte, 8+types.HashSize)
		binary.BigEndian.PutUint64(val[:8], blk.Header.Height)
		copy(val[8:], hash[:])
		if err := bs.db.Put(txKey(txHash), val); err != nil {
			return fmt.Errorf("tx index put %s: %w", txHash, err)
		}
	}

	return nil
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// GetBlockByHeight retrieves a block by its height.
func (bs *BlockStore) GetBlockByHeight(height uint64) (*block.Block, error) {
	hashBytes, err := bs.db.Get(heightKey(height))
	if err != nil {
		return nil, fmt.Errorf("height index get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return nil, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return bs.GetBlock(hash)
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// SetTip stores the current chain tip hash, height, and supply.
func (bs *BlockStore) SetTip(hash types.Hash, height, supply uint64) error {
	if err := bs.db.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	var heightBuf, supplyBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	if err := bs.db.Put(keyHeight, heightBuf[:]); err != nil {
		return fmt.Errorf("set tip height: %w", err)
	}
	binary.BigEndian.PutUint64(supplyBuf[:], supply)
	if err := bs.db.Put(keySupply, supplyBuf[:]); err != nil {
		return fmt.Errorf("set supply: %w", err)
	}
	return nil
}

// GetTip returns the current chain tip hash, height, and supply.
// Returns zero values if no tip is set (fresh chain).
func (bs *BlockStore) GetTip() (types.Hash, uint64, uint64, error) {
	hashBytes, err := bs.db.Get(keyTipHash)
	if err != nil {
		return types.Hash{}, 0, 0, nil // No tip yet.
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, 0, 0, fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
	}

	heightBytes, err := bs.db.Get(keyHeight)
	if err != nil {
		return types.Hash{}, 0, 0, fmt.Errorf("tip height missing: %w", err)
	}
	if len(heightBytes) != 8 {
		return types.Hash{}, 0, 0, fmt.Errorf("corrupt tip height: got %d bytes", len(heightBytes))
	}

	var supply uint64
	supplyBytes, err := bs.db.Get(keySupply)
	if err == nil && len(supplyBytes) == 8 {
		supply = binary.BigEndian.Uint64(supplyBytes)
	}
	// Missing supply key is OK for backwards compat with old DBs.

	var hash types.Hash
	copy(hash[:], hashBytes)
	height := binary.BigEndian.Uint64(heightBytes)
	return hash, height, supply, nil
}

// GetTxLocation returns the block height and hash that contain the given transaction.
func (bs *BlockStore) GetTxLocation(txHash types.Hash) (uint64, types.Hash, error) {
	data, err := bs.db.Get(txKey(txHash))
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("tx index get: %w", err)
	}
	if len(data) != 8+types.HashSize {
		return 0, types.Hash{}, fmt.Errorf("corrupt tx index: got %d bytes, want %d", len(data), 8+types.HashSize)
	}
	height := binary.BigEndian.Uint64(data[:8])
	var blockHash types.Hash
	copy(blockHash[:], data[8:])
	return height, blockHash, nil
}

// DeleteTxIndex removes the transaction index entry for the given hash.
func (bs *BlockStore) DeleteTxIndex(txHash types.Hash) error {
	return bs.db.Delete(txKey(txHash))
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}

func undoKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixUndo)+types.HashSize)
	copy(key, prefixUndo)
	copy(key[len(prefixUndo):], hash[:])
	return key
}

// PutUndo stores undo data for a block (used for reorgs).
func (bs *BlockStore) PutUndo(hash types.Hash, data []byte) error {
	if err := bs.db.Put(undoKey(hash), data); err != nil {
		return fmt.Errorf("put undo: %w", err)
	}
	return nil
}

// GetUndo retrieves undo data for a block.
func (bs *BlockStore) GetUndo(hash types.Hash) ([]byte, error) {
	data, err := bs.db.Get(undoKey(hash))
	if err != nil {
		return nil, fmt.Errorf("get undo: %w", err)
	}
	return data, nil
}

// DeleteUndo removes undo data for a block.
func (bs *BlockStore) DeleteUndo(hash types.Hash) error {
	return bs.db.Delete(undoKey(hash))
}

// SetCumulativeDifficulty persists the cumulative difficulty.
func (bs *BlockStore) SetCumulativeDifficulty(cumDiff uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], cumDiff)
	return bs.db.Put(keyCumDifficulty, buf[:])
}

// GetCumulativeDifficulty retrieves the cumulative difficulty (0 if unset).
func (bs *BlockStore) GetCumulativeDifficulty() uint64 {
	data, err := bs.db.Get(keyCumDifficulty)
	if err != nil || len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

// PutReorgCheckpoint writes a marker indicating a reorg is in progress.
// If the node crashes during reorg, this marker triggers UTXO recovery on restart.
func (bs *BlockStore) PutReorgCheckpoint(forkHeight uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], forkHeight)
	return bs.db.Put(keyReorgCheckpoint, buf[:])
}

// GetReorgCheckpoint returns the fork height and true if a reorg checkpoint exists.
func (bs *BlockStore) GetReorgCheckpoint() (uint64, bool) {
	data, err := bs.db.Get(keyReorgCheckpoint)
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// DeleteReorgCheckpoint removes the reorg-in-progress marker.
func (bs *BlockStore) DeleteReorgCheckpoint() error {
	return bs.db.Delete(keyReorgCheckpoint)
}

func registryKey(height uint64) []byte {
	key := make([]byte, len(prefixRegistry)+8)
	copy(key, prefixRegistry)
	binary.BigEndian.PutUint64(key[len(prefixRegistry):], height)
	return key
}

// PutRegistrySnapshot persists a qPoS registry snapshot at the given height
// persists a qPoS registry snapshot at the given height, updates the
// best-known-height marker, and prunes snapshots that fall outside the
// retention window.
func (bs *BlockStore) PutRegistrySnapshot(height uint64, data []byte) error {
	if err := bs.db.Put(registryKey(height), data); err != nil {
		return fmt.Errorf("put registry snapshot: %w", err)
	}
	best, _ := bs.GetBestRegistryHeight()
	if height >= best {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], height)
		if err := bs.db.Put(keyBestRegistryHeight, buf[:]); err != nil {
			return fmt.Errorf("set best registry height: %w", err)
		}
	}
	return bs.pruneRegistrySnapshots(height)
}

// pruneRegistrySnapshots removes snapshots older than the retention window,
// keeping only the RecentSnapshots highest stored heights. justWritten is
// not consulted.
func (bs *BlockStore) pruneRegistrySnapshots(justWritten uint64) error {
	var heights []uint64
	err := bs.db.ForEach(prefixRegistry, func(key, _ []byte) error {
		if len(key) != len(prefixRegistry)+8 {
			return nil
		}
		heights = append(heights, binary.BigEndian.Uint64(key[len(prefixRegistry):]))
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan registry snapshots: %w", err)
	}
	if len(heights) <= RecentSnapshots {
		return nil
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] > heights[j] })
	for _, h := range heights[RecentSnapshots:] {
		if err := bs.db.Delete(registryKey(h)); err != nil {
			return fmt.Errorf("prune registry snapshot at %d: %w", h, err)
		}
	}
	return nil
}

// GetRegistrySnapshot retrieves the registry snapshot stored at exactly the
// given height, if any.
func (bs *BlockStore) GetRegistrySnapshot(height uint64) ([]byte, error) {
	return bs.db.Get(registryKey(height))
}

// GetLatestRegistrySnapshot returns the newest registry snapshot at or below
// maxHeight, used both at startup (recover at the current tip) and during a
// reorg (restore at or below the fork point).
func (bs *BlockStore) GetLatestRegistrySnapshot(maxHeight uint64) (data []byte, height uint64, found bool, err error) {
	var bestHeight uint64
	haveAny := false
	scanErr := bs.db.ForEach(prefixRegistry, func(key, _ []byte) error {
		if len(key) != len(prefixRegistry)+8 {
			return nil
		}
		h := binary.BigEndian.Uint64(key[len(prefixRegistry):])
		if h > maxHeight {
			return nil
		}
		if !haveAny || h > bestHeight {
			bestHeight = h
			haveAny = true
		}
		return nil
	})
	if scanErr != nil {
		return nil, 0, false, fmt.Errorf("scan registry snapshots: %w", scanErr)
	}
	if !haveAny {
		return nil, 0, false, nil
	}
	data, err = bs.GetRegistrySnapshot(bestHeight)
	if err != nil {
		return nil, 0, false, fmt.Errorf("load registry snapshot at %d: %w", bestHeight, err)
	}
	return data, bestHeight, true, nil
}

// GetBestRegistryHeight returns the height of the most recently written
// registry snapshot (0 if none has been written yet).
func (bs *BlockStore) GetBestRegistryHeight() (uint64, error) {
	data, err := bs.db.Get(keyBestRegistryHeight)
	if err != nil || len(data) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(data), nil
}

// CommitBlock persists a reorg-replay block, its tx/height indexes, its undo
// data, and the advanced tip state as a single atomic group (spec §4.8 step
// 5: "all registry mutations are observable only after the batch commits").
// When the backing store supports batching (storage.Batcher) every write
// goes through one WriteBatch; otherwise the writes are issued sequentially,
// matching the pre-batch behavior of the individual Put* helpers above.
func (bs *BlockStore) CommitBlock(blk *block.Block, undoBytes []byte, newSupply, newCumDiff uint64) error {
	batcher, ok := bs.db.(storage.Batcher)
	if !ok {
		return bs.commitBlockSequential(blk, undoBytes, newSupply, newCumDiff)
	}

	b := batcher.NewBatch()
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()

	if err := b.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("commit block: put block: %w", err)
	}
	if err := b.Put(heightKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("commit block: put height index: %w", err)
	}
	for _, t := range blk.Transactions {
		txHash := t.Hash()
		val := make([]byte, 8+types.HashSize)
		binary.BigEndian.PutUint64(val[:8], blk.Header.Height)
		copy(val[8:], hash[:])
		if err := b.Put(txKey(txHash), val); err != nil {
			return fmt.Errorf("commit block: put tx index %s: %w", txHash, err)
		}
	}
	if err := b.Put(undoKey(hash), undoBytes); err != nil {
		return fmt.Errorf("commit block: put undo: %w", err)
	}
	if err := b.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("commit block: put tip hash: %w", err)
	}
	var heightBuf, supplyBuf, cumDiffBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], blk.Header.Height)
	if err := b.Put(keyHeight, heightBuf[:]); err != nil {
		return fmt.Errorf("commit block: put tip height: %w", err)
	}
	binary.BigEndian.PutUint64(supplyBuf[:], newSupply)
	if err := b.Put(keySupply, supplyBuf[:]); err != nil {
		return fmt.Errorf("commit block: put supply: %w", err)
	}
	binary.BigEndian.PutUint64(cumDiffBuf[:], newCumDiff)
	if err := b.Put(keyCumDifficulty, cumDiffBuf[:]); err != nil {
		return fmt.Errorf("commit block: put cumulative difficulty: %w", err)
	}

	return b.Commit()
}

// commitBlockSequential is the non-batched fallback for storage.DB
// implementations that don't support storage.Batcher.
func (bs *BlockStore) commitBlockSequential(blk *block.Block, undoBytes []byte, newSupply, newCumDiff uint64) error {
	if err := bs.PutBlock(blk); err != nil {
		return err
	}
	if err := bs.PutUndo(blk.Hash(), undoBytes); err != nil {
		return err
	}
	if err := bs.SetTip(blk.Hash(), blk.Header.Height, newSupply); err != nil {
		return err
	}
	return bs.SetCumulativeDifficulty(newCumDiff)
}
