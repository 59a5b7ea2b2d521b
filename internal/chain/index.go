package chain

import (
	"github.com/Klingon-tech/klingnet-chain/internal/blockindex"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// indexBlock inserts blk into the in-memory block arena, deriving its proof
// classification and chained stake modifier from its header and its parent's
// arena entry. Re-indexing an already-known hash is a no-op — both the fast
// path and reorg replay present the same block to this method.
func (c *Chain) indexBlock(blk *block.Block) int32 {
	hash := blk.Hash()
	if idx, ok := c.index.Lookup(hash); ok {
		return idx
	}

	isQPoS := blk.Header.StakerID > 0
	isTimeSliced := !isQPoS && !c.isPoWEngine()

	var parentModifier types.Hash
	modifierGenerated := false
	if parentIdx, ok := c.index.Lookup(blk.Header.PrevHash); ok {
		parentModifier = c.index.Node(parentIdx).StakeModifier
		modifierGenerated = true
	}

	var stakeModifier types.Hash
	var entropyBit bool
	if isQPoS || isTimeSliced {
		stakeModifier = crypto.HashConcat(parentModifier, hash)
		entropyBit = stakeModifier[types.HashSize-1]&1 == 1
	}

	flags := blockindex.NodeFlagsFor(isQPoS, isTimeSliced, entropyBit, modifierGenerated)
	return c.index.Add(hash, *blk.Header, flags, stakeModifier, nil)
}
