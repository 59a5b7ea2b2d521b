// Package blockindex maintains the in-memory DAG of known block headers and
// their cumulative proof-of-trust. It answers the common-ancestor and
// heavier-branch questions Reorg needs by walking per-node pointers and
// comparing a per-node big.Int, rather than re-summing a flat scalar field
// across every block of both candidate branches on every call.
package blockindex

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-chain/internal/qpos"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// NodeFlags records per-node consensus-mechanism bits.
type NodeFlags uint8

const (
	IsPoS             NodeFlags = 1 << iota // produced by a time-sliced (non-PoW) round-robin engine
	StakeEntropyBit                         // low bit of this node's derived StakeModifier
	ModifierGenerated                       // StakeModifier was derived from a known parent, not a bare seed
	IsQPoS                                  // StakerID > 0: scheduled qPoS production
)

// Node is one block's entry in the arena.
type Node struct {
	Prev            int32 // index into Arena.nodes, -1 if the parent is unknown (orphan root)
	Next            int32 // most recently added child, -1 if none; Add does not track which child is on the main chain
	Hash            types.Hash
	Header          block.Header
	CumulativeTrust *big.Int
	Flags           NodeFlags
	StakeModifier   types.Hash
	QPOps           []qpos.Op
}

// Arena is the in-memory DAG of every block header the chain has indexed,
// keyed by hash. It carries no block bodies — internal/chain.BlockStore
// remains the durable body/undo/tx-index store; the arena exists only to
// answer DAG-shaped questions (ancestry, trust comparison) that a flat
// hash/height KV lookup would otherwise have to re-derive by re-walking
// storage on every query.
type Arena struct {
	nodes  []Node
	byHash map[types.Hash]int32
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{byHash: make(map[types.Hash]int32)}
}

// trustWeight is a block's individual contribution to cumulative trust: its
// declared Difficulty for a competitive-work block (PoW, or a PoA round
// carrying an in-turn/out-of-turn weight in the same field), or a flat unit
// for a qPoS block, which is scheduled rather than competed for and so
// always contributes the same trust as any other qPoS block in its slot.
// A block whose Difficulty is zero (such as a genesis block) also counts as
// one unit.
func trustWeight(h *block.Header, flags NodeFlags) *big.Int {
	if flags&IsQPoS != 0 {
		return big.NewInt(1)
	}
	if h.Difficulty == 0 {
		return big.NewInt(1)
	}
	return new(big.Int).SetUint64(h.Difficulty)
}

// Add inserts a new node for hash/header, linking it to its parent (by
// header.PrevHash) if the parent is already indexed, and returns the node's
// arena index. Re-adding an already-known hash is a no-op that returns the
// existing index.
func (a *Arena) Add(hash types.Hash, header block.Header, flags NodeFlags, stakeModifier types.Hash, qpops []qpos.Op) int32 {
	if idx, ok := a.byHash[hash]; ok {
		return idx
	}

	idx := int32(len(a.nodes))
	node := Node{
		Prev:          -1,
		Next:          -1,
		Hash:          hash,
		Header:        header,
		Flags:         flags,
		StakeModifier: stakeModifier,
		QPOps:         qpops,
	}

	weight := trustWeight(&header, flags)
	if parentIdx, ok := a.byHash[header.PrevHash]; ok {
		node.Prev = parentIdx
		node.CumulativeTrust = new(big.Int).Add(a.nodes[parentIdx].CumulativeTrust, weight)
	} else {
		node.CumulativeTrust = weight
	}

	a.nodes = append(a.nodes, node)
	a.byHash[hash] = idx
	if node.Prev >= 0 {
		a.nodes[node.Prev].Next = idx
	}
	return idx
}

// Lookup returns the arena index for hash, if known.
func (a *Arena) Lookup(hash types.Hash) (int32, bool) {
	idx, ok := a.byHash[hash]
	return idx, ok
}

// Node returns a copy of the node at idx.
func (a *Arena) Node(idx int32) Node {
	return a.nodes[idx]
}

// Trust returns the cumulative trust at idx, or nil if idx is out of range.
func (a *Arena) Trust(idx int32) *big.Int {
	if idx < 0 || int(idx) >= len(a.nodes) {
		return nil
	}
	return a.nodes[idx].CumulativeTrust
}

// CommonAncestor walks both x and y back along Prev pointers to the first
// shared node. Each walk only follows its own branch's ancestry regardless
// of how many other branches fork off it elsewhere in the arena, so this
// holds for any number of competing branches, not just two.
func (a *Arena) CommonAncestor(x, y int32) (int32, bool) {
	seen := make(map[int32]bool, len(a.nodes))
	for i := x; i >= 0; i = a.nodes[i].Prev {
		seen[i] = true
	}
	for i := y; i >= 0; i = a.nodes[i].Prev {
		if seen[i] {
			return i, true
		}
	}
	return -1, false
}

// Heavier reports whether the node at x carries strictly greater cumulative
// trust than the node at y.
func (a *Arena) Heavier(x, y int32) bool {
	return a.nodes[x].CumulativeTrust.Cmp(a.nodes[y].CumulativeTrust) > 0
}

// NodeFlagsFor derives the flags a new node should carry.
func NodeFlagsFor(isQPoS, isTimeSliced, stakeEntropyBit, modifierGenerated bool) NodeFlags {
	var f NodeFlags
	if isQPoS {
		f |= IsQPoS
	}
	if isTimeSliced {
		f |= IsPoS
	}
	if stakeEntropyBit {
		f |= StakeEntropyBit
	}
	if modifierGenerated {
		f |= ModifierGenerated
	}
	return f
}
