package blockindex

import (
	"math/big"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func hashOf(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}

func TestArena_Add_ChainsCumulativeTrust(t *testing.T) {
	a := NewArena()
	genesis := hashOf(0)
	a.Add(genesis, block.Header{Height: 0}, 0, types.Hash{}, nil)

	b1 := hashOf(1)
	idx1 := a.Add(b1, block.Header{Height: 1, PrevHash: genesis, Difficulty: 5}, 0, types.Hash{}, nil)

	b2 := hashOf(2)
	idx2 := a.Add(b2, block.Header{Height: 2, PrevHash: b1, Difficulty: 5}, 0, types.Hash{}, nil)

	if got := a.Trust(idx1); got.Cmp(a.Trust(idx2)) >= 0 {
		t.Errorf("child trust %s should exceed parent trust %s", a.Trust(idx2), got)
	}
	if a.Trust(idx2).Int64() != 11 {
		t.Errorf("cumulative trust at idx2 = %s, want 11", a.Trust(idx2))
	}
}

func TestArena_QPoSNodesContributeFlatTrust(t *testing.T) {
	a := NewArena()
	genesis := hashOf(0)
	genIdx := a.Add(genesis, block.Header{Height: 0}, 0, types.Hash{}, nil)

	// A qPoS node should add exactly 1 unit of trust regardless of any
	// Difficulty value left over on the header.
	qIdx := a.Add(hashOf(1), block.Header{Height: 1, PrevHash: genesis, Difficulty: 9000, StakerID: 7}, IsQPoS, types.Hash{}, nil)

	want := new(big.Int).Add(a.Trust(genIdx), big.NewInt(1))
	if a.Trust(qIdx).Cmp(want) != 0 {
		t.Errorf("qPoS node trust = %s, want %s", a.Trust(qIdx), want)
	}
}

func TestArena_CommonAncestor_ThreeWayFork(t *testing.T) {
	a := NewArena()
	genesis := hashOf(0)
	a.Add(genesis, block.Header{Height: 0}, 0, types.Hash{}, nil)

	fork := hashOf(1)
	a.Add(fork, block.Header{Height: 1, PrevHash: genesis, Difficulty: 1}, 0, types.Hash{}, nil)

	// Three independent branches all extending `fork`.
	branchA := a.Add(hashOf(2), block.Header{Height: 2, PrevHash: fork, Difficulty: 1}, 0, types.Hash{}, nil)
	branchB := a.Add(hashOf(3), block.Header{Height: 2, PrevHash: fork, Difficulty: 3}, 0, types.Hash{}, nil)
	branchC := a.Add(hashOf(4), block.Header{Height: 2, PrevHash: fork, Difficulty: 2}, 0, types.Hash{}, nil)

	forkIdx, _ := a.Lookup(fork)

	if anc, ok := a.CommonAncestor(branchA, branchB); !ok || anc != forkIdx {
		t.Errorf("CommonAncestor(A,B) = %d, want fork index %d", anc, forkIdx)
	}
	if anc, ok := a.CommonAncestor(branchB, branchC); !ok || anc != forkIdx {
		t.Errorf("CommonAncestor(B,C) = %d, want fork index %d", anc, forkIdx)
	}

	// B carries the most trust among the three competing tips; comparing
	// any pair involving B should show B heavier, independent of the third
	// branch existing in the arena at all.
	if !a.Heavier(branchB, branchA) {
		t.Error("branch B should be heavier than branch A")
	}
	if !a.Heavier(branchB, branchC) {
		t.Error("branch B should be heavier than branch C")
	}
	if a.Heavier(branchA, branchC) {
		t.Error("branch A should not be heavier than branch C")
	}
}

func TestArena_Add_Idempotent(t *testing.T) {
	a := NewArena()
	h := hashOf(1)
	idx1 := a.Add(h, block.Header{Height: 0}, 0, types.Hash{}, nil)
	idx2 := a.Add(h, block.Header{Height: 0}, 0, types.Hash{}, nil)
	if idx1 != idx2 {
		t.Errorf("re-adding a known hash returned a different index: %d vs %d", idx1, idx2)
	}
	if len(a.nodes) != 1 {
		t.Errorf("len(nodes) = %d, want 1", len(a.nodes))
	}
}

func TestArena_Lookup_Unknown(t *testing.T) {
	a := NewArena()
	if _, ok := a.Lookup(hashOf(99)); ok {
		t.Error("Lookup of an unindexed hash should report not-found")
	}
}

func TestArena_CommonAncestor_NoSharedHistory(t *testing.T) {
	a := NewArena()
	x := a.Add(hashOf(1), block.Header{Height: 0}, 0, types.Hash{}, nil)
	y := a.Add(hashOf(2), block.Header{Height: 0}, 0, types.Hash{}, nil)
	if _, ok := a.CommonAncestor(x, y); ok {
		t.Error("two independently-rooted nodes should have no common ancestor")
	}
}

func TestNodeFlagsFor(t *testing.T) {
	f := NodeFlagsFor(true, false, true, true)
	if f&IsQPoS == 0 || f&StakeEntropyBit == 0 || f&ModifierGenerated == 0 {
		t.Errorf("NodeFlagsFor(true,false,true,true) = %b, missing expected bits", f)
	}
	if f&IsPoS != 0 {
		t.Errorf("NodeFlagsFor set IsPoS when isTimeSliced was false: %b", f)
	}
}
