package qpos

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// QPRounds is the number of repeated-hashing rounds folded into the queue
// seed on mainnet.
const QPRounds = 16

// TargetSpacing is the fixed length of one slot.
const TargetSpacing = 5

// Slot is one staker's authorized production window within a round.
type Slot struct {
	StakerID uint32
	Start    uint64
	End      uint64
}

// Queue is a round's shuffled producer schedule. It is a
// pure function of its seed and the input staker-id list; nothing else
// influences the shuffle.
type Queue struct {
	Round       uint32
	Seed        uint32
	Time0       uint64
	CurrentSlot int
	Slots       []Slot
}

// NewQueue builds the queue for the next round from the currently enabled
// staker ids and the previous block's hash paragraph, ported from original_source/src/qpos/
// QPRegistry.cpp's NewQueue (sorted-id collection, QP_ROUNDS-fold hash
// seed, MT19937-driven forward Fisher-Yates shuffle).
func NewQueue(round uint32, time0 uint64, prevQueueEnd uint64, prevBlockHash types.Hash, enabledIDs []uint32, testnet bool) (*Queue, error) {
	if len(enabledIDs) < 1 {
		return nil, fmt.Errorf("qpos: NewQueue: no qualified stakers")
	}

	ids := make([]uint32, len(enabledIDs))
	copy(ids, enabledIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	seed := roundSeed(prevBlockHash, testnet)
	gen := newMT19937(seed)

	// Forward (inside-out) Fisher-Yates: for i from 1..n-1, draw j in
	// [0,i], swap v[i] and v[j]. Ported line-for-line from QPRegistry.cpp's
	// `for (i = first+1; i != last; ++i) { j = first + shuffler((i-first)+1); swap(*i,*j) }`.
	for i := 1; i < len(ids); i++ {
		j := gen.uniformInt(uint32(i) + 1)
		ids[i], ids[j] = ids[j], ids[i]
	}

	start := prevQueueEnd + 1
	slots := make([]Slot, len(ids))
	for i, id := range ids {
		slots[i] = Slot{
			StakerID: id,
			Start:    start,
			End:      start + TargetSpacing - 1,
		}
		start += TargetSpacing
	}

	return &Queue{
		Round:       round,
		Seed:        seed,
		Time0:       time0,
		CurrentSlot: 0,
		Slots:       slots,
	}, nil
}

// roundSeed derives the 32-bit MT19937 seed from the previous block's
// hash: QP_ROUNDS rounds of ComposedHash on mainnet, a single hash on
// testnet, truncated to the first 4 bytes little-endian (ported from
// QPRegistry.cpp's `vchnum(vch).GetValue()` over the first 4 hash bytes).
func roundSeed(prevBlockHash types.Hash, testnet bool) uint32 {
	h := prevBlockHash
	if testnet {
		h = crypto.Hash(h[:])
	} else {
		for i := 0; i < QPRounds; i++ {
			h = crypto.ComposedHash(h[:])
		}
	}
	return binary.LittleEndian.Uint32(h[:4])
}

// CurrentID returns the staker authorized to produce right now, or 0 if
// the queue is exhausted.
func (q *Queue) CurrentID() uint32 {
	if q.CurrentSlot < 0 || q.CurrentSlot >= len(q.Slots) {
		return 0
	}
	return q.Slots[q.CurrentSlot].StakerID
}

// GetSlotForTime returns the slot containing time t, if any.
func (q *Queue) GetSlotForTime(t uint64) (Slot, bool) {
	for _, s := range q.Slots {
		if t >= s.Start && t <= s.End {
			return s, true
		}
	}
	return Slot{}, false
}

// GetWindowForID returns the (start,end) window for a staker id in this
// queue, if it appears.
func (q *Queue) GetWindowForID(id uint32) (start, end uint64, ok bool) {
	for _, s := range q.Slots {
		if s.StakerID == id {
			return s.Start, s.End, true
		}
	}
	return 0, 0, false
}

// IncrementSlot advances to the next slot. Returns false when the queue is
// already exhausted (no more slots to advance into).
func (q *Queue) IncrementSlot() bool {
	if q.CurrentSlot+1 >= len(q.Slots) {
		q.CurrentSlot = len(q.Slots)
		return false
	}
	q.CurrentSlot++
	return true
}

// Exhausted reports whether every slot in the queue has been consumed.
func (q *Queue) Exhausted() bool {
	return q.CurrentSlot >= len(q.Slots)
}

// TimeIsInCurrentSlot reports whether t falls within the current slot's
// window.
func (q *Queue) TimeIsInCurrentSlot(t uint64) bool {
	if q.CurrentSlot < 0 || q.CurrentSlot >= len(q.Slots) {
		return false
	}
	s := q.Slots[q.CurrentSlot]
	return t >= s.Start && t <= s.End
}

// End returns the end time of the last slot in the queue (used as the
// next queue's start anchor).
func (q *Queue) End() uint64 {
	if len(q.Slots) == 0 {
		return q.Time0
	}
	return q.Slots[len(q.Slots)-1].End
}
