// Package qpos implements the staker registry and block-scheduling state
// machine described by spec components C5, C6, C7: the per-staker ledger,
// the shuffled production queue, and the qPoS transaction operations that
// mutate the registry.
package qpos

import (
	"encoding/json"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Network-wide constants.
const (
	MinPicoPower         = 510_000_000_000 // ~51%, out of 1e12
	PicoPowerScale        = 1_000_000_000_000
	DockInactiveFraction = 310_000_000_000 // 3.1e11
	MinSecsPerClaim      = 86400
	MaxMetaKeyLen        = 16
	MaxMetaValueLen      = 40
	MaxNFTID             = 100_000
	MinDelegatePermille  = 1
	MaxDelegatePermille  = 100_000

	// StakerMaxMissesM is the consecutive-miss threshold beyond which a
	// staker is disqualified; StakerMissedBlock terminates the staker as
	// soon as a recorded miss crosses it.
	StakerMaxMissesM = 10
)

// Status is a Staker's lifecycle state.
type Status int

const (
	Enabled Status = iota
	Disabled
	Terminated
)

// Staker is a per-id registry record.
type Staker struct {
	ID         uint32
	Owner      types.PubKey
	Manager    types.PubKey // zero value = not set
	Delegate   types.PubKey
	Controller types.PubKey

	Alias      types.Alias
	AliasLower string

	DelegatePayoutPermille uint32

	Status Status

	BlocksProduced        uint64
	BlocksMissed          uint64
	BlocksMissedThisRound uint64
	BlocksMissedPrevRound uint64
	RecentBlocksBitset     uint64 // bit i = 1 if slot i back was produced

	PricePaid types.Amount
	NFTID     uint32 // 0 = none

	Meta map[string]string
}

// IsEnabled reports whether the staker may be scheduled into a queue.
func (s *Staker) IsEnabled() bool {
	return s.Status == Enabled
}

// ShouldBeDisqualified reports whether the staker's recent miss history
// crosses the disqualification threshold.
func (s *Staker) ShouldBeDisqualified() bool {
	return s.BlocksMissedThisRound > StakerMaxMissesM
}

// AliasEntry is the registry's alias-index value).
type AliasEntry struct {
	ID       uint32
	Original string
}

// PowerEntry is one slot's outcome within a power round.
type PowerEntry struct {
	StakerID uint32
	Weight   uint64
	Produced bool
}

// PowerRound is the full per-slot outcome sequence for one round.
type PowerRound struct {
	Entries []PowerEntry
}

func (pr *PowerRound) sums() (produced, total uint64) {
	if pr == nil {
		return 0, 0
	}
	for _, e := range pr.Entries {
		total += e.Weight
		if e.Produced {
			produced += e.Weight
		}
	}
	return produced, total
}

// Registry is the hard part of the core: per-staker state,
// balances, aliases, NFT ownership, and the two most recent power rounds.
type Registry struct {
	Stakers   map[uint32]*Staker
	IDCounter uint32

	Balances    map[types.PubKey]types.Amount
	LastClaim   map[types.PubKey]uint64
	ActiveCount map[types.PubKey]int32

	Aliases map[string]AliasEntry // lowercased alias -> entry

	NFTOwners      map[uint32]uint32 // stakerID -> nftID
	NFTOwnerLookup map[uint32]uint32 // nftID -> stakerID

	Queue     *Queue
	QueuePrev *Queue

	PowerRoundPrev    *PowerRound
	PowerRoundCurrent *PowerRound

	Round uint32

	CurrentBlockWasProduced bool
	PrevBlockWasProduced    bool

	HashLastBlockPrev1Queue types.Hash
	HashLastBlockPrev2Queue types.Hash
	HashLastBlockPrev3Queue types.Hash

	BlockHeight uint64
	BlockHash   types.Hash

	ReplayMode bool

	DustReclaimed types.Amount // testable property §8.4: burned/docked balances
}

// NewRegistry returns an empty registry ready to receive the first
// purchase.
func NewRegistry() *Registry {
	return &Registry{
		Stakers:        make(map[uint32]*Staker),
		Balances:       make(map[types.PubKey]types.Amount),
		LastClaim:      make(map[types.PubKey]uint64),
		ActiveCount:    make(map[types.PubKey]int32),
		Aliases:        make(map[string]AliasEntry),
		NFTOwners:      make(map[uint32]uint32),
		NFTOwnerLookup: make(map[uint32]uint32),
		PowerRoundPrev:    &PowerRound{},
		PowerRoundCurrent: &PowerRound{},
	}
}

// GetIDForAlias looks up a staker id by alias, case-insensitively.
func (r *Registry) GetIDForAlias(alias string) (uint32, bool) {
	e, ok := r.Aliases[types.Alias(alias).Lower()]
	if !ok {
		return 0, false
	}
	return e.ID, true
}

// StakerPrice computes the purchase price for the (qualifiedCount+1)th
// staker given the current money supply. Grounded on // `staker_price(qualified_count, money_supply)` reference with no further
// formula given; frozen here as a simple, strictly increasing schedule: a
// base price that grows with the number of already-qualified stakers and
// scales with supply, so early stakers are cheap and the price never
// decreases as the roster grows.
func StakerPrice(qualifiedCount int, moneySupply uint64) types.Amount {
	base := uint64(1_000_000) // 1 coin at 1e6 base units, matching a modest entry price
	growth := uint64(qualifiedCount) * uint64(qualifiedCount) * 10_000
	supplyComponent := moneySupply / 1_000_000_000 // negligible until supply is large
	price := base + growth + supplyComponent
	if price > uint64(types.MaxMoney) {
		price = uint64(types.MaxMoney)
	}
	return types.Amount(price)
}

// enabledIDsSorted returns every Enabled staker id, ascending.
func (r *Registry) enabledIDsSorted() []uint32 {
	ids := make([]uint32, 0, len(r.Stakers))
	for id, s := range r.Stakers {
		if s.IsEnabled() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Picopower computes producing weight / total weight across the
// concatenation of the previous and current power rounds, scaled by 1e12
//.
func (r *Registry) Picopower() uint64 {
	prodPrev, totPrev := r.PowerRoundPrev.sums()
	prodCur, totCur := r.PowerRoundCurrent.sums()
	produced := prodPrev + prodCur
	total := totPrev + totCur
	if total == 0 {
		return PicoPowerScale // vacuously fully powered: no slots recorded yet
	}
	return produced * PicoPowerScale / total
}

// registrySnapshot mirrors the §6 field list exactly, used by both
// Serialize (for durable snapshots) and the test-equality check.
type registrySnapshot struct {
	Version   int                          `json:"version"`
	Round     uint32                       `json:"round"`
	Seed      uint32                       `json:"seed"`
	Stakers   map[uint32]*Staker           `json:"stakers"`
	Balances  map[string]types.Amount      `json:"balances"`
	LastClaim map[string]uint64            `json:"last_claim"`
	ActiveCnt map[string]int32             `json:"active_count"`
	Aliases   map[string]AliasEntry        `json:"aliases"`

	Queue     *Queue `json:"queue"`
	QueuePrev *Queue `json:"queue_prev"`

	RecentBlocksBitset   uint64 `json:"recent_blocks_bitset"`
	IDCounter            uint32 `json:"id_counter"`
	CurrentProducedFlag  bool   `json:"current_produced_flag"`
	PrevProducedFlag     bool   `json:"prev_produced_flag"`
	BlockHeight          uint64 `json:"block_height"`
	BlockHash            types.Hash `json:"block_hash"`
	HashLastBlockPrev1   types.Hash `json:"hash_last_block_prev1_queue"`
	HashLastBlockPrev2   types.Hash `json:"hash_last_block_prev2_queue"`
	HashLastBlockPrev3   types.Hash `json:"hash_last_block_prev3_queue"`

	PowerRoundPrev    *PowerRound `json:"power_round_prev"`
	PowerRoundCurrent *PowerRound `json:"power_round_current"`

	NFTOwners      map[uint32]uint32 `json:"nft_owners"`
	NFTOwnerLookup map[uint32]uint32 `json:"nft_owner_lookup"`

	DustReclaimed types.Amount `json:"dust_reclaimed"`
	ReplayMode    bool         `json:"replay_mode"`
}

const registrySnapshotVersion = 1

// Serialize is the total round-trip function used both for durable
// snapshots (§4.4) and for the bit-identical replay equality check (§4.5,
// §8 property 1) — it must be the single function both paths call.
func (r *Registry) Serialize() ([]byte, error) {
	snap := registrySnapshot{
		Version:             registrySnapshotVersion,
		Round:               r.Round,
		Stakers:             r.Stakers,
		Balances:            make(map[string]types.Amount, len(r.Balances)),
		LastClaim:           make(map[string]uint64, len(r.LastClaim)),
		ActiveCnt:           make(map[string]int32, len(r.ActiveCount)),
		Aliases:             r.Aliases,
		Queue:               r.Queue,
		QueuePrev:           r.QueuePrev,
		IDCounter:           r.IDCounter,
		CurrentProducedFlag: r.CurrentBlockWasProduced,
		PrevProducedFlag:    r.PrevBlockWasProduced,
		BlockHeight:         r.BlockHeight,
		BlockHash:           r.BlockHash,
		HashLastBlockPrev1:  r.HashLastBlockPrev1Queue,
		HashLastBlockPrev2:  r.HashLastBlockPrev2Queue,
		HashLastBlockPrev3:  r.HashLastBlockPrev3Queue,
		PowerRoundPrev:      r.PowerRoundPrev,
		PowerRoundCurrent:   r.PowerRoundCurrent,
		NFTOwners:           r.NFTOwners,
		NFTOwnerLookup:      r.NFTOwnerLookup,
		DustReclaimed:       r.DustReclaimed,
		ReplayMode:          r.ReplayMode,
	}
	if r.Queue != nil {
		snap.Seed = r.Queue.Seed
	}
	for k, v := range r.Balances {
		snap.Balances[k.String()] = v
	}
	for k, v := range r.LastClaim {
		snap.LastClaim[k.String()] = v
	}
	for k, v := range r.ActiveCount {
		snap.ActiveCnt[k.String()] = v
	}
	// Deterministic key ordering: encoding/json sorts map[string] keys
	// when marshaling, which is what makes this a total function suitable
	// for byte-identical comparison across replay paths.
	return json.Marshal(snap)
}

// Deserialize restores a registry from a Serialize blob.
func Deserialize(data []byte) (*Registry, error) {
	var snap registrySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	r := NewRegistry()
	r.Round = snap.Round
	r.Stakers = snap.Stakers
	if r.Stakers == nil {
		r.Stakers = make(map[uint32]*Staker)
	}
	r.Aliases = snap.Aliases
	if r.Aliases == nil {
		r.Aliases = make(map[string]AliasEntry)
	}
	r.Queue = snap.Queue
	r.QueuePrev = snap.QueuePrev
	r.IDCounter = snap.IDCounter
	r.CurrentBlockWasProduced = snap.CurrentProducedFlag
	r.PrevBlockWasProduced = snap.PrevProducedFlag
	r.BlockHeight = snap.BlockHeight
	r.BlockHash = snap.BlockHash
	r.HashLastBlockPrev1Queue = snap.HashLastBlockPrev1
	r.HashLastBlockPrev2Queue = snap.HashLastBlockPrev2
	r.HashLastBlockPrev3Queue = snap.HashLastBlockPrev3
	if snap.PowerRoundPrev != nil {
		r.PowerRoundPrev = snap.PowerRoundPrev
	}
	if snap.PowerRoundCurrent != nil {
		r.PowerRoundCurrent = snap.PowerRoundCurrent
	}
	r.NFTOwners = snap.NFTOwners
	if r.NFTOwners == nil {
		r.NFTOwners = make(map[uint32]uint32)
	}
	r.NFTOwnerLookup = snap.NFTOwnerLookup
	if r.NFTOwnerLookup == nil {
		r.NFTOwnerLookup = make(map[uint32]uint32)
	}
	r.DustReclaimed = snap.DustReclaimed
	r.ReplayMode = snap.ReplayMode

	r.Balances = make(map[types.PubKey]types.Amount, len(snap.Balances))
	for k, v := range snap.Balances {
		pk, err := types.HexToPubKey(k)
		if err != nil {
			return nil, err
		}
		r.Balances[pk] = v
	}
	r.LastClaim = make(map[types.PubKey]uint64, len(snap.LastClaim))
	for k, v := range snap.LastClaim {
		pk, err := types.HexToPubKey(k)
		if err != nil {
			return nil, err
		}
		r.LastClaim[pk] = v
	}
	r.ActiveCount = make(map[types.PubKey]int32, len(snap.ActiveCnt))
	for k, v := range snap.ActiveCnt {
		pk, err := types.HexToPubKey(k)
		if err != nil {
			return nil, err
		}
		r.ActiveCount[pk] = v
	}
	return r, nil
}
