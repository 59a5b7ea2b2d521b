// Package chainparams holds the frozen fork-ordinal table that every
// behavioral branch in the consensus core switches on. No
// consumer may branch on a build flag or version string instead.
package chainparams

// ForkOrdinal is a monotone integer identifying a named consensus-rule
// generation. Ordinals only ever increase with height.
type ForkOrdinal int

const (
	ForkNone        ForkOrdinal = iota
	ForkPurchase                // qPoS staker purchases become valid
	ForkImmalleable             // txid blanks scriptSig (except coinbase)
	ForkNoTxTime                // transactions drop the legacy tx-time field
	ForkFeelessTx               // certain qPoS ops no longer require a fee
	ForkQPoS                    // qPoS block production activates
	ForkNFTMix                  // the one historical height mixing the NFT-hash-of-hashes constant
)

// ForkPoint pins an ordinal to the height at which it activates.
type ForkPoint struct {
	Ordinal ForkOrdinal
	Height  uint64
}

// Schedule is a height-ordered table of fork activation points for one
// network. Height 0 must always be present (ForkNone).
type Schedule []ForkPoint

// ForkAt returns the highest ordinal whose activation height has been
// reached by height h.
func (s Schedule) ForkAt(h uint64) ForkOrdinal {
	best := ForkNone
	for _, p := range s {
		if p.Height <= h && p.Ordinal > best {
			best = p.Ordinal
		}
	}
	return best
}

// IsActive reports whether ordinal has activated by height h — mirrors
// original_source's ForkSchedule.IsActive(forkHeight, currentHeight) calls.
func (s Schedule) IsActive(ordinal ForkOrdinal, h uint64) bool {
	return s.ForkAt(h) >= ordinal
}

// HeightOf returns the activation height pinned to ordinal, if the
// schedule names one.
func (s Schedule) HeightOf(ordinal ForkOrdinal) (uint64, bool) {
	for _, p := range s {
		if p.Ordinal == ordinal {
			return p.Height, true
		}
	}
	return 0, false
}

// MainnetSchedule is the frozen mainnet fork table. Heights are chosen to
// keep the network's historical ordering (purchase before immalleable
// before qPoS activation before the NFT-mix height) without reproducing
// any single build's exact numbers, since this is a from-scratch network.
var MainnetSchedule = Schedule{
	{ForkNone, 0},
	{ForkPurchase, 10_000},
	{ForkImmalleable, 20_000},
	{ForkNoTxTime, 20_000},
	{ForkFeelessTx, 25_000},
	{ForkQPoS, 25_000},
	{ForkNFTMix, 111_111},
}

// TestnetSchedule activates every fork near genesis so test fixtures don't
// need to mine tens of thousands of blocks to reach qPoS behavior.
var TestnetSchedule = Schedule{
	{ForkNone, 0},
	{ForkPurchase, 1},
	{ForkImmalleable, 1},
	{ForkNoTxTime, 1},
	{ForkQPoS, 1},
	{ForkFeelessTx, 1},
	{ForkNFTMix, 1_000_000}, // effectively disabled on testnet
}
