package qpos

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// BlockCtx carries the per-block values the registry operations need but
// does not itself track").
type BlockCtx struct {
	Height      uint64
	Time        uint64
	MoneySupply uint64
	Testnet     bool
}

// QualifiedCount returns the number of stakers that count toward the
// purchase-price schedule: every id ever allocated, enabled or not (a
// terminated staker still occupied a purchase slot).
func (r *Registry) QualifiedCount() int {
	return len(r.Stakers)
}

// ApplyPurchase allocates a new staker id and reserves its alias or NFT,
//
func (r *Registry) ApplyPurchase(op *PurchaseOp, ctx BlockCtx) (uint32, error) {
	if len(op.Keys) != 1 && len(op.Keys) != 3 {
		return 0, wrap(KindMalformed, errBadSize, "purchase must carry 1 or 3 keys, got %d", len(op.Keys))
	}
	for _, k := range op.Keys {
		if k.IsZero() {
			return 0, wrap(KindInvariant, ErrPubKeyMalformed, "zero pubkey in purchase")
		}
	}

	var alias types.Alias
	var nftID uint32
	isNFT := types.IsDecimalDigits(op.AliasOrNFT)
	if isNFT {
		id64, err := parseDecimal(op.AliasOrNFT)
		if err != nil || id64 == 0 || id64 > MaxNFTID {
			return 0, wrap(KindInvariant, ErrAliasInvalid, "nft id %q out of range", op.AliasOrNFT)
		}
		nftID = uint32(id64)
		if owner, taken := r.NFTOwnerLookup[nftID]; taken {
			if s := r.Stakers[owner]; s != nil && s.Status != Terminated {
				return 0, wrap(KindInvariant, ErrNFTAlreadyOwned, "nft %d", nftID)
			}
		}
	} else {
		a, err := types.ParseAlias(op.AliasOrNFT)
		if err != nil {
			return 0, wrap(KindInvariant, ErrAliasInvalid, "%v", err)
		}
		if _, taken := r.Aliases[a.Lower()]; taken {
			return 0, wrap(KindInvariant, ErrAliasTaken, "%q", op.AliasOrNFT)
		}
		alias = a
	}

	price := StakerPrice(r.QualifiedCount(), ctx.MoneySupply)
	if op.Value < price || op.Value > price*2 {
		return 0, wrap(KindInvariant, ErrPriceOutOfRange, "paid %d, want [%d,%d]", op.Value, price, price*2)
	}

	if len(op.Keys) == 3 {
		if op.PayoutPermille == 0 || op.PayoutPermille > MaxDelegatePermille {
			return 0, wrap(KindInvariant, ErrPayoutOutOfRange, "%d", op.PayoutPermille)
		}
	}

	r.IDCounter++
	id := r.IDCounter
	s := &Staker{
		ID:        id,
		Owner:     op.Keys[0],
		Status:    Enabled,
		PricePaid: op.Value,
		Meta:      make(map[string]string),
	}
	if len(op.Keys) == 3 {
		s.Delegate = op.Keys[1]
		s.Controller = op.Keys[2]
		s.DelegatePayoutPermille = op.PayoutPermille
	}
	r.Stakers[id] = s

	if isNFT {
		if prevOwner, ok := r.NFTOwnerLookup[nftID]; ok {
			delete(r.NFTOwners, prevOwner)
		}
		r.NFTOwners[id] = nftID
		r.NFTOwnerLookup[nftID] = id
		s.NFTID = nftID
	} else {
		s.Alias = alias
		s.AliasLower = alias.Lower()
		r.Aliases[s.AliasLower] = AliasEntry{ID: id, Original: string(alias)}
	}

	return id, nil
}

func parseDecimal(s string) (uint64, error) {
	var v uint64
	for i := 0; i < len(s); i++ {
		v = v*10 + uint64(s[i]-'0')
	}
	return v, nil
}

// ApplySetKey replaces one of a staker's four role keys.
func (r *Registry) ApplySetKey(op *SetKeyOp) error {
	s, ok := r.Stakers[op.ID]
	if !ok {
		return wrap(KindInvariant, ErrNoSuchStaker, "id %d", op.ID)
	}
	if op.Key.IsZero() {
		return wrap(KindInvariant, ErrPubKeyMalformed, "zero key")
	}
	switch op.Role {
	case RoleOwner:
		s.Owner = op.Key
	case RoleManager:
		s.Manager = op.Key
	case RoleDelegate:
		if op.PayoutPermille == 0 || op.PayoutPermille > MaxDelegatePermille {
			return wrap(KindInvariant, ErrPayoutOutOfRange, "%d", op.PayoutPermille)
		}
		s.Delegate = op.Key
		s.DelegatePayoutPermille = op.PayoutPermille
	case RoleController:
		s.Controller = op.Key
	default:
		return wrap(KindMalformed, errBadOpcode, "role %d", op.Role)
	}
	return nil
}

// ApplySetState toggles a staker's Enabled/Disabled lifecycle bit (spec
// §4.5). Re-enabling a staker whose recent miss history would immediately
// disqualify it again is rejected.
func (r *Registry) ApplySetState(op *SetStateOp) error {
	s, ok := r.Stakers[op.ID]
	if !ok {
		return wrap(KindInvariant, ErrNoSuchStaker, "id %d", op.ID)
	}
	if s.Status == Terminated {
		return wrap(KindInvariant, ErrReenableIneligible, "id %d is terminated", op.ID)
	}
	if op.Enable {
		if s.ShouldBeDisqualified() {
			return wrap(KindInvariant, ErrReenableIneligible, "id %d still over the miss threshold", op.ID)
		}
		s.Status = Enabled
	} else {
		s.Status = Disabled
	}
	return nil
}

// ApplyClaim withdraws value from balances[key].
func (r *Registry) ApplyClaim(op *ClaimOp, blockTime uint64, mainnet bool) error {
	bal, ok := r.Balances[op.Key]
	if !ok {
		return wrap(KindInvariant, ErrUnknownBalanceKey, "%s", op.Key)
	}
	if op.Value > bal {
		return wrap(KindInvariant, ErrBalanceUnderflow, "claim %d > balance %d", op.Value, bal)
	}
	if mainnet {
		if last, ok := r.LastClaim[op.Key]; ok && blockTime < last+MinSecsPerClaim {
			return wrap(KindInvariant, ErrClaimTooSoon, "next claim at %d, now %d", last+MinSecsPerClaim, blockTime)
		}
	}
	r.Balances[op.Key] = bal - op.Value
	r.LastClaim[op.Key] = blockTime
	return nil
}

// ApplySetMeta writes a whitelisted metadata key/value pair.
func (r *Registry) ApplySetMeta(op *SetMetaOp) error {
	s, ok := r.Stakers[op.ID]
	if !ok {
		return wrap(KindInvariant, ErrNoSuchStaker, "id %d", op.ID)
	}
	if !MetaKeyWhitelist[op.Key] {
		return wrap(KindInvariant, ErrMetaKeyNotAllowed, "%q", op.Key)
	}
	if len(op.Key) > MaxMetaKeyLen || len(op.Value) > MaxMetaValueLen {
		return wrap(KindMalformed, ErrMetaValueInvalid, "key/value too long")
	}
	if s.Meta == nil {
		s.Meta = make(map[string]string)
	}
	s.Meta[op.Key] = op.Value
	return nil
}

// creditShare splits reward between owner and delegate by
// delegate_payout_permille.
func (r *Registry) creditShare(s *Staker, reward types.Amount) {
	if s.DelegatePayoutPermille == 0 || s.Delegate.IsZero() {
		r.Balances[s.Owner] += reward
		return
	}
	delegateShare := types.Amount(int64(reward) * int64(s.DelegatePayoutPermille) / 100_000)
	ownerShare := reward - delegateShare
	r.Balances[s.Owner] += ownerShare
	if delegateShare > 0 {
		r.Balances[s.Delegate] += delegateShare
	}
}

// StakerProducedBlock records a successful production by staker id and
// credits reward to its owner and delegate.
func (r *Registry) StakerProducedBlock(id uint32, reward types.Amount) error {
	s, ok := r.Stakers[id]
	if !ok {
		return wrap(KindFatal, ErrNoSuchStaker, "produced-block callback for unknown id %d", id)
	}
	w := weight(r.IDCounter, id, s.BlocksProduced, s.BlocksMissed)
	r.PowerRoundCurrent.Entries = append(r.PowerRoundCurrent.Entries, PowerEntry{StakerID: id, Weight: w, Produced: true})

	r.creditShare(s, reward)

	s.BlocksProduced++
	s.RecentBlocksBitset = (s.RecentBlocksBitset << 1) | 1
	s.BlocksMissedThisRound = 0

	r.CurrentBlockWasProduced = true
	r.PrevBlockWasProduced = true

	if s.ShouldBeDisqualified() {
		s.Status = Terminated
	}
	return nil
}

// StakerMissedBlock records a missed slot.
func (r *Registry) StakerMissedBlock(id uint32) error {
	s, ok := r.Stakers[id]
	if !ok {
		return wrap(KindFatal, ErrNoSuchStaker, "missed-block callback for unknown id %d", id)
	}
	w := weight(r.IDCounter, id, s.BlocksProduced, s.BlocksMissed)
	r.PowerRoundCurrent.Entries = append(r.PowerRoundCurrent.Entries, PowerEntry{StakerID: id, Weight: w, Produced: false})

	s.BlocksMissed++
	s.BlocksMissedThisRound++
	s.RecentBlocksBitset = s.RecentBlocksBitset << 1

	r.PrevBlockWasProduced = false

	if s.ShouldBeDisqualified() {
		s.Status = Terminated
	}
	return nil
}

// dockAndPurgeInactive docks one money_supply/DOCK_INACTIVE_FRACTION unit
// from every positive balance, then purges any balance that falls to (or
// starts at) zero, tracking the docked total in DustReclaimed. Whether a
// key claimed during the round is not considered: every balance is docked.
func (r *Registry) dockAndPurgeInactive(moneySupply uint64) {
	dock := types.Amount(moneySupply / DockInactiveFraction)
	if dock <= 0 {
		return
	}
	for key, bal := range r.Balances {
		if bal <= 0 {
			continue
		}
		taken := dock
		if taken > bal {
			taken = bal
		}
		r.Balances[key] = bal - taken
		r.DustReclaimed += taken
	}
	for key, bal := range r.Balances {
		if bal <= 0 {
			delete(r.Balances, key)
			delete(r.LastClaim, key)
		}
	}
}

// buildNextQueue collects every Enabled staker, archives the current power
// round, rotates the recent-hash window, and constructs the next Queue
//.
func (r *Registry) buildNextQueue(ctx BlockCtx) error {
	ids := r.enabledIDsSorted()
	if len(ids) == 0 {
		return wrap(KindFatal, ErrSnapshotMismatch, "no enabled stakers, cannot build queue")
	}

	prevEnd := uint64(0)
	if r.Queue != nil {
		prevEnd = r.Queue.End()
	}
	q, err := NewQueue(r.Round+1, ctx.Time, prevEnd, r.BlockHash, ids, ctx.Testnet)
	if err != nil {
		return wrap(KindFatal, ErrSnapshotMismatch, "%v", err)
	}

	r.Round++
	r.QueuePrev = r.Queue
	r.Queue = q

	r.PowerRoundPrev = r.PowerRoundCurrent
	r.PowerRoundCurrent = &PowerRound{}

	r.HashLastBlockPrev3Queue = r.HashLastBlockPrev2Queue
	r.HashLastBlockPrev2Queue = r.HashLastBlockPrev1Queue
	r.HashLastBlockPrev1Queue = r.BlockHash
	return nil
}

// UpdateOnNewTime advances the queue's slot cursor to `now`, charging a
// miss to every slot whose window has closed without a production,
// rebuilding the queue when it is exhausted, and finally updating the
// replay-mode flag from the resulting picopower.
func (r *Registry) UpdateOnNewTime(ctx BlockCtx) error {
	if r.Queue == nil {
		return buildFirstQueueErr
	}
	for !r.Queue.Exhausted() && r.Queue.Slots[r.Queue.CurrentSlot].End < ctx.Time {
		if !r.CurrentBlockWasProduced {
			if err := r.StakerMissedBlock(r.Queue.CurrentID()); err != nil {
				return err
			}
		}
		r.CurrentBlockWasProduced = false
		if !r.Queue.IncrementSlot() {
			break
		}
	}

	if r.Queue.Exhausted() {
		for _, s := range r.Stakers {
			if s.Status == Enabled && s.ShouldBeDisqualified() {
				s.Status = Terminated
			}
		}
		r.dockAndPurgeInactive(ctx.MoneySupply)
		if err := r.buildNextQueue(ctx); err != nil {
			return err
		}
	}

	if r.Picopower() >= MinPicoPower {
		r.ReplayMode = false
	} else {
		r.ReplayMode = true
	}
	return nil
}

var buildFirstQueueErr = wrap(KindFatal, ErrSnapshotMismatch, "update_on_new_time called before the first queue was built")
