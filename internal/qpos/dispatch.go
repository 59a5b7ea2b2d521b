package qpos

// ApplyOp type-switches a parsed Op to its matching registry mutation (spec
// §4.7's op->handler table collapsed into one call site). It returns the
// newly allocated staker id for a PurchaseOp, or 0 for every other op.
func (r *Registry) ApplyOp(op Op, ctx BlockCtx) (uint32, error) {
	switch o := op.(type) {
	case *PurchaseOp:
		return r.ApplyPurchase(o, ctx)
	case *SetKeyOp:
		return 0, r.ApplySetKey(o)
	case *SetStateOp:
		return 0, r.ApplySetState(o)
	case *ClaimOp:
		return 0, r.ApplyClaim(o, ctx.Time, !ctx.Testnet)
	case *SetMetaOp:
		return 0, r.ApplySetMeta(o)
	default:
		return 0, wrap(KindMalformed, errBadOpcode, "unknown op type %T", op)
	}
}

// Bootstrap builds the very first queue from the stakers enabled so far, so
// that UpdateOnNewTime has a queue to advance. It is a no-op once a queue
// already exists (replay/restart safe).
func (r *Registry) Bootstrap(ctx BlockCtx) error {
	if r.Queue != nil {
		return nil
	}
	return r.buildNextQueue(ctx)
}
