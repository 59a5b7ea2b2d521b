package qpos

// isqrt returns floor(sqrt(n)) via Newton's method, matching the integer
// square root original_source uses for the power-round weight formula. No
// ecosystem integer-math library in the retrieval pack covers this; it is
// a two-line primitive, consistent with the teacher never reaching for a
// math library either (see DESIGN.md).
func isqrt(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}

// seniorityFactor ranks older stakers higher: the staker with the smallest
// id (purchased first) gets the largest factor.
func seniorityFactor(idCounter, id uint32) uint64 {
	if id > idCounter+1 {
		return 0
	}
	return uint64(idCounter+1) - uint64(id)
}

// weight resolves open question with one explicit, frozen
// formula: weight = seniorityFactor * isqrt(netBlocks+1). netBlocks is
// clamped to 0 so a staker who has missed more than it has produced never
// contributes a negative/overflowing weight. See DESIGN.md for the
// monotonicity/overflow argument.
func weight(idCounter, id uint32, blocksProduced, blocksMissed uint64) uint64 {
	var net uint64
	if blocksProduced > blocksMissed {
		net = blocksProduced - blocksMissed
	}
	return seniorityFactor(idCounter, id) * isqrt(net+1)
}
