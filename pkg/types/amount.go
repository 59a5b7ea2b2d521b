package types

import "fmt"

// MaxMoney bounds any single Amount (consensus-wide upper bound on the
// largest value that can appear in an output, balance, or reward).
const MaxMoney int64 = 1_000_000_000 * 1_000_000 // 1e9 coins * 1e6 base units/coin

// Amount is a signed quantity of base units. Signed so intermediate
// accounting (e.g. fee = in - out) can be checked for going negative
// before being coerced into a balance.
type Amount int64

// Valid reports whether the amount is in the legal range 0 <= v <= MaxMoney.
func (a Amount) Valid() bool {
	return a >= 0 && int64(a) <= MaxMoney
}

// String renders the amount in base units.
func (a Amount) String() string {
	return fmt.Sprintf("%d", int64(a))
}
