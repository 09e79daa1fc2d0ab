// README: Money helpers shared by fare and ledger code.
package types

import "math"

// Currency is the single settlement currency for fares and driver ledgers.
const Currency = "INR"

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
