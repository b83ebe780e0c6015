package core

import "github.com/shopspring/decimal"

var (
	// PowerDivisor is the contribution amount that buys one unit of voting power.
	PowerDivisor = decimal.NewFromInt(50)
	// PowerCap bounds the power of any single backer.
	PowerCap = decimal.NewFromInt(5)
)

// Power returns min(total/PowerDivisor, PowerCap). Negative totals count as zero.
func Power(total decimal.Decimal) decimal.Decimal {
	if !total.IsPositive() {
		return decimal.Zero
	}
	p := total.Div(PowerDivisor)
	if p.GreaterThan(PowerCap) {
		return PowerCap
	}
	return p
}

// tallyWeight is the integer amount a vote adds to the tally.
func tallyWeight(weight decimal.Decimal) int64 {
	return weight.Floor().IntPart()
}
