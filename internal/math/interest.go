package math

// SecondsPerYear is the compounding year used to derive per-second rates.
const SecondsPerYear = 365 * 24 * 3600

// InterestPerSecond converts a whole-percent annual rate into the rate
// applied every second.
func InterestPerSecond(annualPct uint64) Perquintill {
	return PerquintillFromPercent(annualPct).DivInt(SecondsPerYear)
}

// CompoundFactor returns (1 + ratePerSec)^elapsed.
func CompoundFactor(ratePerSec Perquintill, elapsed uint64) (Rate, bool) {
	base, ok := RateOne().CheckedAdd(RateFromPerquintill(ratePerSec))
	if !ok {
		return Rate{}, false
	}
	return base.CheckedPow(elapsed)
}

// Accrue applies elapsed seconds of compounding to debt.
func Accrue(debt Balance, ratePerSec Perquintill, elapsed uint64) (Balance, bool) {
	if debt.IsZero() || ratePerSec.IsZero() || elapsed == 0 {
		return debt, true
	}
	factor, ok := CompoundFactor(ratePerSec, elapsed)
	if !ok {
		return Balance{}, false
	}
	return factor.CheckedMulInt(debt)
}
