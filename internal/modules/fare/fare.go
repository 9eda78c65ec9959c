// README: Fare engine computes the shared-ride discount curve and the earnings split.
package fare

import "waypool/internal/config"

// Engine is a pure calculator; all policy comes from config at construction.
type Engine struct {
	perPassengerPct float64
	maxPct          float64
	driverSharePct  float64
}

func NewEngine(cfg config.FareConfig) Engine {
	return Engine{
		perPassengerPct: cfg.PerPassengerPct,
		maxPct:          cfg.MaxPct,
		driverSharePct:  cfg.DriverSharePct,
	}
}

// DiscountPercent returns the discount tier for a ride carrying n passengers.
// A lone passenger pays full fare; each additional passenger adds
// perPassengerPct, capped at maxPct.
func (e Engine) DiscountPercent(n int) float64 {
	if n <= 1 {
		return 0
	}
	pct := e.perPassengerPct * float64(n-1)
	if pct > e.maxPct {
		pct = e.maxPct
	}
	return pct
}

// SharedFare returns the fare one passenger pays at the n-passenger tier.
func (e Engine) SharedFare(baseFare float64, n int) float64 {
	return baseFare * (1 - e.DiscountPercent(n)/100)
}

// Split divides a collected fare between driver and platform. The platform
// fee is derived by subtraction so the two components always sum to the
// total exactly.
func (e Engine) Split(totalFare float64) (driverEarnings, platformFee float64) {
	driverEarnings = totalFare * e.driverSharePct / 100
	platformFee = totalFare - driverEarnings
	return driverEarnings, platformFee
}
