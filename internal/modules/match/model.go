// README: Match candidate model and tunable discovery policy.
package match

import (
	"time"

	"waypool/internal/config"
	"waypool/internal/modules/pool"
	"waypool/internal/modules/routeplan"
	"waypool/internal/types"
)

// Candidate is an advisory suggestion to merge one pending request into an
// active pool ride. Candidates are produced, ranked, and discarded; they are
// never persisted or mutated. ExpiresAt is metadata for the consumer, expiry
// is checked by whoever reads the list.
type Candidate struct {
	RequestID         types.ID  `json:"request_id"`
	RiderID           types.ID  `json:"rider_id"`
	RiderName         string    `json:"rider_name"`
	Pickup            pool.Stop `json:"pickup"`
	Dropoff           pool.Stop `json:"dropoff"`
	OriginalPrice     float64   `json:"original_price"`
	RouteSimilarity   int       `json:"route_similarity"`
	PickupDistanceKm  float64   `json:"pickup_distance_km"`
	DetourDistanceKm  float64   `json:"detour_distance_km"`
	DetourDurationMin float64   `json:"detour_duration_min"`
	PotentialDiscount float64   `json:"potential_discount"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Tier is one row of the distance-tiered similarity threshold: pickups
// within MaxPickupKm of the driver must score at least MinSimilarity.
type Tier struct {
	MaxPickupKm   float64
	MinSimilarity int
}

// Policy holds the discovery tunables. Tiers must be sorted ascending by
// MaxPickupKm; the first row whose MaxPickupKm covers the pickup distance
// applies. Closer pickups tolerate lower similarity.
type Policy struct {
	PickupRadiusKm float64
	PendingLimit   int
	Timeout        time.Duration
	DetourGate     bool
	Tiers          []Tier
	Scoring        routeplan.Scoring
	Detour         routeplan.DetourPolicy
}

func DefaultPolicy() Policy {
	return Policy{
		PickupRadiusKm: 10,
		PendingLimit:   50,
		Timeout:        5 * time.Minute,
		DetourGate:     true,
		Tiers: []Tier{
			{MaxPickupKm: 2, MinSimilarity: 40},
			{MaxPickupKm: 5, MinSimilarity: 55},
			{MaxPickupKm: 10, MinSimilarity: 70},
		},
		Scoring: routeplan.DefaultScoring(),
		Detour:  routeplan.DefaultDetourPolicy(),
	}
}

// PolicyFromConfig scales the default tier table to the configured radius.
func PolicyFromConfig(cfg config.MatchConfig) Policy {
	p := DefaultPolicy()
	if cfg.PickupRadiusKm > 0 {
		p.PickupRadiusKm = cfg.PickupRadiusKm
		p.Tiers = []Tier{
			{MaxPickupKm: cfg.PickupRadiusKm * 0.2, MinSimilarity: 40},
			{MaxPickupKm: cfg.PickupRadiusKm * 0.5, MinSimilarity: 55},
			{MaxPickupKm: cfg.PickupRadiusKm, MinSimilarity: 70},
		}
	}
	if cfg.PendingLimit > 0 {
		p.PendingLimit = cfg.PendingLimit
	}
	if cfg.TimeoutMinutes > 0 {
		p.Timeout = time.Duration(cfg.TimeoutMinutes) * time.Minute
	}
	p.DetourGate = cfg.DetourGate
	if cfg.MaxDetourPercent > 0 {
		p.Detour.MaxPercent = cfg.MaxDetourPercent
	}
	if cfg.SmallDetourKm > 0 {
		p.Detour.SmallDetourKm = cfg.SmallDetourKm
	}
	if cfg.AvgSpeedKmh > 0 {
		p.Detour.AvgSpeedKmh = cfg.AvgSpeedKmh
	}
	return p
}

// minSimilarityFor resolves the tier that covers a pickup distance. A
// distance beyond the last tier keeps the strictest threshold.
func (p Policy) minSimilarityFor(pickupKm float64) int {
	for _, t := range p.Tiers {
		if pickupKm <= t.MaxPickupKm {
			return t.MinSimilarity
		}
	}
	if len(p.Tiers) == 0 {
		return 0
	}
	return p.Tiers[len(p.Tiers)-1].MinSimilarity
}
