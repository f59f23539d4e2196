package scoring

import (
	"opportunity-engine/internal/models"
)

// Sub-score caps. The composite score is their sum, range [0, 100].
const (
	maxTemporal = 30.0
	maxSpatial  = 25.0
	maxValue    = 20.0
	maxUrgency  = 15.0
	maxAffinity = 10.0
)

// defaultTriggerHorizonMin bounds the temporal-fit window when a trigger
// leaves its max side open; without a finite edge there is no center to
// decay from.
const defaultTriggerHorizonMin = 240

// RateStats counts accept/dismiss outcomes for one category or partner
// over the trailing affinity window.
type RateStats struct {
	Accepted  int
	Dismissed int
	// ReasonedDismissed counts dismissals that carried an explicit reason
	// code; each adds an extra unit of weight to the denominator.
	ReasonedDismissed int
}

// Rate returns the acceptance rate in [0, 1], or -1 with no history.
func (r RateStats) Rate() float64 {
	denom := r.Accepted + r.Dismissed + r.ReasonedDismissed
	if denom == 0 {
		return -1
	}
	return float64(r.Accepted) / float64(denom)
}

// AffinityStats is the per-user acceptance history projection consumed
// by the affinity sub-score. A zero value means cold start.
type AffinityStats struct {
	ByCategory map[models.Category]RateStats
	ByPartner  map[string]RateStats
}

// Score computes the composite relevance score for one eligible
// opportunity. It is deterministic and never errors: inputs that should
// already have been filtered out degrade to zero sub-scores instead.
func Score(opp models.Opportunity, ctx models.SessionContext, distanceM, walkingCapM float64, aff AffinityStats) models.ScoreBreakdown {
	b := models.ScoreBreakdown{
		Temporal: temporalFit(opp.Trigger, ctx.RemainingMinutes),
		Spatial:  spatialProximity(distanceM, walkingCapM),
		Value:    valueAlignment(opp.Value),
		Urgency:  capacityUrgency(opp),
		Affinity: affinityScore(opp, aff),
	}
	b.Total = b.Temporal + b.Spatial + b.Value + b.Urgency + b.Affinity
	return b
}

// temporalFit rewards remaining time that sits comfortably inside the
// trigger window: full score across the central half, linear decay to 0
// at the edges. Zero remaining or out-of-window remaining scores 0.
func temporalFit(trigger models.TriggerRule, remaining float64) float64 {
	if remaining <= 0 {
		return 0
	}

	lo := 0.0
	if trigger.MinRemainingMinutes != nil {
		lo = float64(*trigger.MinRemainingMinutes)
	}
	hi := lo + defaultTriggerHorizonMin
	if trigger.MaxRemainingMinutes != nil {
		hi = float64(*trigger.MaxRemainingMinutes)
	}
	if hi < lo {
		return 0
	}
	if remaining < lo || remaining > hi {
		return 0
	}
	if hi == lo {
		return maxTemporal
	}

	edge := (hi - lo) / 4
	switch {
	case remaining < lo+edge:
		return maxTemporal * (remaining - lo) / edge
	case remaining > hi-edge:
		return maxTemporal * (hi - remaining) / edge
	default:
		return maxTemporal
	}
}

// spatialProximity is 25·(1 − d/cap), clamped to [0, 25].
func spatialProximity(distanceM, capM float64) float64 {
	if capM <= 0 {
		if distanceM <= 0 {
			return maxSpatial
		}
		return 0
	}
	s := maxSpatial * (1 - distanceM/capM)
	if s < 0 {
		return 0
	}
	if s > maxSpatial {
		return maxSpatial
	}
	return s
}

// valueAlignment maps each present value field through its own monotonic
// sub-scale and sums them, capped at 20. A bare 20% discount alone lands
// at the cap; smaller bundles accumulate across fields.
func valueAlignment(v models.ValueBundle) float64 {
	s := capped(v.DiscountPercent, maxValue) + // 1 pt per percent
		capped(float64(v.FixedValueCents)/100*2, 12) + // 2 pts per dollar
		capped(float64(v.BonusMinutes)*0.5, 12) + // 0.5 pt per bonus minute
		capped(float64(len(v.Perks))*3, 9) // 3 pts per perk
	if s > maxValue {
		return maxValue
	}
	return s
}

// capacityUrgency scales with scarcity: 15·(used/total) for bounded
// capacity, 0 when unlimited.
func capacityUrgency(opp models.Opportunity) float64 {
	if opp.TotalCapacity == nil || *opp.TotalCapacity <= 0 {
		return 0
	}
	frac := float64(opp.UsedCapacity) / float64(*opp.TotalCapacity)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return maxUrgency * frac
}

// affinityScore blends the user's trailing acceptance rate for the
// opportunity's category and partner. Cold start (no history on either
// axis, or anonymous) is neutral: 0, never a penalty below 0.
func affinityScore(opp models.Opportunity, aff AffinityStats) float64 {
	var sum float64
	var n int

	if stats, ok := aff.ByCategory[opp.Category]; ok {
		if rate := stats.Rate(); rate >= 0 {
			sum += rate
			n++
		}
	}
	if stats, ok := aff.ByPartner[opp.PartnerID]; ok {
		if rate := stats.Rate(); rate >= 0 {
			sum += rate
			n++
		}
	}

	if n == 0 {
		return 0
	}
	return maxAffinity * sum / float64(n)
}

func capped(v, cap float64) float64 {
	if v < 0 {
		return 0
	}
	if v > cap {
		return cap
	}
	return v
}
