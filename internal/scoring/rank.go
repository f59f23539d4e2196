package scoring

import (
	"sort"

	"opportunity-engine/internal/models"
)

// Rank orders scored opportunities best-first and truncates to the
// per-session result cap. Ties on total score break by higher capacity
// urgency, then higher base priority weight, then earlier valid_from so
// older offers surface before newer duplicates.
func Rank(results []models.ScoredOpportunity, cap int) []models.ScoredOpportunity {
	ranked := make([]models.ScoredOpportunity, len(results))
	copy(ranked, results)

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score.Total != b.Score.Total {
			return a.Score.Total > b.Score.Total
		}
		if a.Score.Urgency != b.Score.Urgency {
			return a.Score.Urgency > b.Score.Urgency
		}
		if a.Opportunity.PriorityWeight != b.Opportunity.PriorityWeight {
			return a.Opportunity.PriorityWeight > b.Opportunity.PriorityWeight
		}
		return a.Opportunity.ValidFrom.Before(b.Opportunity.ValidFrom)
	})

	if cap > 0 && len(ranked) > cap {
		ranked = ranked[:cap]
	}
	return ranked
}
