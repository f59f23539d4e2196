package scoring

import (
	"strconv"
	"strings"
	"time"

	"opportunity-engine/internal/geo"
	"opportunity-engine/internal/interaction"
	"opportunity-engine/internal/models"
)

// History is the read-only projection of a user's interaction data that
// the filter and scorer consume. Anonymous contexts use a zero History.
type History struct {
	// Interactions maps opportunity ID to the current interaction row.
	Interactions map[string]models.Interaction
	// SessionImpressions counts distinct opportunities already impressed
	// during the current session.
	SessionImpressions int
	// ImpressedThisSession marks opportunities already shown in the
	// current session; re-showing them does not consume a cap slot.
	ImpressedThisSession map[string]bool
}

// ContextBlocked reports whether the whole context is suppressed: the
// user disabled opportunities or the evaluation time falls inside quiet
// hours. Callers return an empty result set, not an error.
func ContextBlocked(ctx models.SessionContext, prefs models.UserPreferences) bool {
	if !prefs.Enabled {
		return true
	}
	return inWindow(prefs.QuietStart, prefs.QuietEnd, ctx.MinuteOfDay)
}

// Eligible applies every hard constraint to one candidate. The returned
// reason names the first failing check, for discovery logging.
func Eligible(opp models.Opportunity, ctx models.SessionContext, prefs models.UserPreferences, hist History) (bool, string) {
	if !opp.Active || !opp.Approved {
		return false, "inactive"
	}
	if ctx.Now.Before(opp.ValidFrom) || ctx.Now.After(opp.ValidUntil) {
		return false, "outside validity window"
	}
	if opp.TotalCapacity != nil && opp.UsedCapacity >= *opp.TotalCapacity {
		return false, "capacity exhausted"
	}
	if !weekdayAllowed(opp.Trigger.Weekdays, ctx.Weekday) {
		return false, "day of week not allowed"
	}
	if opp.Trigger.StartTimeOfDay != "" || opp.Trigger.EndTimeOfDay != "" {
		if !inWindow(opp.Trigger.StartTimeOfDay, opp.Trigger.EndTimeOfDay, ctx.MinuteOfDay) {
			return false, "outside time-of-day window"
		}
	}
	if opp.Trigger.MinRemainingMinutes != nil && ctx.RemainingMinutes < float64(*opp.Trigger.MinRemainingMinutes) {
		return false, "too little session time remaining"
	}
	if opp.Trigger.MaxRemainingMinutes != nil && ctx.RemainingMinutes > float64(*opp.Trigger.MaxRemainingMinutes) {
		return false, "too much session time remaining"
	}

	dist := geo.Distance(ctx.Latitude, ctx.Longitude, opp.Latitude, opp.Longitude)
	if dist > EffectiveWalkingCap(opp, prefs) {
		return false, "beyond walking distance"
	}

	for _, p := range prefs.BlockedPartners {
		if p == opp.PartnerID {
			return false, "partner blocked"
		}
	}
	for _, c := range prefs.BlockedCategories {
		if c == string(opp.Category) {
			return false, "category blocked"
		}
	}

	if prior, ok := hist.Interactions[opp.ID]; ok {
		if prior.State == string(interaction.StateDismissed) && prior.DismissedAt != nil &&
			ctx.Now.Sub(*prior.DismissedAt) < interaction.DismissalCooldown {
			return false, "dismissed within cooldown"
		}
	}

	if hist.SessionImpressions >= prefs.SessionCap() && !hist.ImpressedThisSession[opp.ID] {
		return false, "session impression cap reached"
	}

	return true, ""
}

// EffectiveWalkingCap is the tighter of the opportunity's geofence and
// the user's own walking limit.
func EffectiveWalkingCap(opp models.Opportunity, prefs models.UserPreferences) float64 {
	cap := opp.MaxWalkingDistanceM
	if prefs.MaxWalkingDistanceM > 0 && prefs.MaxWalkingDistanceM < cap {
		cap = prefs.MaxWalkingDistanceM
	}
	return cap
}

func weekdayAllowed(allowed []time.Weekday, day time.Weekday) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, d := range allowed {
		if d == day {
			return true
		}
	}
	return false
}

// inWindow checks a [start, end) "HH:MM" window against a minute-of-day.
// An absent or unparseable window matches nothing for quiet hours and
// everything for triggers, so the convention here is: both fields empty
// means no window. Windows may wrap midnight (e.g. 22:00-06:00).
func inWindow(start, end string, minuteOfDay int) bool {
	if start == "" && end == "" {
		return false
	}
	s, okS := parseHHMM(start)
	e, okE := parseHHMM(end)
	if !okS || !okE {
		return false
	}
	if s <= e {
		return minuteOfDay >= s && minuteOfDay < e
	}
	// wraps midnight
	return minuteOfDay >= s || minuteOfDay < e
}

func parseHHMM(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
