package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"

	"opportunity-engine/internal/models"
)

var (
	uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	hhmmRegex = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func ValidateOpportunity(opp models.Opportunity) error {
	if err := ValidateUUID(opp.ID, "id"); err != nil {
		return err
	}

	if err := ValidateUUID(opp.PartnerID, "partner_id"); err != nil {
		return err
	}

	if strings.TrimSpace(opp.Title) == "" {
		return &ValidationError{Field: "title", Message: "is required"}
	}

	if err := validateCategory(opp.Category); err != nil {
		return err
	}

	if err := validateTrigger(opp.Trigger); err != nil {
		return err
	}

	if opp.ValidFrom.IsZero() {
		return &ValidationError{Field: "valid_from", Message: "is required"}
	}

	if opp.ValidUntil.IsZero() {
		return &ValidationError{Field: "valid_until", Message: "is required"}
	}

	if !opp.ValidFrom.Before(opp.ValidUntil) {
		return &ValidationError{Field: "valid_from", Message: "must be before valid_until"}
	}

	if opp.TotalCapacity != nil && *opp.TotalCapacity < 0 {
		return &ValidationError{Field: "total_capacity", Message: "must be non-negative"}
	}

	if opp.UsedCapacity < 0 {
		return &ValidationError{Field: "used_capacity", Message: "must be non-negative"}
	}

	if opp.TotalCapacity != nil && opp.UsedCapacity > *opp.TotalCapacity {
		return &ValidationError{Field: "used_capacity", Message: "cannot exceed total_capacity"}
	}

	if err := ValidateCoordinates(opp.Latitude, opp.Longitude); err != nil {
		return err
	}

	if opp.MaxWalkingDistanceM <= 0 {
		return &ValidationError{Field: "max_walking_distance_m", Message: "must be positive"}
	}

	if opp.MaxWalkingDistanceM > 50_000 {
		return &ValidationError{Field: "max_walking_distance_m", Message: "cannot exceed 50 km"}
	}

	if err := validateValue(opp.Value); err != nil {
		return err
	}

	return nil
}

func validateTrigger(trigger models.TriggerRule) error {
	if trigger.MinRemainingMinutes != nil && *trigger.MinRemainingMinutes < 0 {
		return &ValidationError{Field: "trigger.min_remaining_minutes", Message: "must be non-negative"}
	}

	if trigger.MaxRemainingMinutes != nil && *trigger.MaxRemainingMinutes < 0 {
		return &ValidationError{Field: "trigger.max_remaining_minutes", Message: "must be non-negative"}
	}

	if trigger.MinRemainingMinutes != nil && trigger.MaxRemainingMinutes != nil &&
		*trigger.MinRemainingMinutes > *trigger.MaxRemainingMinutes {
		return &ValidationError{Field: "trigger.min_remaining_minutes", Message: "must not exceed max_remaining_minutes"}
	}

	for i, day := range trigger.Weekdays {
		if day < time.Sunday || day > time.Saturday {
			return &ValidationError{
				Field:   fmt.Sprintf("trigger.weekdays[%d]", i),
				Message: "must be a valid weekday",
			}
		}
	}

	if (trigger.StartTimeOfDay == "") != (trigger.EndTimeOfDay == "") {
		return &ValidationError{Field: "trigger.start_time_of_day", Message: "start and end must be set together"}
	}

	if trigger.StartTimeOfDay != "" {
		if err := ValidateHHMM(trigger.StartTimeOfDay, "trigger.start_time_of_day"); err != nil {
			return err
		}
		if err := ValidateHHMM(trigger.EndTimeOfDay, "trigger.end_time_of_day"); err != nil {
			return err
		}
	}

	return nil
}

func validateValue(v models.ValueBundle) error {
	if v.DiscountPercent < 0 || v.DiscountPercent > 100 {
		return &ValidationError{Field: "value.discount_percent", Message: "must be between 0 and 100"}
	}

	if v.FixedValueCents < 0 {
		return &ValidationError{Field: "value.fixed_value_cents", Message: "must be non-negative"}
	}

	if v.BonusMinutes < 0 {
		return &ValidationError{Field: "value.bonus_minutes", Message: "must be non-negative"}
	}

	if len(v.Perks) > 20 {
		return &ValidationError{Field: "value.perks", Message: "cannot contain more than 20 perks"}
	}

	for i, perk := range v.Perks {
		if strings.TrimSpace(perk) == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("value.perks[%d]", i),
				Message: "must not be blank",
			}
		}
	}

	return nil
}

func ValidateSession(sess models.Session) error {
	if err := ValidateUUID(sess.ID, "id"); err != nil {
		return err
	}

	if sess.UserID != "" {
		if err := ValidateUUID(sess.UserID, "user_id"); err != nil {
			return err
		}
	}

	if err := ValidateCoordinates(sess.Latitude, sess.Longitude); err != nil {
		return err
	}

	if sess.StartsAt.IsZero() {
		return &ValidationError{Field: "starts_at", Message: "is required"}
	}

	if sess.ExpiresAt.IsZero() {
		return &ValidationError{Field: "expires_at", Message: "is required"}
	}

	if !sess.StartsAt.Before(sess.ExpiresAt) {
		return &ValidationError{Field: "starts_at", Message: "must be before expires_at"}
	}

	return nil
}

func ValidatePreferences(prefs models.UserPreferences) error {
	if err := ValidateUUID(prefs.UserID, "user_id"); err != nil {
		return err
	}

	switch prefs.FrequencyTier {
	case models.TierAll, models.TierOccasional, models.TierMinimal:
	default:
		return &ValidationError{Field: "frequency_tier", Message: "must be one of all, occasional, minimal"}
	}

	if (prefs.QuietStart == "") != (prefs.QuietEnd == "") {
		return &ValidationError{Field: "quiet_start", Message: "quiet_start and quiet_end must be set together"}
	}

	if prefs.QuietStart != "" {
		if err := ValidateHHMM(prefs.QuietStart, "quiet_start"); err != nil {
			return err
		}
		if err := ValidateHHMM(prefs.QuietEnd, "quiet_end"); err != nil {
			return err
		}
	}

	for i, c := range prefs.BlockedCategories {
		if err := validateCategory(models.Category(c)); err != nil {
			return &ValidationError{
				Field:   fmt.Sprintf("blocked_categories[%d]", i),
				Message: err.Error(),
			}
		}
	}

	for i, p := range prefs.BlockedPartners {
		if err := ValidateUUID(p, fmt.Sprintf("blocked_partners[%d]", i)); err != nil {
			return err
		}
	}

	if prefs.MaxWalkingDistanceM <= 0 {
		return &ValidationError{Field: "max_walking_distance_m", Message: "must be positive"}
	}

	if prefs.ImpressionCap != nil && *prefs.ImpressionCap < 0 {
		return &ValidationError{Field: "impression_cap", Message: "must be non-negative"}
	}

	return nil
}

func validateCategory(c models.Category) error {
	for _, valid := range models.Categories {
		if c == valid {
			return nil
		}
	}
	return &ValidationError{Field: "category", Message: "must be one of discovery, convenience, bundle, experience"}
}

// ValidateCoordinates rejects out-of-range and non-finite coordinates.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return &ValidationError{Field: "latitude", Message: "must be a finite value between -90 and 90"}
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return &ValidationError{Field: "longitude", Message: "must be a finite value between -180 and 180"}
	}
	return nil
}

// ValidateHHMM checks a 24-hour "HH:MM" time-of-day string.
func ValidateHHMM(s, fieldName string) error {
	if !hhmmRegex.MatchString(s) {
		return &ValidationError{Field: fieldName, Message: "must be a HH:MM time"}
	}
	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID v4",
		}
	}

	return nil
}

func ValidateTimeString(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "is required",
		}
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "must be a valid RFC3339 timestamp",
		}
	}

	return t, nil
}
