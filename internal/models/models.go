package models

import "time"

// Category classifies what kind of value an opportunity delivers.
type Category string

const (
	CategoryDiscovery   Category = "discovery"
	CategoryConvenience Category = "convenience"
	CategoryBundle      Category = "bundle"
	CategoryExperience  Category = "experience"
)

// Categories lists every valid category value.
var Categories = []Category{CategoryDiscovery, CategoryConvenience, CategoryBundle, CategoryExperience}

// FrequencyTier controls how many opportunities a user is willing to see.
type FrequencyTier string

const (
	TierAll        FrequencyTier = "all"
	TierOccasional FrequencyTier = "occasional"
	TierMinimal    FrequencyTier = "minimal"
)

// SessionCap returns the maximum number of distinct opportunities a session
// may be shown under this tier.
func (t FrequencyTier) SessionCap() int {
	switch t {
	case TierOccasional:
		return 5
	case TierMinimal:
		return 2
	default:
		return 10
	}
}

// TriggerRule holds the contextual conditions under which an opportunity
// becomes eligible. Nil bounds and empty sets mean "no constraint".
type TriggerRule struct {
	MinRemainingMinutes *int           `json:"min_remaining_minutes,omitempty"`
	MaxRemainingMinutes *int           `json:"max_remaining_minutes,omitempty"`
	Weekdays            []time.Weekday `json:"weekdays,omitempty"`          // empty = any day
	StartTimeOfDay      string         `json:"start_time_of_day,omitempty"` // "HH:MM", inclusive
	EndTimeOfDay        string         `json:"end_time_of_day,omitempty"`   // "HH:MM", exclusive
}

// ValueBundle describes what the user gets when redeeming an opportunity.
// At least one field is expected to carry genuine value; that floor is
// enforced on the partner-management side, not re-validated here.
type ValueBundle struct {
	DiscountPercent float64  `json:"discount_percent,omitempty"`
	FixedValueCents int64    `json:"fixed_value_cents,omitempty"`
	BonusMinutes    int      `json:"bonus_minutes,omitempty"`
	Perks           []string `json:"perks,omitempty"`
}

// Opportunity is a partner-issued, time/location/value-bound offer.
type Opportunity struct {
	ID                  string      `json:"id"`         // uuid
	PartnerID           string      `json:"partner_id"` // uuid, read-only back-reference
	Title               string      `json:"title"`
	Description         string      `json:"description,omitempty"`
	Category            Category    `json:"category"`
	Trigger             TriggerRule `json:"trigger"`
	ValidFrom           time.Time   `json:"valid_from"`
	ValidUntil          time.Time   `json:"valid_until"`
	TotalCapacity       *int        `json:"total_capacity,omitempty"` // nil = unlimited
	UsedCapacity        int         `json:"used_capacity"`
	Latitude            float64     `json:"latitude"`
	Longitude           float64     `json:"longitude"`
	MaxWalkingDistanceM float64     `json:"max_walking_distance_m"`
	PriorityWeight      int         `json:"priority_weight"`
	Value               ValueBundle `json:"value"`
	Active              bool        `json:"active"`
	Approved            bool        `json:"approved"`
}

// RemainingCapacity returns the unclaimed units, or nil when unlimited.
func (o Opportunity) RemainingCapacity() *int {
	if o.TotalCapacity == nil {
		return nil
	}
	r := *o.TotalCapacity - o.UsedCapacity
	if r < 0 {
		r = 0
	}
	return &r
}

// Session is the reservation-like session the discovery context derives from.
type Session struct {
	ID        string    `json:"id"` // uuid
	UserID    string    `json:"user_id,omitempty"`
	SpaceID   string    `json:"space_id,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	StartsAt  time.Time `json:"starts_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionContext is the immutable evaluation context built once per
// discovery or acceptance call. It is never persisted.
type SessionContext struct {
	SessionID        string
	UserID           string // empty for anonymous sessions
	SpaceID          string
	RemainingMinutes float64
	Latitude         float64
	Longitude        float64
	Weekday          time.Weekday
	MinuteOfDay      int // minutes since midnight in the evaluation timestamp's location
	Now              time.Time
}

// Anonymous reports whether the context has no user attached.
func (c SessionContext) Anonymous() bool { return c.UserID == "" }

// UserPreferences holds a user's opportunity display settings.
type UserPreferences struct {
	UserID              string        `json:"user_id"`
	Enabled             bool          `json:"enabled"`
	FrequencyTier       FrequencyTier `json:"frequency_tier"`
	QuietStart          string        `json:"quiet_start,omitempty"` // "HH:MM"
	QuietEnd            string        `json:"quiet_end,omitempty"`   // "HH:MM"
	BlockedCategories   []string      `json:"blocked_categories,omitempty"`
	BlockedPartners     []string      `json:"blocked_partners,omitempty"`
	MaxWalkingDistanceM float64       `json:"max_walking_distance_m"`
	ImpressionCap       *int          `json:"impression_cap,omitempty"` // overrides tier cap when set
}

// DefaultPreferences are applied to users without a stored record and to
// anonymous sessions.
func DefaultPreferences(userID string) UserPreferences {
	return UserPreferences{
		UserID:              userID,
		Enabled:             true,
		FrequencyTier:       TierAll,
		MaxWalkingDistanceM: 1500,
	}
}

// SessionCap resolves the per-session impression cap, preferring the
// explicit override over the tier default.
func (p UserPreferences) SessionCap() int {
	if p.ImpressionCap != nil {
		return *p.ImpressionCap
	}
	return p.FrequencyTier.SessionCap()
}

// Interaction is the current state of one (user, opportunity) pairing.
type Interaction struct {
	UserID             string     `json:"user_id"`
	OpportunityID      string     `json:"opportunity_id"`
	State              string     `json:"state"`
	SessionID          string     `json:"session_id,omitempty"`
	ClaimToken         string     `json:"claim_token,omitempty"`
	RemainingMinutes   float64    `json:"remaining_minutes_at_impression"`
	DistanceMeters     float64    `json:"distance_m_at_impression"`
	DismissReason      string     `json:"dismiss_reason,omitempty"`
	ValueClaimedCents  int64      `json:"value_claimed_cents"`
	ValueRedeemedCents int64      `json:"value_redeemed_cents"`
	ImpressedAt        time.Time  `json:"impressed_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	DismissedAt        *time.Time `json:"dismissed_at,omitempty"`
}

// InteractionEvent is one entry of an interaction's transition history.
type InteractionEvent struct {
	UserID        string    `json:"user_id"`
	OpportunityID string    `json:"opportunity_id"`
	SessionID     string    `json:"session_id,omitempty"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// ScoreBreakdown carries the five sub-scores behind a composite score.
type ScoreBreakdown struct {
	Temporal float64 `json:"temporal"` // 0-30
	Spatial  float64 `json:"spatial"`  // 0-25
	Value    float64 `json:"value"`    // 0-20
	Urgency  float64 `json:"urgency"`  // 0-15
	Affinity float64 `json:"affinity"` // 0-10
	Total    float64 `json:"total"`    // 0-100
}

// ScoredOpportunity is one ranked discovery result.
type ScoredOpportunity struct {
	Opportunity       Opportunity    `json:"opportunity"`
	Score             ScoreBreakdown `json:"score"`
	DistanceMeters    float64        `json:"distance_m"`
	RemainingCapacity *int           `json:"remaining_capacity,omitempty"` // nil = unlimited
}

// DiscoverResponse is the payload of a discovery call.
type DiscoverResponse struct {
	SessionID     string              `json:"session_id"`
	UserID        string              `json:"user_id,omitempty"`
	EvaluatedAt   time.Time           `json:"evaluated_at"`
	Opportunities []ScoredOpportunity `json:"opportunities"`
}

// InteractionRequest is the body of view/dismiss calls.
type InteractionRequest struct {
	UserID        string `json:"user_id"`
	OpportunityID string `json:"opportunity_id"`
	Reason        string `json:"reason,omitempty"`
}

// AcceptRequest is the body of an acceptance call.
type AcceptRequest struct {
	UserID        string `json:"user_id"`
	OpportunityID string `json:"opportunity_id"`
	SessionID     string `json:"session_id"`
}

// AcceptResponse is returned on a successful acceptance.
type AcceptResponse struct {
	ClaimToken       string     `json:"claim_token"`
	Instructions     string     `json:"instructions"`
	NewSessionExpiry *time.Time `json:"new_session_expiry,omitempty"`
}

// CompleteRequest is the body of a redemption call.
type CompleteRequest struct {
	RedeemedValueCents int64 `json:"redeemed_value_cents"`
}

// Receipt acknowledges a completed redemption. Completing the same token
// twice returns the identical receipt.
type Receipt struct {
	ClaimToken         string    `json:"claim_token"`
	UserID             string    `json:"user_id"`
	OpportunityID      string    `json:"opportunity_id"`
	RedeemedValueCents int64     `json:"redeemed_value_cents"`
	CompletedAt        time.Time `json:"completed_at"`
	AlreadyCompleted   bool      `json:"already_completed"`
}

// HistoryResponse is the ordered interaction log for a user.
type HistoryResponse struct {
	UserID       string        `json:"user_id"`
	Interactions []Interaction `json:"interactions"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
