// Package scoring implements the pure read-path pipeline: context
// building, eligibility filtering, relevance scoring and ranking.
// Nothing in this package touches storage; callers feed it snapshots.
package scoring

import (
	"time"

	"opportunity-engine/internal/models"
)

// BuildContext assembles the immutable evaluation context for a session.
// An already-expired session still yields a context (remaining = 0) so
// history reads keep working; temporal scoring handles the zero itself.
func BuildContext(sess models.Session, userID string, now time.Time) models.SessionContext {
	remaining := sess.ExpiresAt.Sub(now).Minutes()
	if remaining < 0 {
		remaining = 0
	}

	return models.SessionContext{
		SessionID:        sess.ID,
		UserID:           userID,
		SpaceID:          sess.SpaceID,
		RemainingMinutes: remaining,
		Latitude:         sess.Latitude,
		Longitude:        sess.Longitude,
		Weekday:          now.Weekday(),
		MinuteOfDay:      now.Hour()*60 + now.Minute(),
		Now:              now,
	}
}
