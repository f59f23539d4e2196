package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"opportunity-engine/internal/interaction"
	"opportunity-engine/internal/models"
	"opportunity-engine/internal/scoring"
)

const interactionColumns = `user_id, opportunity_id, state, session_id, claim_token,
	remaining_min, distance_m, dismiss_reason, value_claimed_cents, value_redeemed_cents,
	impressed_at, updated_at, accepted_at, completed_at, dismissed_at`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// GetInteraction fetches the current interaction row for a pairing. The
// second return value reports whether the row exists.
func (db *DB) GetInteraction(ctx context.Context, userID, opportunityID string) (models.Interaction, bool, error) {
	return getInteraction(ctx, db.conn, userID, opportunityID)
}

func getInteraction(ctx context.Context, q querier, userID, opportunityID string) (models.Interaction, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE user_id = ? AND opportunity_id = ?`,
		userID, opportunityID)

	inter, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Interaction{}, false, nil
	}
	if err != nil {
		return models.Interaction{}, false, fmt.Errorf("failed to get interaction: %w", err)
	}
	return inter, true, nil
}

// ListUserInteractions returns the user's interaction rows keyed by
// opportunity ID, the projection the eligibility filter consumes.
func (db *DB) ListUserInteractions(ctx context.Context, userID string) (map[string]models.Interaction, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	result := make(map[string]models.Interaction)
	for rows.Next() {
		inter, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		result[inter.OpportunityID] = inter
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating interactions: %w", err)
	}
	return result, nil
}

// ListHistory returns a user's interactions, most recently updated first.
func (db *DB) ListHistory(ctx context.Context, userID string) ([]models.Interaction, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE user_id = ? ORDER BY updated_at DESC, opportunity_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []models.Interaction
	for rows.Next() {
		inter, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		history = append(history, inter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return history, nil
}

// RecordImpression upserts the impressed state for a pairing. A repeat
// impression refreshes the context snapshot and timestamp but never
// regresses state; every impression is logged for frequency accounting.
func (db *DB) RecordImpression(ctx context.Context, userID, opportunityID, sessionID string, remainingMin, distanceM float64, at time.Time) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, exists, err := getInteraction(ctx, tx, userID, opportunityID)
	if err != nil {
		return err
	}

	if !exists {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO interactions (user_id, opportunity_id, state, session_id, remaining_min, distance_m, impressed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, opportunityID, string(interaction.StateImpressed), sessionID,
			remainingMin, distanceM, formatTime(at), formatTime(at))
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE interactions SET session_id = ?, remaining_min = ?, distance_m = ?, updated_at = ?
			WHERE user_id = ? AND opportunity_id = ?`,
			sessionID, remainingMin, distanceM, formatTime(at), userID, opportunityID)
	}
	if err != nil {
		return fmt.Errorf("failed to record impression: %w", err)
	}

	if err := appendEvent(ctx, tx, userID, opportunityID, sessionID, interaction.StateImpressed, "", at); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit impression: %w", err)
	}
	return nil
}

// Transition moves a pairing to a new state, enforcing the state
// machine. A direct write with no prior row first upserts the missing
// impressed transition with the same timestamp.
func (db *DB) Transition(ctx context.Context, userID, opportunityID string, to interaction.State, sessionID, reason string, at time.Time) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := transitionTx(ctx, tx, userID, opportunityID, to, sessionID, reason, at); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

func transitionTx(ctx context.Context, tx *sql.Tx, userID, opportunityID string, to interaction.State, sessionID, reason string, at time.Time) error {
	current, exists, err := getInteraction(ctx, tx, userID, opportunityID)
	if err != nil {
		return err
	}

	if !exists {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO interactions (user_id, opportunity_id, state, session_id, impressed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			userID, opportunityID, string(interaction.StateImpressed), sessionID,
			formatTime(at), formatTime(at)); err != nil {
			return fmt.Errorf("failed to upsert missing impression: %w", err)
		}
		if err := appendEvent(ctx, tx, userID, opportunityID, sessionID, interaction.StateImpressed, "", at); err != nil {
			return err
		}
		current.State = string(interaction.StateImpressed)
	}

	if err := interaction.Transition(interaction.State(current.State), to); err != nil {
		return err
	}

	set := `state = ?, updated_at = ?`
	args := []interface{}{string(to), formatTime(at)}
	switch to {
	case interaction.StateDismissed:
		set += `, dismissed_at = ?, dismiss_reason = ?`
		args = append(args, formatTime(at), reason)
	case interaction.StateCompleted:
		set += `, completed_at = ?`
		args = append(args, formatTime(at))
	}
	args = append(args, userID, opportunityID)

	if _, err := tx.ExecContext(ctx,
		`UPDATE interactions SET `+set+` WHERE user_id = ? AND opportunity_id = ?`, args...); err != nil {
		return fmt.Errorf("failed to update interaction state: %w", err)
	}

	return appendEvent(ctx, tx, userID, opportunityID, sessionID, to, reason, at)
}

// SessionImpressions returns how many distinct opportunities were
// impressed for a user during a session, and which ones.
func (db *DB) SessionImpressions(ctx context.Context, sessionID, userID string) (int, map[string]bool, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT opportunity_id FROM interaction_events
		WHERE session_id = ? AND user_id = ? AND state = ?`,
		sessionID, userID, string(interaction.StateImpressed))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query session impressions: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var oppID string
		if err := rows.Scan(&oppID); err != nil {
			return 0, nil, fmt.Errorf("failed to scan impression: %w", err)
		}
		seen[oppID] = true
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("error iterating impressions: %w", err)
	}
	return len(seen), seen, nil
}

// AffinityStats aggregates a user's accept/dismiss outcomes per category
// and partner over the trailing window starting at since. Dismissals
// carrying a reason code add extra weight against the category/partner.
func (db *DB) AffinityStats(ctx context.Context, userID string, since time.Time) (scoring.AffinityStats, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT o.category, o.partner_id, i.state, i.dismiss_reason
		FROM interactions i
		JOIN opportunities o ON o.id = i.opportunity_id
		WHERE i.user_id = ? AND i.updated_at >= ?
		AND i.state IN (?, ?, ?)`,
		userID, formatTime(since),
		string(interaction.StateAccepted), string(interaction.StateCompleted), string(interaction.StateDismissed))
	if err != nil {
		return scoring.AffinityStats{}, fmt.Errorf("failed to query affinity stats: %w", err)
	}
	defer rows.Close()

	stats := scoring.AffinityStats{
		ByCategory: make(map[models.Category]scoring.RateStats),
		ByPartner:  make(map[string]scoring.RateStats),
	}
	for rows.Next() {
		var category, partnerID, state, reason string
		if err := rows.Scan(&category, &partnerID, &state, &reason); err != nil {
			return scoring.AffinityStats{}, fmt.Errorf("failed to scan affinity row: %w", err)
		}

		cat := stats.ByCategory[models.Category(category)]
		part := stats.ByPartner[partnerID]
		switch interaction.State(state) {
		case interaction.StateAccepted, interaction.StateCompleted:
			cat.Accepted++
			part.Accepted++
		case interaction.StateDismissed:
			cat.Dismissed++
			part.Dismissed++
			if reason != "" {
				cat.ReasonedDismissed++
				part.ReasonedDismissed++
			}
		}
		stats.ByCategory[models.Category(category)] = cat
		stats.ByPartner[partnerID] = part
	}
	if err := rows.Err(); err != nil {
		return scoring.AffinityStats{}, fmt.Errorf("error iterating affinity rows: %w", err)
	}
	return stats, nil
}

// AllocationParams carries everything AllocateClaim needs to commit an
// acceptance atomically.
type AllocationParams struct {
	UserID            string
	OpportunityID     string
	SessionID         string
	ClaimToken        string
	ValueClaimedCents int64
	RemainingMinutes  float64
	DistanceMeters    float64
	At                time.Time
}

// AllocateClaim reserves one unit of capacity and records the accepted
// state with its claim token in a single transaction. The capacity
// check-and-increment is one conditional UPDATE, so concurrent callers
// serialize inside the storage engine and overselling is impossible.
// Unlimited opportunities still count usage for reporting but never
// gate on it.
func (db *DB) AllocateClaim(ctx context.Context, p AllocationParams) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE opportunities
		SET used_capacity = used_capacity + 1, updated_at = ?
		WHERE id = ? AND (total_capacity IS NULL OR used_capacity < total_capacity)`,
		formatTime(p.At), p.OpportunityID)
	if err != nil {
		return fmt.Errorf("failed to increment capacity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM opportunities WHERE id = ?`, p.OpportunityID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check opportunity: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrCapacityExhausted
	}

	current, exists, err := getInteraction(ctx, tx, p.UserID, p.OpportunityID)
	if err != nil {
		return err
	}

	if exists {
		if err := interaction.Transition(interaction.State(current.State), interaction.StateAccepted); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE interactions SET state = ?, session_id = ?, claim_token = ?,
				value_claimed_cents = ?, accepted_at = ?, updated_at = ?
			WHERE user_id = ? AND opportunity_id = ?`,
			string(interaction.StateAccepted), p.SessionID, p.ClaimToken,
			p.ValueClaimedCents, formatTime(p.At), formatTime(p.At),
			p.UserID, p.OpportunityID)
	} else {
		// No prior row: upsert the missing impressed transition with the
		// same timestamp, then accept.
		if err := appendEvent(ctx, tx, p.UserID, p.OpportunityID, p.SessionID, interaction.StateImpressed, "", p.At); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO interactions (user_id, opportunity_id, state, session_id, claim_token,
				remaining_min, distance_m, value_claimed_cents, impressed_at, accepted_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.UserID, p.OpportunityID, string(interaction.StateAccepted), p.SessionID, p.ClaimToken,
			p.RemainingMinutes, p.DistanceMeters, p.ValueClaimedCents,
			formatTime(p.At), formatTime(p.At), formatTime(p.At))
	}
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateClaimToken
		}
		return fmt.Errorf("failed to record acceptance: %w", err)
	}

	if err := appendEvent(ctx, tx, p.UserID, p.OpportunityID, p.SessionID, interaction.StateAccepted, "", p.At); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit allocation: %w", err)
	}
	return nil
}

// ReleaseClaim cancels an accepted claim: the interaction expires and
// the capacity unit returns to the pool. This is the only path that
// decrements used_capacity.
func (db *DB) ReleaseClaim(ctx context.Context, claimToken string, at time.Time) (models.Interaction, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Interaction{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inter, err := getByToken(ctx, tx, claimToken)
	if err != nil {
		return models.Interaction{}, err
	}

	if err := transitionTx(ctx, tx, inter.UserID, inter.OpportunityID, interaction.StateExpired, inter.SessionID, "claim_cancelled", at); err != nil {
		return models.Interaction{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE opportunities SET used_capacity = used_capacity - 1, updated_at = ?
		WHERE id = ? AND used_capacity > 0`,
		formatTime(at), inter.OpportunityID); err != nil {
		return models.Interaction{}, fmt.Errorf("failed to release capacity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Interaction{}, fmt.Errorf("failed to commit release: %w", err)
	}

	inter.State = string(interaction.StateExpired)
	return inter, nil
}

// GetByToken fetches the interaction owning a claim token.
func (db *DB) GetByToken(ctx context.Context, claimToken string) (models.Interaction, error) {
	return getByToken(ctx, db.conn, claimToken)
}

func getByToken(ctx context.Context, q querier, claimToken string) (models.Interaction, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE claim_token = ?`, claimToken)

	inter, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Interaction{}, ErrNotFound
	}
	if err != nil {
		return models.Interaction{}, fmt.Errorf("failed to get interaction by token: %w", err)
	}
	return inter, nil
}

// CompleteByToken marks the claim's interaction completed and records
// the redeemed value. Idempotent: completing an already-completed token
// returns the stored row unchanged with already = true. A claim that
// outlived the acceptance grace period is lazily expired here instead
// of redeemed.
func (db *DB) CompleteByToken(ctx context.Context, claimToken string, redeemedCents int64, at time.Time) (models.Interaction, bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Interaction{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inter, err := getByToken(ctx, tx, claimToken)
	if err != nil {
		return models.Interaction{}, false, err
	}

	if inter.State == string(interaction.StateCompleted) {
		return inter, true, nil
	}

	if interaction.ShouldExpire(interaction.State(inter.State), time.Time{}, inter.AcceptedAt, at) {
		if err := transitionTx(ctx, tx, inter.UserID, inter.OpportunityID, interaction.StateExpired, inter.SessionID, "stale", at); err != nil {
			return models.Interaction{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return models.Interaction{}, false, fmt.Errorf("failed to commit expiry: %w", err)
		}
		return models.Interaction{}, false, ErrClaimExpired
	}

	if err := interaction.Transition(interaction.State(inter.State), interaction.StateCompleted); err != nil {
		return models.Interaction{}, false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE interactions SET state = ?, value_redeemed_cents = ?, completed_at = ?, updated_at = ?
		WHERE user_id = ? AND opportunity_id = ?`,
		string(interaction.StateCompleted), redeemedCents, formatTime(at), formatTime(at),
		inter.UserID, inter.OpportunityID); err != nil {
		return models.Interaction{}, false, fmt.Errorf("failed to complete interaction: %w", err)
	}

	if err := appendEvent(ctx, tx, inter.UserID, inter.OpportunityID, inter.SessionID, interaction.StateCompleted, "", at); err != nil {
		return models.Interaction{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return models.Interaction{}, false, fmt.Errorf("failed to commit completion: %w", err)
	}

	inter.State = string(interaction.StateCompleted)
	inter.ValueRedeemedCents = redeemedCents
	completedAt := at.UTC().Truncate(time.Second)
	inter.CompletedAt = &completedAt
	return inter, false, nil
}

// ListEvents returns the transition history for a pairing, oldest first.
func (db *DB) ListEvents(ctx context.Context, userID, opportunityID string) ([]models.InteractionEvent, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT user_id, opportunity_id, session_id, state, reason, at
		FROM interaction_events WHERE user_id = ? AND opportunity_id = ? ORDER BY id`,
		userID, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.InteractionEvent
	for rows.Next() {
		var ev models.InteractionEvent
		var atStr string
		if err := rows.Scan(&ev.UserID, &ev.OpportunityID, &ev.SessionID, &ev.State, &ev.Reason, &atStr); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if ev.At, err = parseTime(atStr); err != nil {
			return nil, fmt.Errorf("failed to parse event time: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func appendEvent(ctx context.Context, ex execer, userID, opportunityID, sessionID string, state interaction.State, reason string, at time.Time) error {
	if _, err := ex.ExecContext(ctx,
		`INSERT INTO interaction_events (user_id, opportunity_id, session_id, state, reason, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, opportunityID, sessionID, string(state), reason, formatTime(at)); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func scanInteraction(row rowScanner) (models.Interaction, error) {
	var inter models.Interaction
	var claimToken sql.NullString
	var impressedAtStr, updatedAtStr string
	var acceptedAtStr, completedAtStr, dismissedAtStr sql.NullString

	err := row.Scan(
		&inter.UserID,
		&inter.OpportunityID,
		&inter.State,
		&inter.SessionID,
		&claimToken,
		&inter.RemainingMinutes,
		&inter.DistanceMeters,
		&inter.DismissReason,
		&inter.ValueClaimedCents,
		&inter.ValueRedeemedCents,
		&impressedAtStr,
		&updatedAtStr,
		&acceptedAtStr,
		&completedAtStr,
		&dismissedAtStr,
	)
	if err != nil {
		return models.Interaction{}, err
	}

	inter.ClaimToken = claimToken.String

	if inter.ImpressedAt, err = parseTime(impressedAtStr); err != nil {
		return models.Interaction{}, fmt.Errorf("failed to parse impressed_at: %w", err)
	}
	if inter.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return models.Interaction{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if inter.AcceptedAt, err = parseNullTime(acceptedAtStr); err != nil {
		return models.Interaction{}, fmt.Errorf("failed to parse accepted_at: %w", err)
	}
	if inter.CompletedAt, err = parseNullTime(completedAtStr); err != nil {
		return models.Interaction{}, fmt.Errorf("failed to parse completed_at: %w", err)
	}
	if inter.DismissedAt, err = parseNullTime(dismissedAtStr); err != nil {
		return models.Interaction{}, fmt.Errorf("failed to parse dismissed_at: %w", err)
	}

	return inter, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
