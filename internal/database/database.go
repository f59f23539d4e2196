package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"opportunity-engine/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("database: not found")
	// ErrCapacityExhausted is returned when a bounded opportunity has no
	// capacity left at allocation time.
	ErrCapacityExhausted = errors.New("database: capacity exhausted")
	// ErrDuplicateClaimToken is returned when the claim-token uniqueness
	// constraint rejects an insert. Callers regenerate and retry.
	ErrDuplicateClaimToken = errors.New("database: duplicate claim token")
	// ErrClaimExpired is returned when a claim outlived the acceptance
	// grace period before redemption.
	ErrClaimExpired = errors.New("database: claim expired")
)

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
// The busy timeout keeps concurrent acceptance transactions queued
// instead of failing fast on SQLITE_BUSY. Transactions take the write
// lock immediately so a read-then-write transaction never deadlocks on
// the shared-to-reserved lock upgrade.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS opportunities (
			id TEXT PRIMARY KEY,
			partner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			min_remaining_min INTEGER,
			max_remaining_min INTEGER,
			weekdays TEXT NOT NULL DEFAULT '[]',
			tod_start TEXT NOT NULL DEFAULT '',
			tod_end TEXT NOT NULL DEFAULT '',
			valid_from TEXT NOT NULL,
			valid_until TEXT NOT NULL,
			total_capacity INTEGER,
			used_capacity INTEGER NOT NULL DEFAULT 0,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			max_walking_distance_m REAL NOT NULL,
			priority_weight INTEGER NOT NULL DEFAULT 0,
			discount_percent REAL NOT NULL DEFAULT 0,
			fixed_value_cents INTEGER NOT NULL DEFAULT 0,
			bonus_minutes INTEGER NOT NULL DEFAULT 0,
			perks TEXT NOT NULL DEFAULT '[]',
			active INTEGER NOT NULL,
			approved INTEGER NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			space_id TEXT NOT NULL DEFAULT '',
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			starts_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			user_id TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL,
			frequency_tier TEXT NOT NULL,
			quiet_start TEXT NOT NULL DEFAULT '',
			quiet_end TEXT NOT NULL DEFAULT '',
			blocked_categories TEXT NOT NULL DEFAULT '[]',
			blocked_partners TEXT NOT NULL DEFAULT '[]',
			max_walking_distance_m REAL NOT NULL,
			impression_cap INTEGER,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			user_id TEXT NOT NULL,
			opportunity_id TEXT NOT NULL,
			state TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			claim_token TEXT,
			remaining_min REAL NOT NULL DEFAULT 0,
			distance_m REAL NOT NULL DEFAULT 0,
			dismiss_reason TEXT NOT NULL DEFAULT '',
			value_claimed_cents INTEGER NOT NULL DEFAULT 0,
			value_redeemed_cents INTEGER NOT NULL DEFAULT 0,
			impressed_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			accepted_at TEXT,
			completed_at TEXT,
			dismissed_at TEXT,
			PRIMARY KEY (user_id, opportunity_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_interactions_claim_token
			ON interactions(claim_token) WHERE claim_token IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS interaction_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			opportunity_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_partner ON opportunities(partner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user ON interaction_events(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON interaction_events(session_id, user_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// UpsertOpportunity creates or updates an opportunity. used_capacity is
// deliberately left out of the update set: only the allocator moves it.
func (db *DB) UpsertOpportunity(ctx context.Context, opp models.Opportunity) error {
	query := `INSERT INTO opportunities (
		id, partner_id, title, description, category,
		min_remaining_min, max_remaining_min, weekdays, tod_start, tod_end,
		valid_from, valid_until, total_capacity, used_capacity,
		latitude, longitude, max_walking_distance_m, priority_weight,
		discount_percent, fixed_value_cents, bonus_minutes, perks,
		active, approved, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		partner_id = excluded.partner_id,
		title = excluded.title,
		description = excluded.description,
		category = excluded.category,
		min_remaining_min = excluded.min_remaining_min,
		max_remaining_min = excluded.max_remaining_min,
		weekdays = excluded.weekdays,
		tod_start = excluded.tod_start,
		tod_end = excluded.tod_end,
		valid_from = excluded.valid_from,
		valid_until = excluded.valid_until,
		total_capacity = excluded.total_capacity,
		latitude = excluded.latitude,
		longitude = excluded.longitude,
		max_walking_distance_m = excluded.max_walking_distance_m,
		priority_weight = excluded.priority_weight,
		discount_percent = excluded.discount_percent,
		fixed_value_cents = excluded.fixed_value_cents,
		bonus_minutes = excluded.bonus_minutes,
		perks = excluded.perks,
		active = excluded.active,
		approved = excluded.approved,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(
		ctx, query,
		opp.ID,
		opp.PartnerID,
		opp.Title,
		opp.Description,
		string(opp.Category),
		nullableInt(opp.Trigger.MinRemainingMinutes),
		nullableInt(opp.Trigger.MaxRemainingMinutes),
		serializeWeekdays(opp.Trigger.Weekdays),
		opp.Trigger.StartTimeOfDay,
		opp.Trigger.EndTimeOfDay,
		formatTime(opp.ValidFrom),
		formatTime(opp.ValidUntil),
		nullableInt(opp.TotalCapacity),
		opp.UsedCapacity,
		opp.Latitude,
		opp.Longitude,
		opp.MaxWalkingDistanceM,
		opp.PriorityWeight,
		opp.Value.DiscountPercent,
		opp.Value.FixedValueCents,
		opp.Value.BonusMinutes,
		serializeStrings(opp.Value.Perks),
		opp.Active,
		opp.Approved,
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert opportunity: %w", err)
	}

	return nil
}

const opportunityColumns = `id, partner_id, title, description, category,
	min_remaining_min, max_remaining_min, weekdays, tod_start, tod_end,
	valid_from, valid_until, total_capacity, used_capacity,
	latitude, longitude, max_walking_distance_m, priority_weight,
	discount_percent, fixed_value_cents, bonus_minutes, perks, active, approved`

// GetOpportunity fetches one opportunity by ID.
func (db *DB) GetOpportunity(ctx context.Context, id string) (models.Opportunity, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE id = ?`, id)

	opp, err := scanOpportunity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Opportunity{}, ErrNotFound
	}
	if err != nil {
		return models.Opportunity{}, fmt.Errorf("failed to get opportunity: %w", err)
	}
	return opp, nil
}

// ListCandidates returns opportunities that pass the storage-level
// prefilter: active, approved, inside their validity window and with
// capacity remaining. The contextual constraints are applied in memory
// by the eligibility filter.
func (db *DB) ListCandidates(ctx context.Context, now time.Time) ([]models.Opportunity, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities
		WHERE active = 1 AND approved = 1
		AND valid_from <= ? AND valid_until >= ?
		AND (total_capacity IS NULL OR used_capacity < total_capacity)`,
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var candidates []models.Opportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			// A single malformed candidate must not sink the whole
			// discovery call.
			log.Printf("Skipping malformed opportunity row: %v", err)
			continue
		}
		candidates = append(candidates, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}

	return candidates, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOpportunity(row rowScanner) (models.Opportunity, error) {
	var opp models.Opportunity
	var category, weekdaysJSON, perksJSON string
	var minRemaining, maxRemaining, totalCapacity sql.NullInt64
	var validFromStr, validUntilStr string

	err := row.Scan(
		&opp.ID,
		&opp.PartnerID,
		&opp.Title,
		&opp.Description,
		&category,
		&minRemaining,
		&maxRemaining,
		&weekdaysJSON,
		&opp.Trigger.StartTimeOfDay,
		&opp.Trigger.EndTimeOfDay,
		&validFromStr,
		&validUntilStr,
		&totalCapacity,
		&opp.UsedCapacity,
		&opp.Latitude,
		&opp.Longitude,
		&opp.MaxWalkingDistanceM,
		&opp.PriorityWeight,
		&opp.Value.DiscountPercent,
		&opp.Value.FixedValueCents,
		&opp.Value.BonusMinutes,
		&perksJSON,
		&opp.Active,
		&opp.Approved,
	)
	if err != nil {
		return models.Opportunity{}, err
	}

	opp.Category = models.Category(category)
	opp.Trigger.MinRemainingMinutes = intFromNull(minRemaining)
	opp.Trigger.MaxRemainingMinutes = intFromNull(maxRemaining)
	opp.TotalCapacity = intFromNull(totalCapacity)
	opp.Trigger.Weekdays = deserializeWeekdays(weekdaysJSON)
	opp.Value.Perks = deserializeStrings(perksJSON)

	if opp.ValidFrom, err = parseTime(validFromStr); err != nil {
		return models.Opportunity{}, fmt.Errorf("failed to parse valid_from: %w", err)
	}
	if opp.ValidUntil, err = parseTime(validUntilStr); err != nil {
		return models.Opportunity{}, fmt.Errorf("failed to parse valid_until: %w", err)
	}

	return opp, nil
}

// UpsertSession creates or updates a session record.
func (db *DB) UpsertSession(ctx context.Context, sess models.Session) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, space_id, latitude, longitude, starts_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			space_id = excluded.space_id,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			starts_at = excluded.starts_at,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		sess.ID, sess.UserID, sess.SpaceID, sess.Latitude, sess.Longitude,
		formatTime(sess.StartsAt), formatTime(sess.ExpiresAt), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// GetSession fetches one session by ID.
func (db *DB) GetSession(ctx context.Context, id string) (models.Session, error) {
	var sess models.Session
	var startsAtStr, expiresAtStr string

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, space_id, latitude, longitude, starts_at, expires_at
		FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.UserID, &sess.SpaceID, &sess.Latitude, &sess.Longitude,
		&startsAtStr, &expiresAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to get session: %w", err)
	}

	if sess.StartsAt, err = parseTime(startsAtStr); err != nil {
		return models.Session{}, fmt.Errorf("failed to parse starts_at: %w", err)
	}
	if sess.ExpiresAt, err = parseTime(expiresAtStr); err != nil {
		return models.Session{}, fmt.Errorf("failed to parse expires_at: %w", err)
	}

	return sess, nil
}

// ExtendSession pushes a session's expiry forward and returns the new
// expiry timestamp.
func (db *DB) ExtendSession(ctx context.Context, id string, minutes int) (time.Time, error) {
	sess, err := db.GetSession(ctx, id)
	if err != nil {
		return time.Time{}, err
	}

	newExpiry := sess.ExpiresAt.Add(time.Duration(minutes) * time.Minute)
	_, err = db.conn.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(newExpiry), formatTime(time.Now().UTC()), id)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to extend session: %w", err)
	}

	return newExpiry, nil
}

// GetPreferences fetches a user's preference record. The second return
// value reports whether a stored record exists.
func (db *DB) GetPreferences(ctx context.Context, userID string) (models.UserPreferences, bool, error) {
	var prefs models.UserPreferences
	var tier, blockedCategories, blockedPartners string
	var impressionCap sql.NullInt64

	err := db.conn.QueryRowContext(ctx,
		`SELECT user_id, enabled, frequency_tier, quiet_start, quiet_end,
			blocked_categories, blocked_partners, max_walking_distance_m, impression_cap
		FROM user_preferences WHERE user_id = ?`, userID).Scan(
		&prefs.UserID, &prefs.Enabled, &tier, &prefs.QuietStart, &prefs.QuietEnd,
		&blockedCategories, &blockedPartners, &prefs.MaxWalkingDistanceM, &impressionCap)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserPreferences{}, false, nil
	}
	if err != nil {
		return models.UserPreferences{}, false, fmt.Errorf("failed to get preferences: %w", err)
	}

	prefs.FrequencyTier = models.FrequencyTier(tier)
	prefs.BlockedCategories = deserializeStrings(blockedCategories)
	prefs.BlockedPartners = deserializeStrings(blockedPartners)
	prefs.ImpressionCap = intFromNull(impressionCap)

	return prefs, true, nil
}

// UpsertPreferences creates or updates a user's preference record.
func (db *DB) UpsertPreferences(ctx context.Context, prefs models.UserPreferences) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO user_preferences (
			user_id, enabled, frequency_tier, quiet_start, quiet_end,
			blocked_categories, blocked_partners, max_walking_distance_m, impression_cap, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			enabled = excluded.enabled,
			frequency_tier = excluded.frequency_tier,
			quiet_start = excluded.quiet_start,
			quiet_end = excluded.quiet_end,
			blocked_categories = excluded.blocked_categories,
			blocked_partners = excluded.blocked_partners,
			max_walking_distance_m = excluded.max_walking_distance_m,
			impression_cap = excluded.impression_cap,
			updated_at = excluded.updated_at`,
		prefs.UserID, prefs.Enabled, string(prefs.FrequencyTier), prefs.QuietStart, prefs.QuietEnd,
		serializeStrings(prefs.BlockedCategories), serializeStrings(prefs.BlockedPartners),
		prefs.MaxWalkingDistanceM, nullableInt(prefs.ImpressionCap), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func intFromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func serializeStrings(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func deserializeStrings(serialized string) []string {
	if serialized == "" || serialized == "[]" {
		return nil
	}
	var result []string
	if err := json.Unmarshal([]byte(serialized), &result); err != nil {
		return nil
	}
	return result
}

func serializeWeekdays(days []time.Weekday) string {
	if len(days) == 0 {
		return "[]"
	}
	ints := make([]int, len(days))
	for i, d := range days {
		ints[i] = int(d)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func deserializeWeekdays(serialized string) []time.Weekday {
	if serialized == "" || serialized == "[]" {
		return nil
	}
	var ints []int
	if err := json.Unmarshal([]byte(serialized), &ints); err != nil {
		return nil
	}
	days := make([]time.Weekday, len(ints))
	for i, v := range ints {
		days[i] = time.Weekday(v)
	}
	return days
}
