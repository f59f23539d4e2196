package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"opportunity-engine/internal/database"
	"opportunity-engine/internal/interaction"
	"opportunity-engine/internal/models"
	"opportunity-engine/internal/token"
)

func setupTestDB(t *testing.T) (*database.DB, func()) {
	dbPath := "./test_" + time.Now().Format("20060102150405.000000000") + ".db"
	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(dbPath)
	}

	return db, cleanup
}

// testClock is a swappable time source for exercising cooldowns and
// grace periods.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(db *database.DB, start time.Time) (*Service, *testClock) {
	clock := &testClock{now: start}
	svc := NewServiceWithOptions(db, Options{Now: clock.Now})
	return svc, clock
}

func testOpportunity(now time.Time, capacity *int) models.Opportunity {
	return models.Opportunity{
		ID:                  uuid.New().String(),
		PartnerID:           uuid.New().String(),
		Title:               "Free espresso upgrade",
		Category:            models.CategoryConvenience,
		ValidFrom:           now.Add(-time.Hour),
		ValidUntil:          now.Add(6 * time.Hour),
		TotalCapacity:       capacity,
		Latitude:            40.7128,
		Longitude:           -74.0060,
		MaxWalkingDistanceM: 800,
		PriorityWeight:      1,
		Value:               models.ValueBundle{DiscountPercent: 20},
		Active:              true,
		Approved:            true,
	}
}

func testSession(userID string, now time.Time) models.Session {
	return models.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Latitude:  40.7128,
		Longitude: -74.0060,
		StartsAt:  now.Add(-time.Hour),
		ExpiresAt: now.Add(2 * time.Hour),
	}
}

func intPtr(v int) *int { return &v }

func TestDiscover_ReturnsEligibleRankedResults(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()
	sess, err := svc.CreateSession(ctx, testSession(userID, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	rich := testOpportunity(now, intPtr(10))
	rich.Title = "Dinner bundle"
	rich.Value = models.ValueBundle{DiscountPercent: 20, BonusMinutes: 10}

	modest := testOpportunity(now, intPtr(10))
	modest.Title = "Sticker"
	modest.Value = models.ValueBundle{DiscountPercent: 5}

	for _, opp := range []models.Opportunity{rich, modest} {
		if err := svc.CreateOpportunity(ctx, opp); err != nil {
			t.Fatalf("Failed to create opportunity: %v", err)
		}
	}

	resp, err := svc.Discover(ctx, sess.ID, userID, now)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	if len(resp.Opportunities) != 2 {
		t.Fatalf("Expected 2 opportunities, got %d", len(resp.Opportunities))
	}
	if resp.Opportunities[0].Opportunity.ID != rich.ID {
		t.Errorf("Expected %q ranked first, got %q",
			rich.Title, resp.Opportunities[0].Opportunity.Title)
	}
	for _, result := range resp.Opportunities {
		if result.Score.Total <= 0 || result.Score.Total > 100 {
			t.Errorf("Score out of range for %s: %v", result.Opportunity.ID, result.Score.Total)
		}
	}

	// Returned results must be recorded as impressions.
	hist, err := svc.History(ctx, userID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(hist.Interactions) != 2 {
		t.Fatalf("Expected 2 impressions recorded, got %d", len(hist.Interactions))
	}
	for _, inter := range hist.Interactions {
		if inter.State != string(interaction.StateImpressed) {
			t.Errorf("Expected impressed state, got %s", inter.State)
		}
	}
}

func TestDiscover_UnknownSessionIsInvalidContext(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)

	_, err := svc.Discover(context.Background(), uuid.New().String(), "", now)
	if !errors.Is(err, ErrInvalidContext) {
		t.Fatalf("Expected ErrInvalidContext, got %v", err)
	}
}

func TestDiscover_DisabledPreferencesReturnEmpty(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()
	sess, err := svc.CreateSession(ctx, testSession(userID, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if err := svc.CreateOpportunity(ctx, testOpportunity(now, intPtr(10))); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	prefs := models.DefaultPreferences(userID)
	prefs.Enabled = false
	if err := svc.UpdatePreferences(ctx, prefs); err != nil {
		t.Fatalf("Failed to update preferences: %v", err)
	}

	resp, err := svc.Discover(ctx, sess.ID, userID, now)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(resp.Opportunities) != 0 {
		t.Errorf("Expected empty result for disabled user, got %d", len(resp.Opportunities))
	}
}

func TestDiscover_AnonymousSessionRecordsNoImpressions(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, testSession("", now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if err := svc.CreateOpportunity(ctx, testOpportunity(now, intPtr(10))); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	resp, err := svc.Discover(ctx, sess.ID, "", now)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(resp.Opportunities) != 1 {
		t.Fatalf("Expected 1 opportunity for anonymous session, got %d", len(resp.Opportunities))
	}
	if resp.Opportunities[0].Score.Affinity != 0 {
		t.Errorf("Expected zero affinity for anonymous session, got %v", resp.Opportunities[0].Score.Affinity)
	}
}

func TestAccept_IssuesClaimTokenAndReservesCapacity(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()
	sess, err := svc.CreateSession(ctx, testSession(userID, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	opp := testOpportunity(now, intPtr(5))
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	resp, err := svc.Accept(ctx, userID, opp.ID, sess.ID)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if !token.Valid(resp.ClaimToken) {
		t.Errorf("Claim token %q is not well-formed", resp.ClaimToken)
	}
	if resp.Instructions == "" {
		t.Error("Expected redemption instructions")
	}

	stored, err := db.GetOpportunity(ctx, opp.ID)
	if err != nil {
		t.Fatalf("Failed to reload opportunity: %v", err)
	}
	if stored.UsedCapacity != 1 {
		t.Errorf("Expected used_capacity 1, got %d", stored.UsedCapacity)
	}

	inter, exists, err := db.GetInteraction(ctx, userID, opp.ID)
	if err != nil || !exists {
		t.Fatalf("Expected interaction record, exists=%v err=%v", exists, err)
	}
	if inter.State != string(interaction.StateAccepted) {
		t.Errorf("Expected accepted state, got %s", inter.State)
	}
	if inter.ClaimToken != resp.ClaimToken {
		t.Errorf("Stored token %q does not match issued token %q", inter.ClaimToken, resp.ClaimToken)
	}
}

func TestAccept_ConcurrentRequestsForLastUnit(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)
	ctx := context.Background()

	opp := testOpportunity(now, intPtr(1))
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	users := []string{uuid.New().String(), uuid.New().String()}
	sessions := make([]string, len(users))
	for i, u := range users {
		sess, err := svc.CreateSession(ctx, testSession(u, now))
		if err != nil {
			t.Fatalf("Failed to create session: %v", err)
		}
		sessions[i] = sess.ID
	}

	var wg sync.WaitGroup
	results := make([]error, len(users))
	tokens := make([]string, len(users))
	for i := range users {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := svc.Accept(ctx, users[i], opp.ID, sessions[i])
			results[i] = err
			tokens[i] = resp.ClaimToken
		}(i)
	}
	wg.Wait()

	var successes, exhausted int
	for i, err := range results {
		switch {
		case err == nil:
			successes++
			if !token.Valid(tokens[i]) {
				t.Errorf("Winner received malformed token %q", tokens[i])
			}
		case errors.Is(err, ErrCapacityExhausted):
			exhausted++
		default:
			t.Errorf("Unexpected error for user %d: %v", i, err)
		}
	}

	if successes != 1 || exhausted != 1 {
		t.Fatalf("Expected exactly 1 success and 1 exhaustion, got %d/%d", successes, exhausted)
	}

	stored, err := db.GetOpportunity(ctx, opp.ID)
	if err != nil {
		t.Fatalf("Failed to reload opportunity: %v", err)
	}
	if stored.UsedCapacity != 1 {
		t.Errorf("Expected used_capacity exactly 1 after the race, got %d", stored.UsedCapacity)
	}
}

func TestAccept_OversubscribedNeverExceedsCapacity(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)
	ctx := context.Background()

	const total = 3
	const contenders = 8

	opp := testOpportunity(now, intPtr(total))
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	users := make([]string, contenders)
	sessions := make([]string, contenders)
	for i := range users {
		users[i] = uuid.New().String()
		sess, err := svc.CreateSession(ctx, testSession(users[i], now))
		if err != nil {
			t.Fatalf("Failed to create session: %v", err)
		}
		sessions[i] = sess.ID
	}

	var wg sync.WaitGroup
	results := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Accept(ctx, users[i], opp.ID, sessions[i])
			results[i] = err
		}(i)
	}
	wg.Wait()

	var successes int
	for _, err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrCapacityExhausted) {
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if successes != total {
		t.Errorf("Expected exactly %d successful claims, got %d", total, successes)
	}

	stored, err := db.GetOpportunity(ctx, opp.ID)
	if err != nil {
		t.Fatalf("Failed to reload opportunity: %v", err)
	}
	if stored.UsedCapacity != total {
		t.Errorf("Expected used_capacity %d, got %d", total, stored.UsedCapacity)
	}
}

func TestAccept_ExpiredOpportunityNoLongerEligible(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, clock := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()
	sess, err := svc.CreateSession(ctx, testSession(userID, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	opp := testOpportunity(now, intPtr(5))
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	// Jump past the validity window between discovery and acceptance.
	clock.Advance(8 * time.Hour)

	_, err = svc.Accept(ctx, userID, opp.ID, sess.ID)
	if !errors.Is(err, ErrNoLongerEligible) {
		t.Fatalf("Expected ErrNoLongerEligible, got %v", err)
	}
}

func TestAccept_DismissedWithinCooldownIsRejected(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	svc, clock := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()
	sess, err := svc.CreateSession(ctx, testSession(userID, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	opp := testOpportunity(now, intPtr(5))
	opp.ValidUntil = now.Add(48 * time.Hour)
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	if err := svc.Dismiss(ctx, userID, opp.ID, "not_interested"); err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := svc.Accept(ctx, userID, opp.ID, sess.ID); !errors.Is(err, ErrNoLongerEligible) {
		t.Fatalf("Expected ErrNoLongerEligible within cooldown, got %v", err)
	}
}

func TestAccept_BonusMinutesExtendSession(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()
	sess, err := svc.CreateSession(ctx, testSession(userID, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	opp := testOpportunity(now, intPtr(5))
	opp.Value = models.ValueBundle{BonusMinutes: 30}
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	resp, err := svc.Accept(ctx, userID, opp.ID, sess.ID)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if resp.NewSessionExpiry == nil {
		t.Fatal("Expected extended session expiry")
	}

	want := sess.ExpiresAt.Add(30 * time.Minute)
	if !resp.NewSessionExpiry.Equal(want) {
		t.Errorf("Expected new expiry %v, got %v", want, resp.NewSessionExpiry)
	}

	stored, err := svc.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Failed to reload session: %v", err)
	}
	if !stored.ExpiresAt.Equal(want) {
		t.Errorf("Stored expiry %v does not match %v", stored.ExpiresAt, want)
	}
}

func TestComplete_IsIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()
	sess, err := svc.CreateSession(ctx, testSession(userID, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	opp := testOpportunity(now, intPtr(5))
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	accepted, err := svc.Accept(ctx, userID, opp.ID, sess.ID)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	first, err := svc.Complete(ctx, accepted.ClaimToken, 1250)
	if err != nil {
		t.Fatalf("First completion failed: %v", err)
	}
	if first.AlreadyCompleted {
		t.Error("First completion must not report already_completed")
	}
	if first.RedeemedValueCents != 1250 {
		t.Errorf("Expected 1250 redeemed cents, got %d", first.RedeemedValueCents)
	}

	second, err := svc.Complete(ctx, accepted.ClaimToken, 9999)
	if err != nil {
		t.Fatalf("Second completion failed: %v", err)
	}
	if !second.AlreadyCompleted {
		t.Error("Second completion must report already_completed")
	}
	if second.RedeemedValueCents != 1250 {
		t.Errorf("Second completion must not overwrite the receipt, got %d cents", second.RedeemedValueCents)
	}
	if !second.CompletedAt.Equal(first.CompletedAt) {
		t.Errorf("Completion timestamp changed: %v vs %v", first.CompletedAt, second.CompletedAt)
	}
}

func TestComplete_StaleClaimExpiresInsteadOfRedeeming(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, clock := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()
	sess, err := svc.CreateSession(ctx, testSession(userID, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	opp := testOpportunity(now, intPtr(5))
	opp.ValidUntil = now.Add(30 * 24 * time.Hour)
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	accepted, err := svc.Accept(ctx, userID, opp.ID, sess.ID)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	// Well past the 72h grace period: the unredeemed claim must expire,
	// not complete.
	clock.Advance(100 * time.Hour)

	if _, err := svc.Complete(ctx, accepted.ClaimToken, 500); !errors.Is(err, ErrNoLongerEligible) {
		t.Fatalf("Expected ErrNoLongerEligible for a stale claim, got %v", err)
	}

	inter, exists, err := db.GetInteraction(ctx, userID, opp.ID)
	if err != nil || !exists {
		t.Fatalf("Expected interaction, exists=%v err=%v", exists, err)
	}
	if inter.State != string(interaction.StateExpired) {
		t.Errorf("Expected expired state after stale completion attempt, got %s", inter.State)
	}

	// Expiry is terminal: a retry must not be able to redeem either.
	if _, err := svc.Complete(ctx, accepted.ClaimToken, 500); err == nil {
		t.Error("Expected a retry on the expired claim to fail")
	}
}

func TestComplete_WithinGracePeriodSucceeds(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, clock := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()
	sess, err := svc.CreateSession(ctx, testSession(userID, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	opp := testOpportunity(now, intPtr(5))
	opp.ValidUntil = now.Add(30 * 24 * time.Hour)
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	accepted, err := svc.Accept(ctx, userID, opp.ID, sess.ID)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	clock.Advance(71 * time.Hour)

	receipt, err := svc.Complete(ctx, accepted.ClaimToken, 500)
	if err != nil {
		t.Fatalf("Expected completion inside the grace period to succeed: %v", err)
	}
	if receipt.AlreadyCompleted {
		t.Error("Expected a fresh completion")
	}
}

func TestComplete_UnknownTokenNotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)

	if _, err := svc.Complete(context.Background(), "ZZZZZZZZZZ", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for unknown token, got %v", err)
	}

	if _, err := svc.Complete(context.Background(), "short", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for malformed token, got %v", err)
	}
}

func TestCancelClaim_ReleasesCapacity(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)
	ctx := context.Background()

	firstUser := uuid.New().String()
	sess, err := svc.CreateSession(ctx, testSession(firstUser, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	opp := testOpportunity(now, intPtr(1))
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	accepted, err := svc.Accept(ctx, firstUser, opp.ID, sess.ID)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	if err := svc.CancelClaim(ctx, accepted.ClaimToken); err != nil {
		t.Fatalf("CancelClaim failed: %v", err)
	}

	stored, err := db.GetOpportunity(ctx, opp.ID)
	if err != nil {
		t.Fatalf("Failed to reload opportunity: %v", err)
	}
	if stored.UsedCapacity != 0 {
		t.Errorf("Expected used_capacity 0 after cancel, got %d", stored.UsedCapacity)
	}

	// The released unit is claimable again by someone else.
	secondUser := uuid.New().String()
	sess2, err := svc.CreateSession(ctx, testSession(secondUser, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if _, err := svc.Accept(ctx, secondUser, opp.ID, sess2.ID); err != nil {
		t.Fatalf("Accept after cancel failed: %v", err)
	}
}

func TestDismiss_CooldownSuppressesThenReappears(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	svc, clock := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()

	opp := testOpportunity(now, intPtr(10))
	opp.ValidUntil = now.Add(72 * time.Hour)
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	if err := svc.Dismiss(ctx, userID, opp.ID, "too_far"); err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}

	// Inside the cooldown window: hidden.
	clock.Advance(23 * time.Hour)
	at := clock.Now()
	sess, err := svc.CreateSession(ctx, testSession(userID, at))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	resp, err := svc.Discover(ctx, sess.ID, userID, at)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(resp.Opportunities) != 0 {
		t.Fatalf("Expected dismissed opportunity hidden within cooldown, got %d results", len(resp.Opportunities))
	}

	// Past the cooldown: visible again.
	clock.Advance(2 * time.Hour)
	at = clock.Now()
	sess2, err := svc.CreateSession(ctx, testSession(userID, at))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	resp, err = svc.Discover(ctx, sess2.ID, userID, at)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(resp.Opportunities) != 1 {
		t.Fatalf("Expected dismissed opportunity to reappear after cooldown, got %d results", len(resp.Opportunities))
	}
}

func TestRecordView_UpgradesImpression(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()
	sess, err := svc.CreateSession(ctx, testSession(userID, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	opp := testOpportunity(now, intPtr(5))
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	if _, err := svc.Discover(ctx, sess.ID, userID, now); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	if err := svc.RecordView(ctx, userID, opp.ID); err != nil {
		t.Fatalf("RecordView failed: %v", err)
	}

	inter, exists, err := db.GetInteraction(ctx, userID, opp.ID)
	if err != nil || !exists {
		t.Fatalf("Expected interaction, exists=%v err=%v", exists, err)
	}
	if inter.State != string(interaction.StateViewed) {
		t.Errorf("Expected viewed state, got %s", inter.State)
	}
}

func TestRecordView_WithoutPriorImpressionBackfills(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()
	opp := testOpportunity(now, intPtr(5))
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	if err := svc.RecordView(ctx, userID, opp.ID); err != nil {
		t.Fatalf("RecordView without impression failed: %v", err)
	}

	inter, exists, err := db.GetInteraction(ctx, userID, opp.ID)
	if err != nil || !exists {
		t.Fatalf("Expected backfilled interaction, exists=%v err=%v", exists, err)
	}
	if inter.State != string(interaction.StateViewed) {
		t.Errorf("Expected viewed state, got %s", inter.State)
	}
	if !inter.ImpressedAt.Equal(inter.UpdatedAt) {
		t.Errorf("Backfilled impression must share the view timestamp: %v vs %v",
			inter.ImpressedAt, inter.UpdatedAt)
	}
}

func TestHistory_LazilyExpiresStaleAcceptance(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, clock := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()
	sess, err := svc.CreateSession(ctx, testSession(userID, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	opp := testOpportunity(now, intPtr(5))
	opp.ValidUntil = now.Add(30 * 24 * time.Hour)
	if err := svc.CreateOpportunity(ctx, opp); err != nil {
		t.Fatalf("Failed to create opportunity: %v", err)
	}

	if _, err := svc.Accept(ctx, userID, opp.ID, sess.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	// Past the acceptance grace period, the unredeemed claim expires on
	// the next history read.
	clock.Advance(interaction.AcceptanceGracePeriod + time.Hour)

	hist, err := svc.History(ctx, userID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(hist.Interactions) != 1 {
		t.Fatalf("Expected 1 interaction, got %d", len(hist.Interactions))
	}
	if hist.Interactions[0].State != string(interaction.StateExpired) {
		t.Errorf("Expected expired state after grace period, got %s", hist.Interactions[0].State)
	}
}

func TestPreferences_CreatedOnFirstReadAndUpdatable(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()

	prefs, err := svc.GetPreferences(ctx, userID)
	if err != nil {
		t.Fatalf("GetPreferences failed: %v", err)
	}
	if !prefs.Enabled || prefs.FrequencyTier != models.TierAll {
		t.Errorf("Expected default preferences, got %+v", prefs)
	}

	prefs.FrequencyTier = models.TierMinimal
	if err := svc.UpdatePreferences(ctx, prefs); err != nil {
		t.Fatalf("UpdatePreferences failed: %v", err)
	}

	reloaded, err := svc.GetPreferences(ctx, userID)
	if err != nil {
		t.Fatalf("GetPreferences after update failed: %v", err)
	}
	if reloaded.FrequencyTier != models.TierMinimal {
		t.Errorf("Expected minimal tier after update, got %s", reloaded.FrequencyTier)
	}
}

func TestDiscover_FrequencyTierCapsResults(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	svc, _ := newTestService(db, now)
	ctx := context.Background()

	userID := uuid.New().String()
	sess, err := svc.CreateSession(ctx, testSession(userID, now))
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	prefs := models.DefaultPreferences(userID)
	prefs.FrequencyTier = models.TierMinimal
	if err := svc.UpdatePreferences(ctx, prefs); err != nil {
		t.Fatalf("Failed to update preferences: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := svc.CreateOpportunity(ctx, testOpportunity(now, intPtr(10))); err != nil {
			t.Fatalf("Failed to create opportunity: %v", err)
		}
	}

	resp, err := svc.Discover(ctx, sess.ID, userID, now)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(resp.Opportunities) != 2 {
		t.Errorf("Expected minimal tier cap of 2, got %d", len(resp.Opportunities))
	}
}
