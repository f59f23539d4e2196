package database

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"opportunity-engine/internal/interaction"
)

func setupTestDB(t *testing.T) (*DB, func()) {
	dbPath := "./test_db_" + time.Now().Format("20060102150405.000000000") + ".db"
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(dbPath)
	}

	return db, cleanup
}

func TestRecordImpression_ConcurrentWritersAllSucceed(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	opportunityID := uuid.New().String()

	const writers = 16
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", n)
			errs <- db.RecordImpression(ctx, userID, opportunityID, "session-1", 60, 120, now)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Expected concurrent impression to queue behind the write lock: %v", err)
		}
	}
}

func TestTransition_ConcurrentWithImpressionsDoesNotDeadlock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	opportunityID := uuid.New().String()

	const pairs = 8
	for i := 0; i < pairs; i++ {
		userID := fmt.Sprintf("user-%d", i)
		if err := db.RecordImpression(ctx, userID, opportunityID, "session-1", 60, 120, now); err != nil {
			t.Fatalf("Failed to seed impression: %v", err)
		}
	}

	errs := make(chan error, pairs*2)
	var wg sync.WaitGroup
	for i := 0; i < pairs; i++ {
		userID := fmt.Sprintf("user-%d", i)
		wg.Add(2)
		go func(u string) {
			defer wg.Done()
			errs <- db.Transition(ctx, u, opportunityID, interaction.StateViewed, "session-1", "", now.Add(time.Minute))
		}(userID)
		go func(u string) {
			defer wg.Done()
			errs <- db.RecordImpression(ctx, u, opportunityID, "session-1", 55, 120, now.Add(time.Minute))
		}(userID)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Expected mixed concurrent writes to succeed: %v", err)
		}
	}

	for i := 0; i < pairs; i++ {
		userID := fmt.Sprintf("user-%d", i)
		inter, exists, err := db.GetInteraction(ctx, userID, opportunityID)
		if err != nil || !exists {
			t.Fatalf("Expected interaction for %s, exists=%v err=%v", userID, exists, err)
		}
		if inter.State != string(interaction.StateViewed) {
			t.Errorf("Expected %s to end viewed, got %s", userID, inter.State)
		}
	}
}
