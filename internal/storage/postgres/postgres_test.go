package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/FranksOps/instaharvest/internal/storage"
	"github.com/google/uuid"
)

func TestPostgresBackend(t *testing.T) {
	// Only run this test if INSTAHARVEST_TEST_PG_DSN is set
	dsn := os.Getenv("INSTAHARVEST_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("Skipping Postgres backend test: INSTAHARVEST_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	b, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to create Postgres backend: %v", err)
	}
	defer b.Close()

	// unique key so repeated runs do not see each other's rows
	key := uuid.NewString()
	res := &storage.Attempt{
		ID:           uuid.NewString(),
		Category:     "user",
		Key:          key,
		URL:          "https://www.instagram.com/" + key + "/",
		Outcome:      storage.OutcomeFailed,
		StatusCode:   403,
		Proxy:        "http://10.0.0.2:3128",
		UserAgent:    "Mozilla/5.0",
		Attempts:     1,
		Duration:     50 * time.Millisecond,
		DetectionSrc: "DataDome",
		CreatedAt:    time.Now().UTC(),
		Error:        "unexpected status 403",
	}

	if err := b.Save(ctx, res); err != nil {
		t.Fatalf("Failed to save attempt: %v", err)
	}

	results, err := b.Query(ctx, storage.Filter{Category: "user", Key: key})
	if err != nil {
		t.Fatalf("Failed to query attempts: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(results))
	}

	got := results[0]
	if got.ID != res.ID {
		t.Errorf("Expected ID %s, got %s", res.ID, got.ID)
	}
	if got.Outcome != storage.OutcomeFailed || got.StatusCode != 403 {
		t.Errorf("Expected failed/403, got %s/%d", got.Outcome, got.StatusCode)
	}
	if got.DetectionSrc != "DataDome" {
		t.Errorf("Expected DetectionSrc DataDome, got %s", got.DetectionSrc)
	}
	if got.Error != res.Error {
		t.Errorf("Expected Error %s, got %s", res.Error, got.Error)
	}

	other, err := b.Query(ctx, storage.Filter{Key: key, Outcome: storage.OutcomeSuccess})
	if err != nil {
		t.Fatalf("Failed to query by outcome: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("Expected 0 results, got %d", len(other))
	}
}
