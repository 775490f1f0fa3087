//go:build integration

package testhelpers

import (
	"context"
	"testing"
)

func TestTestDB_Connection(t *testing.T) {
	testDB := GetTestDB(t)

	var one int
	if err := testDB.Pool.QueryRow(context.Background(), "SELECT 1").Scan(&one); err != nil {
		t.Fatalf("failed to query test database: %v", err)
	}
	if one != 1 {
		t.Errorf("expected 1, got %d", one)
	}
}

func TestTestRedis_Connection(t *testing.T) {
	r := GetTestRedis(t)

	ctx := context.Background()
	if err := r.Client.Set(ctx, "testhelpers:ping", "ok", 0).Err(); err != nil {
		t.Fatalf("failed to set key: %v", err)
	}
	got, err := r.Client.Get(ctx, "testhelpers:ping").Result()
	if err != nil {
		t.Fatalf("failed to get key: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
}
