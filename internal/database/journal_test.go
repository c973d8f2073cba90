package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kdimtricp/callpilot/internal/dispatch"
	"github.com/kdimtricp/callpilot/internal/events"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(Config{Path: filepath.Join(t.TempDir(), "journal.db")}, nil)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func decision(id, session string, accept bool, at time.Time) events.Decision {
	fare := 12000
	dist := 3.2
	origin := "강남구"
	d := events.Decision{
		ID:         id,
		SessionID:  session,
		Strategy:   "local",
		Accept:     accept,
		Reason:     "accepted",
		Fare:       &fare,
		DistanceKm: &dist,
		Origin:     &origin,
		LatencyMs:  42,
		At:         at,
	}
	if accept {
		d.Dispatched = true
		d.Channel = "push"
		d.Target = &dispatch.Point{X: 540, Y: 1800}
	} else {
		d.Reason = "fare_below_min"
	}
	return d
}

func TestJournal_RecordAndList(t *testing.T) {
	db := setupTestDB(t)
	journal := NewJournal(db)
	ctx := context.Background()

	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := journal.Record(ctx, decision("d1", "s1", true, at)); err != nil {
		t.Fatalf("Failed to record decision: %v", err)
	}

	got, err := journal.List(ctx, Query{})
	if err != nil {
		t.Fatalf("Failed to list decisions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 decision, got %d", len(got))
	}

	d := got[0]
	if d.ID != "d1" || d.SessionID != "s1" || !d.Accept {
		t.Errorf("Expected accepted d1 on s1, got %+v", d)
	}
	if d.Fare == nil || *d.Fare != 12000 {
		t.Errorf("Expected fare 12000, got %v", d.Fare)
	}
	if d.DistanceKm == nil || *d.DistanceKm != 3.2 {
		t.Errorf("Expected distance 3.2, got %v", d.DistanceKm)
	}
	if d.Origin == nil || *d.Origin != "강남구" {
		t.Errorf("Expected origin 강남구, got %v", d.Origin)
	}
	if d.Destination != nil {
		t.Errorf("Expected no destination, got %v", *d.Destination)
	}
	if d.Target == nil || *d.Target != (dispatch.Point{X: 540, Y: 1800}) {
		t.Errorf("Expected target (540,1800), got %v", d.Target)
	}
	if !d.At.Equal(at) {
		t.Errorf("Expected time %v, got %v", at, d.At)
	}
}

func TestJournal_RecordIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	journal := NewJournal(db)
	ctx := context.Background()

	d := decision("d1", "s1", true, time.Now())
	journal.Record(ctx, d)
	if err := journal.Record(ctx, d); err != nil {
		t.Fatalf("Expected duplicate record to be ignored, got %v", err)
	}

	n, err := journal.Count(ctx)
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 row, got %d", n)
	}
}

func TestJournal_ListFilters(t *testing.T) {
	db := setupTestDB(t)
	journal := NewJournal(db)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	records := []events.Decision{
		decision("d1", "s1", true, base),
		decision("d2", "s1", false, base.Add(time.Minute)),
		decision("d3", "s2", true, base.Add(2*time.Minute)),
		decision("d4", "s2", false, base.Add(3*time.Minute)),
	}
	for _, d := range records {
		if err := journal.Record(ctx, d); err != nil {
			t.Fatalf("Failed to record %s: %v", d.ID, err)
		}
	}

	accepted := true
	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"all newest first", Query{}, []string{"d4", "d3", "d2", "d1"}},
		{"by session", Query{SessionID: "s1"}, []string{"d2", "d1"}},
		{"accepted only", Query{Accepted: &accepted}, []string{"d3", "d1"}},
		{"since", Query{Since: base.Add(2 * time.Minute)}, []string{"d4", "d3"}},
		{"limit", Query{Limit: 1}, []string{"d4"}},
		{"no match", Query{SessionID: "s9"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := journal.List(ctx, tt.query)
			if err != nil {
				t.Fatalf("Failed to list: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d decisions, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("Expected %s at %d, got %s", id, i, got[i].ID)
				}
			}
		})
	}
}

func TestMigrator_RunIsRepeatable(t *testing.T) {
	db := setupTestDB(t)
	m := NewMigrator(db.Conn(), db.logger)

	if err := m.Run(); err != nil {
		t.Fatalf("Expected second migration run to succeed, got %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("Failed to read applied migrations: %v", err)
	}
	if !applied["001"] {
		t.Errorf("Expected migration 001 to be applied, got %v", applied)
	}
}

func TestNewDB_EmptyPath(t *testing.T) {
	if _, err := NewDB(Config{}, nil); err == nil {
		t.Error("Expected error for empty path")
	}
}
