package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func setupLedger(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, user, container string, mode Mode, stamp time.Time) *Membership {
	t.Helper()
	m := &Membership{
		UserEid:      user,
		ContainerEid: container,
		Mode:         mode,
		Role:         "Student",
		InputTime:    stamp,
	}
	if err := s.Create(context.Background(), m); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if m.ID == 0 {
		t.Fatal("Create did not assign an id")
	}
	return m
}

func TestCreateAndFind(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()
	stamp := time.Now().UTC()

	first := mustCreate(t, s, "U1", "SEC1", ModeSection, stamp)
	second := mustCreate(t, s, "U1", "SEC1", ModeSection, stamp.Add(time.Minute))
	mustCreate(t, s, "U1", "SEC1", ModeCourse, stamp) // different mode, separate

	entries, err := s.FindMemberships(ctx, ModeSection, "U1", "SEC1")
	if err != nil {
		t.Fatalf("FindMemberships failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Oldest first.
	if entries[0].ID != first.ID || entries[1].ID != second.ID {
		t.Errorf("entries out of order: %d, %d", entries[0].ID, entries[1].ID)
	}
	if !entries[0].InputTime.Equal(stamp) {
		t.Errorf("input time did not round-trip: %v vs %v", entries[0].InputTime, stamp)
	}
}

func TestUpdate(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()

	m := mustCreate(t, s, "U1", "SEC1", ModeSection, time.Now().UTC().Add(-time.Hour))
	m.Role = "TA"
	m.InputTime = time.Now().UTC()
	if err := s.Update(ctx, m); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	entries, err := s.FindMemberships(ctx, ModeSection, "U1", "SEC1")
	if err != nil {
		t.Fatalf("FindMemberships failed: %v", err)
	}
	if entries[0].Role != "TA" {
		t.Errorf("expected role TA, got %q", entries[0].Role)
	}
	if !entries[0].InputTime.Equal(m.InputTime) {
		t.Errorf("input time not updated: %v", entries[0].InputTime)
	}

	if err := s.Update(ctx, &Membership{ID: 9999, InputTime: time.Now()}); err == nil {
		t.Error("expected an error updating a missing entry")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()

	m := mustCreate(t, s, "U1", "SEC1", ModeSection, time.Now().UTC())
	if err := s.Delete(ctx, m.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, m.ID); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}

	count, err := s.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty ledger, got %d", count)
	}
}

func TestDeleteBatch(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()
	stamp := time.Now().UTC()

	var ids []int64
	for _, user := range []string{"U1", "U2", "U3"} {
		ids = append(ids, mustCreate(t, s, user, "SEC1", ModeSection, stamp).ID)
	}
	keep := mustCreate(t, s, "U4", "SEC1", ModeSection, stamp)

	if err := s.DeleteBatch(ctx, ids); err != nil {
		t.Fatalf("DeleteBatch failed: %v", err)
	}
	if err := s.DeleteBatch(ctx, nil); err != nil {
		t.Errorf("empty batch should be a no-op, got %v", err)
	}

	count, err := s.Count(ctx, ModeSection)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 surviving entry, got %d", count)
	}
	entries, err := s.FindMemberships(ctx, ModeSection, "U4", "SEC1")
	if err != nil {
		t.Fatalf("FindMemberships failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != keep.ID {
		t.Errorf("wrong survivor: %v", entries)
	}
}

func TestDeleteBatchLargerThanOneStatement(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()
	stamp := time.Now().UTC()

	// More ids than fit in a single delete statement, so the batch must
	// split across statements.
	ids := make([]int64, 0, deleteBatchSize+5)
	for i := 0; i < deleteBatchSize+5; i++ {
		ids = append(ids, mustCreate(t, s, fmt.Sprintf("U%04d", i), "SEC1", ModeSection, stamp).ID)
	}

	if err := s.DeleteBatch(ctx, ids); err != nil {
		t.Fatalf("DeleteBatch failed: %v", err)
	}
	count, err := s.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty ledger, got %d entries", count)
	}
}

func TestPageStale(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	current := time.Now().UTC()

	mustCreate(t, s, "U1", "SEC1", ModeSection, old)
	mustCreate(t, s, "U2", "SEC1", ModeSection, old)
	mustCreate(t, s, "U3", "SEC2", ModeSection, old)
	mustCreate(t, s, "U4", "SEC1", ModeSection, current) // fresh, not stale
	mustCreate(t, s, "U5", "CO1", ModeCourse, old)       // other mode

	stale, err := s.PageStale(ctx, ModeSection, current, nil, 10, 0)
	if err != nil {
		t.Fatalf("PageStale failed: %v", err)
	}
	if len(stale) != 3 {
		t.Fatalf("expected 3 stale entries, got %d", len(stale))
	}
	for i := 1; i < len(stale); i++ {
		if stale[i].ID <= stale[i-1].ID {
			t.Error("stale entries not ordered by id")
		}
	}

	// Restricted to SEC1 only.
	scoped, err := s.PageStale(ctx, ModeSection, current, []string{"SEC1"}, 10, 0)
	if err != nil {
		t.Fatalf("PageStale failed: %v", err)
	}
	if len(scoped) != 2 {
		t.Errorf("expected 2 stale entries in SEC1, got %d", len(scoped))
	}

	// Paging: limit 2 yields 2 then 1 then none.
	page1, err := s.PageStale(ctx, ModeSection, current, nil, 2, 0)
	if err != nil {
		t.Fatalf("PageStale failed: %v", err)
	}
	page2, err := s.PageStale(ctx, ModeSection, current, nil, 2, 2)
	if err != nil {
		t.Fatalf("PageStale failed: %v", err)
	}
	page3, err := s.PageStale(ctx, ModeSection, current, nil, 2, 4)
	if err != nil {
		t.Fatalf("PageStale failed: %v", err)
	}
	if len(page1) != 2 || len(page2) != 1 || len(page3) != 0 {
		t.Errorf("unexpected page sizes: %d, %d, %d", len(page1), len(page2), len(page3))
	}
}

func TestAuditLog(t *testing.T) {
	s := setupLedger(t)
	ctx := context.Background()

	if err := s.Audit(ctx, "SectionMembership", "first message", "run-1"); err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if err := s.Audit(ctx, "SectionMembership", "second message", "run-2"); err != nil {
		t.Fatalf("Audit failed: %v", err)
	}

	all, err := s.AuditEntries(ctx, "")
	if err != nil {
		t.Fatalf("AuditEntries failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].Message != "first message" {
		t.Errorf("entries not oldest first: %q", all[0].Message)
	}
	if all[0].CreatedAt.IsZero() {
		t.Error("created_at did not round-trip")
	}

	one, err := s.AuditEntries(ctx, "run-2")
	if err != nil {
		t.Fatalf("AuditEntries failed: %v", err)
	}
	if len(one) != 1 || one[0].Message != "second message" {
		t.Errorf("run filter failed: %v", one)
	}
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory ledger: %v", err)
	}
	defer s.Close()

	mustCreate(t, s, "U1", "SEC1", ModeSection, time.Now().UTC())
	count, err := s.Count(context.Background(), "")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 entry, got %d", count)
	}
}
