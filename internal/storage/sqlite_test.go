package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/memex/internal/entry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEntry(id string, createdAt int64) entry.Entry {
	return entry.Entry{
		ID:             id,
		RawText:        "text " + id,
		Type:           entry.TypeNote,
		CreatedAt:      createdAt,
		LastAccessedAt: createdAt,
	}
}

func mustInsert(t *testing.T, s *Store, e entry.Entry) {
	t.Helper()
	if err := s.Insert(context.Background(), e); err != nil {
		t.Fatalf("Insert(%s): %v", e.ID, err)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	mustInsert(t, s1, testEntry("persisted", 1))
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
	if _, err := s2.Get(context.Background(), "persisted"); err != nil {
		t.Errorf("entry lost across reopen: %v", err)
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_entries_archive_scan", "idx_entries_active", "idx_jobs_status_run_after"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := entry.Entry{
		ID:             "e-1",
		RawText:        "milk, eggs, bread",
		Type:           entry.TypeChecklist,
		Items:          []entry.ChecklistItem{{Label: "milk"}, {Label: "eggs", Checked: true}, {Label: "bread"}},
		CreatedAt:      1700000000000,
		LastAccessedAt: 1700000000500,
	}
	mustInsert(t, s, want)

	got, err := s.Get(ctx, "e-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("round-trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}

	if err := s.Insert(ctx, want); err == nil {
		t.Error("expected duplicate insert to fail")
	}
}

func TestInsert_EmptyChecklistKeepsItems(t *testing.T) {
	s := openTestStore(t)
	e := testEntry("e-1", 1)
	e.Type = entry.TypeChecklist
	e.Items = []entry.ChecklistItem{}
	mustInsert(t, s, e)

	got, err := s.Get(context.Background(), "e-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Items == nil || len(got.Items) != 0 {
		t.Errorf("Items = %#v, want empty non-nil slice", got.Items)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "nonexistent")
	if !errors.Is(err, entry.ErrNotFound) {
		t.Errorf("expected entry.ErrNotFound, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, entry.Entry{
		ID: "e-1", RawText: "- a\n- b", Type: entry.TypeChecklist,
		Items:     []entry.ChecklistItem{{Label: "a"}, {Label: "b"}},
		CreatedAt: 100, LastAccessedAt: 100,
	})

	items := []entry.ChecklistItem{{Label: "a", Checked: true}, {Label: "b"}}
	if err := s.Update(ctx, "e-1", entry.Patch{Items: &items, LastAccessedAt: 200}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Get(ctx, "e-1")
	if !got.Items[0].Checked || got.LastAccessedAt != 200 {
		t.Errorf("after item update: %+v", got)
	}

	note := entry.TypeNote
	var none []entry.ChecklistItem
	if err := s.Update(ctx, "e-1", entry.Patch{Type: &note, Items: &none, LastAccessedAt: 300}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = s.Get(ctx, "e-1")
	if got.Type != entry.TypeNote || got.Items != nil {
		t.Errorf("after type update: %+v", got)
	}
	if got.CreatedAt != 100 {
		t.Errorf("CreatedAt changed to %d", got.CreatedAt)
	}
}

func TestUpdate_LastAccessedNeverBeforeCreated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, testEntry("e-1", 1000))

	archived := true
	if err := s.Update(ctx, "e-1", entry.Patch{Archived: &archived, LastAccessedAt: 10}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Get(ctx, "e-1")
	if got.LastAccessedAt != 1000 {
		t.Errorf("LastAccessedAt = %d, want 1000", got.LastAccessedAt)
	}
	if !got.Archived {
		t.Error("expected archived")
	}
}

func TestUpdateNotFound(t *testing.T) {
	s := openTestStore(t)
	archived := true
	err := s.Update(context.Background(), "missing", entry.Patch{Archived: &archived})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := testEntry("e-1", 100)
	mustInsert(t, s, e)

	e.Archived = true
	e.LastAccessedAt = 500
	if err := s.Replace(ctx, e); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := s.Replace(ctx, testEntry("e-2", 200)); err != nil {
		t.Fatalf("Replace new: %v", err)
	}

	got, _ := s.Get(ctx, "e-1")
	if !got.Equal(e) {
		t.Errorf("got %+v, want %+v", got, e)
	}
	n, _ := s.Count(ctx)
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestListByArchived_Order(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, created := range []int64{300, 100, 200, 200} {
		mustInsert(t, s, testEntry(fmt.Sprintf("e-%d", i), created))
	}
	mustInsert(t, s, entry.Entry{ID: "e-arch", RawText: "x", Type: entry.TypeNote, CreatedAt: 999, LastAccessedAt: 999, Archived: true})

	active, err := s.ListByArchived(ctx, false)
	if err != nil {
		t.Fatalf("ListByArchived: %v", err)
	}
	var ids []string
	for _, e := range active {
		ids = append(ids, e.ID)
	}
	want := []string{"e-0", "e-3", "e-2", "e-1"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", ids, want)
	}

	archived, err := s.ListByArchived(ctx, true)
	if err != nil {
		t.Fatalf("ListByArchived(true): %v", err)
	}
	if len(archived) != 1 || archived[0].ID != "e-arch" {
		t.Errorf("archived = %+v", archived)
	}

	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 5 || all[0].ID != "e-arch" {
		t.Errorf("ListAll returned %d entries, first %q", len(all), all[0].ID)
	}
}

func TestListByArchived_EmptyIsNotNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.ListByArchived(context.Background(), false)
	if err != nil {
		t.Fatalf("ListByArchived: %v", err)
	}
	if got == nil {
		t.Error("expected empty non-nil slice")
	}
}

func TestArchiveStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	day := int64(24 * time.Hour / time.Millisecond)
	stale := testEntry("stale", now.UnixMilli()-91*day)
	fresh := testEntry("fresh", now.UnixMilli()-10*day)
	mustInsert(t, s, stale)
	mustInsert(t, s, fresh)

	cutoff := now.UnixMilli() - 90*day
	n, err := s.ArchiveStale(ctx, cutoff)
	if err != nil {
		t.Fatalf("ArchiveStale: %v", err)
	}
	if n != 1 {
		t.Errorf("archived %d entries, want 1", n)
	}

	got, _ := s.Get(ctx, "stale")
	if !got.Archived {
		t.Error("stale entry not archived")
	}
	if got.LastAccessedAt != stale.LastAccessedAt {
		t.Errorf("LastAccessedAt changed: %d -> %d", stale.LastAccessedAt, got.LastAccessedAt)
	}
	if got, _ := s.Get(ctx, "fresh"); got.Archived {
		t.Error("fresh entry archived")
	}

	n, err = s.ArchiveStale(ctx, cutoff)
	if err != nil {
		t.Fatalf("second ArchiveStale: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep archived %d entries, want 0", n)
	}
}

func TestCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
	mustInsert(t, s, testEntry("a", 1))
	mustInsert(t, s, testEntry("b", 2))
	if n, _ := s.Count(ctx); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestStoreSatisfiesPrimary(t *testing.T) {
	var _ entry.Primary = openTestStore(t)
}

// --- Jobs ---

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{
		ID:          "j-claim-1",
		Type:        "mirror_sync",
		PayloadJSON: `{"entry_id":"e1"}`,
	}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"mirror_sync"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" {
		t.Errorf("ID = %q, want %q", got.ID, "j-claim-1")
	}
	if got.PayloadJSON != `{"entry_id":"e1"}` {
		t.Errorf("PayloadJSON = %q", got.PayloadJSON)
	}
	if got.Status != JobRunning {
		t.Errorf("Status = %q, want %q", got.Status, JobRunning)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob(context.Background(), []string{"mirror_sync"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := Job{ID: "j-future", Type: "x", PayloadJSON: `{}`, RunAfter: time.Now().Add(time.Hour)}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilterAndSkipsRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, j := range []Job{{ID: "j-a", Type: "a"}, {ID: "j-b", Type: "b"}, {ID: "j-a2", Type: "a"}} {
		j.PayloadJSON = `{}`
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob %s: %v", j.ID, err)
		}
	}

	first, err := s.ClaimNextJob(ctx, []string{"a"})
	if err != nil || first == nil {
		t.Fatalf("ClaimNextJob: %v, %v", first, err)
	}
	second, err := s.ClaimNextJob(ctx, []string{"a"})
	if err != nil || second == nil {
		t.Fatalf("ClaimNextJob: %v, %v", second, err)
	}
	if first.ID == second.ID {
		t.Errorf("claimed %s twice", first.ID)
	}
	if second.Type != "a" {
		t.Errorf("Type = %q, want a", second.Type)
	}

	none, err := s.ClaimNextJob(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if none != nil {
		t.Errorf("expected no more a jobs, got %s", none.ID)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	n, err := s.CountJobs(ctx, "x", JobCompleted)
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("completed jobs = %d, want 1", n)
	}

	if err := s.CompleteJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFailJob_BackoffThenFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "j-fail", Type: "x", PayloadJSON: `{}`, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC()
	if err := s.FailJob(ctx, "j-fail", "retry"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	var status, lastError, runAfterStr string
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts, last_error, run_after FROM jobs WHERE id = 'j-fail'`).
		Scan(&status, &attempts, &lastError, &runAfterStr); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if status != JobPending || attempts != 1 || lastError != "retry" {
		t.Errorf("after first failure: status=%q attempts=%d last_error=%q", status, attempts, lastError)
	}
	runAfter, err := time.Parse(time.RFC3339, runAfterStr)
	if err != nil {
		t.Fatalf("parsing run_after: %v", err)
	}
	if !runAfter.After(before) {
		t.Errorf("run_after %v should be after %v", runAfter, before)
	}

	if err := s.FailJob(ctx, "j-fail", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	n, _ := s.CountJobs(ctx, "x", JobFailed)
	if n != 1 {
		t.Errorf("failed jobs = %d, want 1", n)
	}

	if err := s.FailJob(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
