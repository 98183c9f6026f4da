package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "bilal.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertJobIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour).Round(time.Millisecond)

	j := Job{
		ID:        SlotJobID(JobPlay, "2026-08-31", "maghrib"),
		Kind:      JobPlay,
		Day:       "2026-08-31",
		Event:     "maghrib",
		TriggerAt: at,
		Payload:   `{"file":"azan.mp3"}`,
	}
	for i := 0; i < 3; i++ {
		if err := s.UpsertJob(ctx, j); err != nil {
			t.Fatalf("UpsertJob #%d: %v", i, err)
		}
	}

	jobs, err := s.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if !jobs[0].TriggerAt.Equal(at) {
		t.Fatalf("trigger_at = %v, want %v", jobs[0].TriggerAt, at)
	}

	// An upsert with a new trigger replaces, not duplicates.
	j.TriggerAt = at.Add(time.Minute)
	if err := s.UpsertJob(ctx, j); err != nil {
		t.Fatalf("UpsertJob update: %v", err)
	}
	got, ok, err := s.GetJob(ctx, j.ID)
	if err != nil || !ok {
		t.Fatalf("GetJob: ok=%v err=%v", ok, err)
	}
	if !got.TriggerAt.Equal(at.Add(time.Minute)) {
		t.Fatalf("updated trigger_at = %v", got.TriggerAt)
	}
}

func TestJobsSurviveReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bilal.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	j := Job{ID: "play-2026-08-31-isha", Kind: JobPlay, Day: "2026-08-31", Event: "isha", TriggerAt: time.Now().Add(2 * time.Hour)}
	if err := s.UpsertJob(ctx, j); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(Config{Path: path}, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	_, ok, err := s2.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob after reopen: %v", err)
	}
	if !ok {
		t.Fatal("job lost across reopen")
	}
}

func TestListJobsOrdering(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"c", "a", "b"} {
		err := s.UpsertJob(ctx, Job{ID: id, Kind: JobPlay, TriggerAt: base.Add(time.Duration(2-i) * time.Hour)})
		if err != nil {
			t.Fatalf("UpsertJob %s: %v", id, err)
		}
	}

	jobs, err := s.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs", len(jobs))
	}
	for i := 1; i < len(jobs); i++ {
		if jobs[i].TriggerAt.Before(jobs[i-1].TriggerAt) {
			t.Fatalf("jobs out of order: %v", jobs)
		}
	}
}

func TestRemoveJob(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertJob(ctx, Job{ID: "x", Kind: JobPrepare, TriggerAt: time.Now()}); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	if err := s.RemoveJob(ctx, "x"); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if _, ok, _ := s.GetJob(ctx, "x"); ok {
		t.Fatal("job still present after remove")
	}
	// Removing a missing job is not an error.
	if err := s.RemoveJob(ctx, "x"); err != nil {
		t.Fatalf("RemoveJob missing: %v", err)
	}
}

func TestPlayedMarkers(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	slot := time.Date(2026, 8, 31, 19, 2, 0, 0, time.UTC)

	played, err := s.HasPlayed(ctx, "2026-08-31", "maghrib")
	if err != nil {
		t.Fatalf("HasPlayed: %v", err)
	}
	if played {
		t.Fatal("empty ledger reports played")
	}

	err = s.AppendPlayed(ctx, PlayedMarker{
		Day: "2026-08-31", Event: "maghrib", At: slot.Add(40 * time.Second), File: "azan.mp3", SessionID: "s1",
	})
	if err != nil {
		t.Fatalf("AppendPlayed: %v", err)
	}

	played, err = s.HasPlayed(ctx, "2026-08-31", "maghrib")
	if err != nil || !played {
		t.Fatalf("HasPlayed after append: %v %v", played, err)
	}
	if played, _ := s.HasPlayed(ctx, "2026-08-31", "isha"); played {
		t.Fatal("wrong event reported as played")
	}
	if played, _ := s.HasPlayed(ctx, "2026-09-01", "maghrib"); played {
		t.Fatal("wrong day reported as played")
	}
}

func TestPlayedNearTolerance(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	slot := time.Date(2026, 8, 31, 19, 2, 0, 0, time.UTC)
	tolerance := 5 * time.Minute

	// A manual test-play hours before the slot must not satisfy it.
	err := s.AppendPlayed(ctx, PlayedMarker{Day: "2026-08-31", Event: "maghrib", At: slot.Add(-3 * time.Hour), File: "azan.mp3"})
	if err != nil {
		t.Fatalf("AppendPlayed: %v", err)
	}
	near, err := s.PlayedNear(ctx, "2026-08-31", "maghrib", slot, tolerance)
	if err != nil {
		t.Fatalf("PlayedNear: %v", err)
	}
	if near {
		t.Fatal("marker far outside tolerance counted as near")
	}

	err = s.AppendPlayed(ctx, PlayedMarker{Day: "2026-08-31", Event: "maghrib", At: slot.Add(2 * time.Minute), File: "azan.mp3"})
	if err != nil {
		t.Fatalf("AppendPlayed: %v", err)
	}
	near, err = s.PlayedNear(ctx, "2026-08-31", "maghrib", slot, tolerance)
	if err != nil || !near {
		t.Fatalf("marker within tolerance not found: near=%v err=%v", near, err)
	}
}

func TestPlayedNearAcrossTimezones(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	gulf := time.FixedZone("GST", 4*3600)

	// Marker written in local time, lookup with a UTC slot for the same
	// instant. Mixed offsets must not defeat the window comparison.
	at := time.Date(2026, 8, 31, 19, 2, 40, 0, gulf)
	err := s.AppendPlayed(ctx, PlayedMarker{Day: "2026-08-31", Event: "maghrib", At: at, File: "azan.mp3"})
	if err != nil {
		t.Fatalf("AppendPlayed: %v", err)
	}

	slot := time.Date(2026, 8, 31, 15, 2, 0, 0, time.UTC)
	near, err := s.PlayedNear(ctx, "2026-08-31", "maghrib", slot, 5*time.Minute)
	if err != nil || !near {
		t.Fatalf("marker not found across offsets: near=%v err=%v", near, err)
	}

	near, err = s.PlayedNear(ctx, "2026-08-31", "maghrib", slot.In(gulf).Add(-3*time.Hour), 5*time.Minute)
	if err != nil {
		t.Fatalf("PlayedNear: %v", err)
	}
	if near {
		t.Fatal("marker far outside tolerance counted as near")
	}
}

func TestListPlayedWindow(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	days := []int{0, 1, 2, 10}
	for _, back := range days {
		at := now.AddDate(0, 0, -back)
		err := s.AppendPlayed(ctx, PlayedMarker{Day: at.Format("2006-01-02"), Event: "fajr", At: at, File: "azan.mp3"})
		if err != nil {
			t.Fatalf("AppendPlayed: %v", err)
		}
	}

	got, err := s.ListPlayed(ctx, 3, time.UTC)
	if err != nil {
		t.Fatalf("ListPlayed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 markers in window, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].At.After(got[i-1].At) {
			t.Fatal("ListPlayed not newest first")
		}
	}
}
