package storage

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AntonSheinin/epg-service/internal/model"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "epg.db"), testLog)
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func prog(channel, title string, start time.Time) model.Program {
	return model.Program{
		ID:        uuid.NewString(),
		ChannelID: channel,
		StartTime: start,
		StopTime:  start.Add(30 * time.Minute),
		Title:     title,
	}
}

// persist writes one source through a full bulk session.
func persist(t *testing.T, s *SQLite, channels []model.Channel, programs []model.Program) (inserted, skipped int64) {
	t.Helper()
	ctx := context.Background()
	b, err := s.StartBulk(ctx, BulkOptions{})
	if err != nil {
		t.Fatalf("start bulk: %v", err)
	}
	inserted, skipped, err = b.PersistSource(ctx, channels, programs)
	if err != nil {
		b.Abort()
		t.Fatalf("persist source: %v", err)
	}
	if err := b.Finish(ctx); err != nil {
		t.Fatalf("finish bulk: %v", err)
	}
	return inserted, skipped
}

func TestDeleteProgramsBeforeBoundary(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	channels := []model.Channel{{XMLTVID: "ch1", DisplayName: "One"}}
	persist(t, s, channels, []model.Program{
		prog("ch1", "Too Old", cutoff.Add(-time.Hour)),
		prog("ch1", "At Boundary", cutoff),
		prog("ch1", "Inside", cutoff.Add(time.Hour)),
	})

	deleted, err := s.DeleteProgramsBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	remaining, err := s.ListPrograms(ctx, cutoff.Add(-24*time.Hour), cutoff.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("remaining = %d, want 2", len(remaining))
	}
	// The row starting exactly at the cutoff survives the archive trim.
	if remaining[0].Title != "At Boundary" {
		t.Errorf("boundary row missing, got %q", remaining[0].Title)
	}
}

func TestDeleteProgramsFrom(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	cutoff := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	persist(t, s, []model.Channel{{XMLTVID: "ch1", DisplayName: "One"}}, []model.Program{
		prog("ch1", "Yesterday", cutoff.Add(-time.Hour)),
		prog("ch1", "Midnight", cutoff),
		prog("ch1", "Tomorrow", cutoff.Add(time.Hour)),
	})

	deleted, err := s.DeleteProgramsFrom(ctx, cutoff)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	n, err := s.CountPrograms(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("remaining = %d, want 1", n)
	}
}

func TestChannelUpsertNeverDowngrades(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	persist(t, s,
		[]model.Channel{{XMLTVID: "ch1", DisplayName: "Channel One", IconURL: "http://a/icon.png"}},
		[]model.Program{prog("ch1", "Seed", start)})

	// A later cycle with empty fields must not erase the stored values,
	// but a new non-empty value may replace an old one.
	persist(t, s,
		[]model.Channel{{XMLTVID: "ch1", DisplayName: "", IconURL: ""}},
		[]model.Program{prog("ch1", "Seed2", start.Add(time.Hour))})

	channels, err := s.ListChannels(ctx)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("channels = %d, want 1", len(channels))
	}
	if channels[0].DisplayName != "Channel One" || channels[0].IconURL != "http://a/icon.png" {
		t.Errorf("downgraded channel: %+v", channels[0])
	}

	persist(t, s,
		[]model.Channel{{XMLTVID: "ch1", DisplayName: "Channel 1 HD", IconURL: ""}},
		[]model.Program{prog("ch1", "Seed3", start.Add(2*time.Hour))})

	channels, _ = s.ListChannels(ctx)
	if channels[0].DisplayName != "Channel 1 HD" || channels[0].IconURL != "http://a/icon.png" {
		t.Errorf("update not applied: %+v", channels[0])
	}
}

func TestInsertIdempotence(t *testing.T) {
	s := newTestDB(t)

	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	channels := []model.Channel{{XMLTVID: "ch1", DisplayName: "One"}}
	batch := func() []model.Program {
		// Fresh synthetic ids each cycle, same natural keys.
		return []model.Program{
			prog("ch1", "News", start),
			prog("ch1", "Movie", start.Add(time.Hour)),
		}
	}

	inserted, skipped := persist(t, s, channels, batch())
	if inserted != 2 || skipped != 0 {
		t.Fatalf("first cycle: inserted=%d skipped=%d, want 2/0", inserted, skipped)
	}

	inserted, skipped = persist(t, s, channels, batch())
	if inserted != 0 || skipped != 2 {
		t.Errorf("second cycle: inserted=%d skipped=%d, want 0/2", inserted, skipped)
	}
}

func TestDuplicateWithinSource(t *testing.T) {
	s := newTestDB(t)

	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	inserted, skipped := persist(t, s,
		[]model.Channel{{XMLTVID: "ch1", DisplayName: "One"}},
		[]model.Program{
			prog("ch1", "News", start),
			prog("ch1", "News", start),
		})
	if inserted != 1 || skipped != 1 {
		t.Errorf("inserted=%d skipped=%d, want 1/1", inserted, skipped)
	}
}

func TestBulkRestoresEngineSettings(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	b, err := s.StartBulk(ctx, BulkOptions{})
	if err != nil {
		t.Fatalf("start bulk: %v", err)
	}
	if _, _, err := b.PersistSource(ctx,
		[]model.Channel{{XMLTVID: "ch1", DisplayName: "One"}},
		[]model.Program{prog("ch1", "News", time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC))},
	); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := b.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if n := indexCount(t, s); n != 1 {
		t.Errorf("index not rebuilt after Finish, count=%d", n)
	}
	if sync := pragmaInt(t, s, "synchronous"); sync == 0 {
		t.Error("synchronous commit still off after Finish")
	}
	if ac := pragmaInt(t, s, "wal_autocheckpoint"); ac == 0 {
		t.Error("wal_autocheckpoint still disabled after Finish")
	}
}

func TestBulkAbortRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	b, err := s.StartBulk(ctx, BulkOptions{})
	if err != nil {
		t.Fatalf("start bulk: %v", err)
	}
	if _, _, err := b.PersistSource(ctx,
		[]model.Channel{{XMLTVID: "ch1", DisplayName: "One"}},
		[]model.Program{prog("ch1", "News", time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC))},
	); err != nil {
		t.Fatalf("persist: %v", err)
	}
	b.Abort()

	n, err := s.CountPrograms(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("rows survived an aborted session: %d", n)
	}
	if n := indexCount(t, s); n != 1 {
		t.Error("index not rebuilt after Abort")
	}

	// Finish after Abort is a no-op.
	if err := b.Finish(ctx); err != nil {
		t.Errorf("finish after abort: %v", err)
	}
}

func TestCheckpointBusyNotFatal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "epg.db")
	s, err := NewSQLite(path, testLog)
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	b, err := s.StartBulk(ctx, BulkOptions{
		CheckpointRetries:    1,
		CheckpointBackoff:    time.Millisecond,
		CheckpointBackoffMax: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start bulk: %v", err)
	}
	if _, _, err := b.PersistSource(ctx,
		[]model.Channel{{XMLTVID: "ch1", DisplayName: "One"}},
		[]model.Program{prog("ch1", "News", time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC))},
	); err != nil {
		t.Fatalf("persist: %v", err)
	}

	// A second connection holds a read snapshot across Finish, so the
	// TRUNCATE checkpoint reports busy until the retries run out.
	reader, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer func() { _ = reader.Close() }()
	rtx, err := reader.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin read tx: %v", err)
	}
	var n int
	if err := rtx.QueryRowContext(ctx, "SELECT COUNT(*) FROM channels").Scan(&n); err != nil {
		t.Fatalf("snapshot read: %v", err)
	}

	if err := b.Finish(ctx); err != nil {
		t.Fatalf("checkpoint exhaustion must not fail the cycle: %v", err)
	}
	_ = rtx.Rollback()

	count, err := s.CountPrograms(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("committed rows = %d, want 1", count)
	}
}

func TestIDCacheSurvivesAcrossSources(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	b, err := s.StartBulk(ctx, BulkOptions{})
	if err != nil {
		t.Fatalf("start bulk: %v", err)
	}
	defer b.Abort()

	channels := []model.Channel{{XMLTVID: "ch1", DisplayName: "One"}}
	if ins, _, err := b.PersistSource(ctx, channels, []model.Program{prog("ch1", "News", start)}); err != nil || ins != 1 {
		t.Fatalf("first source: inserted=%d err=%v", ins, err)
	}
	// Second source repeats the program: the in-memory key set must
	// short-circuit it without touching the store.
	ins, skipped, err := b.PersistSource(ctx, channels, []model.Program{prog("ch1", "News", start)})
	if err != nil {
		t.Fatalf("second source: %v", err)
	}
	if ins != 0 || skipped != 1 {
		t.Errorf("second source: inserted=%d skipped=%d, want 0/1", ins, skipped)
	}

	if err := b.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestListProgramsRange(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	persist(t, s, []model.Channel{{XMLTVID: "ch1", DisplayName: "One"}}, []model.Program{
		prog("ch1", "A", base),
		prog("ch1", "B", base.Add(time.Hour)),
		prog("ch1", "C", base.Add(2*time.Hour)),
	})

	// [from, to): the row at `to` is excluded.
	got, err := s.ListPrograms(ctx, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Title != "A" || got[1].Title != "B" {
		t.Errorf("unexpected range result: %+v", got)
	}
}

func indexCount(t *testing.T, s *SQLite) int {
	t.Helper()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_programs_channel_time'`,
	).Scan(&n)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	return n
}

func pragmaInt(t *testing.T, s *SQLite, name string) int {
	t.Helper()
	var v int
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&v); err != nil {
		t.Fatalf("pragma %s: %v", name, err)
	}
	return v
}
