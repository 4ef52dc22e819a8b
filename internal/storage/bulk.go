package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/AntonSheinin/epg-service/internal/model"
)

const createIndexSQL = `CREATE INDEX IF NOT EXISTS idx_programs_channel_time
	ON programs(channel_id, start_time)`

// Bulk is a scoped bulk-write session. While it is open, write durability
// and the secondary index are traded away for insert throughput; Finish or
// Abort restores the engine settings on every exit path. The session holds
// the cycle's write transaction and the cross-source existing-ID cache.
type Bulk struct {
	s    *SQLite
	tx   *sql.Tx
	opts BulkOptions
	ids  map[model.ProgramKey]struct{}
	done bool
}

// StartBulk engages bulk-write mode: synchronous commit off, WAL
// auto-checkpoint off, enlarged page cache, time-range index dropped, and
// an explicit write transaction opened. The existing-ID set is loaded once
// here and maintained across sources.
func (s *SQLite) StartBulk(ctx context.Context, opts BulkOptions) (*Bulk, error) {
	opts.setDefaults()

	engage := []string{
		"PRAGMA synchronous=OFF",
		"PRAGMA wal_autocheckpoint=0",
		fmt.Sprintf("PRAGMA cache_size=-%d", opts.CacheSizeKB),
		"DROP INDEX IF EXISTS idx_programs_channel_time",
	}
	for _, stmt := range engage {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			rerr := s.restoreSettings(context.WithoutCancel(ctx))
			return nil, multierr.Append(fmt.Errorf("engage bulk mode: %w", err), rerr)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		rerr := s.restoreSettings(context.WithoutCancel(ctx))
		return nil, multierr.Append(fmt.Errorf("begin bulk transaction: %w", err), rerr)
	}

	b := &Bulk{s: s, tx: tx, opts: opts}
	if err := b.refreshIDCache(ctx); err != nil {
		_ = tx.Rollback()
		rerr := s.restoreSettings(context.WithoutCancel(ctx))
		return nil, multierr.Append(err, rerr)
	}
	s.log.Debug("bulk mode engaged", "existing_programs", len(b.ids))
	return b, nil
}

// PersistSource writes one source's merged records: channels are upserted
// (filling fields, never downgrading non-empty values to empty) and
// programs inserted with duplicate suppression against the natural key.
// On error the source is credited zero rows and the ID cache is re-read so
// the next source starts from known state.
func (b *Bulk) PersistSource(ctx context.Context, channels []model.Channel, programs []model.Program) (inserted, skipped int64, err error) {
	if b.done {
		return 0, 0, errors.New("bulk session already finished")
	}
	if err := b.upsertChannels(ctx, channels); err != nil {
		rerr := b.refreshIDCache(context.WithoutCancel(ctx))
		return 0, 0, multierr.Append(fmt.Errorf("upsert channels: %w", err), rerr)
	}
	inserted, skipped, err = b.insertPrograms(ctx, programs)
	if err != nil {
		rerr := b.refreshIDCache(context.WithoutCancel(ctx))
		return 0, 0, multierr.Append(err, rerr)
	}
	return inserted, skipped, nil
}

// Finish commits the transaction, restores durability and checkpoint
// settings, rebuilds the dropped index, and attempts a WAL checkpoint.
// Checkpoint exhaustion is logged, not fatal; everything else is fatal to
// the cycle. Finish is a no-op after Abort and vice versa.
func (b *Bulk) Finish(ctx context.Context) error {
	if b.done {
		return nil
	}
	b.done = true
	rctx := context.WithoutCancel(ctx)
	if err := b.tx.Commit(); err != nil {
		rerr := b.s.restoreSettings(rctx)
		return multierr.Append(fmt.Errorf("commit bulk transaction: %w", err), rerr)
	}
	if err := b.s.restoreSettings(rctx); err != nil {
		return err
	}
	b.s.checkpoint(rctx, b.opts)
	return nil
}

// Abort rolls back the transaction and restores the engine settings.
// Errors are logged; Abort is called from defers where nothing can act on
// them.
func (b *Bulk) Abort() {
	if b.done {
		return
	}
	b.done = true
	if err := b.tx.Rollback(); err != nil {
		b.s.log.Warn("rollback bulk transaction", "error", err)
	}
	if err := b.s.restoreSettings(context.Background()); err != nil {
		b.s.log.Warn("restore engine settings", "error", err)
	}
}

func (b *Bulk) upsertChannels(ctx context.Context, channels []model.Channel) error {
	stmt, err := b.tx.PrepareContext(ctx,
		`INSERT INTO channels (xmltv_id, display_name, icon_url, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(xmltv_id) DO UPDATE SET
		     display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE display_name END,
		     icon_url     = CASE WHEN excluded.icon_url <> '' THEN excluded.icon_url ELSE icon_url END`,
	)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := formatTime(time.Now())
	for _, ch := range channels {
		if _, err := stmt.ExecContext(ctx, ch.XMLTVID, ch.DisplayName, ch.IconURL, now); err != nil {
			return fmt.Errorf("channel %s: %w", ch.XMLTVID, err)
		}
	}
	return nil
}

func (b *Bulk) insertPrograms(ctx context.Context, programs []model.Program) (inserted, skipped int64, err error) {
	stmt, err := b.tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO programs
		 (id, channel_id, start_time, stop_time, title, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := formatTime(time.Now())
	for start := 0; start < len(programs); start += b.opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		end := min(start+b.opts.ChunkSize, len(programs))
		for _, p := range programs[start:end] {
			key := p.Key()
			if _, ok := b.ids[key]; ok {
				skipped++
				continue
			}
			res, err := stmt.ExecContext(ctx,
				p.ID, p.ChannelID, formatTime(p.StartTime), formatTime(p.StopTime),
				p.Title, p.Description, now,
			)
			if err != nil {
				return 0, 0, fmt.Errorf("insert programs: %w", err)
			}
			// INSERT OR IGNORE reports zero rows on a natural-key conflict.
			if n, _ := res.RowsAffected(); n == 0 {
				skipped++
				continue
			}
			b.ids[key] = struct{}{}
			inserted++
		}
		b.s.log.Debug("program batch written", "rows", end-start, "inserted", inserted)
	}
	return inserted, skipped, nil
}

// refreshIDCache (re)loads the natural keys of every stored program as seen
// by the open transaction, including rows written earlier this cycle.
func (b *Bulk) refreshIDCache(ctx context.Context) error {
	rows, err := b.tx.QueryContext(ctx, `SELECT channel_id, start_time, title FROM programs`)
	if err != nil {
		return fmt.Errorf("load program keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[model.ProgramKey]struct{})
	for rows.Next() {
		var channelID, start, title string
		if err := rows.Scan(&channelID, &start, &title); err != nil {
			return fmt.Errorf("scan program key: %w", err)
		}
		t, err := time.Parse(timeLayout, start)
		if err != nil {
			return fmt.Errorf("parse stored start_time %q: %w", start, err)
		}
		ids[model.ProgramKey{ChannelID: channelID, StartUnix: t.Unix(), Title: title}] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load program keys: %w", err)
	}
	b.ids = ids
	return nil
}

// restoreSettings reverts the bulk-mode pragmas and rebuilds the time-range
// index. All steps are attempted even if earlier ones fail.
func (s *SQLite) restoreSettings(ctx context.Context) error {
	var errs error
	restore := []string{
		"PRAGMA synchronous=FULL",
		"PRAGMA wal_autocheckpoint=1000",
		"PRAGMA cache_size=-2000",
		createIndexSQL,
	}
	for _, stmt := range restore {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("restore %q: %w", stmt, err))
		}
	}
	return errs
}

// checkpoint folds the WAL back into the main database file, retrying with
// exponential backoff while readers keep the store busy. Exhaustion leaves
// the WAL to grow until the next cycle; that is operational, not fatal.
func (s *SQLite) checkpoint(ctx context.Context, opts BulkOptions) {
	backoff := retry.WithMaxRetries(uint64(opts.CheckpointRetries),
		retry.WithCappedDuration(opts.CheckpointBackoffMax, retry.NewExponential(opts.CheckpointBackoff)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var busy, logFrames, checkpointed int
		if err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").
			Scan(&busy, &logFrames, &checkpointed); err != nil {
			return err
		}
		if busy != 0 {
			return retry.RetryableError(fmt.Errorf("checkpoint busy (%d frames in log)", logFrames))
		}
		return nil
	})
	if err != nil {
		s.log.Warn("wal checkpoint did not complete", "error", err)
		return
	}
	s.log.Debug("wal checkpoint completed")
}
