// Package pipeline orchestrates one EPG fetch cycle: window computation,
// stale-row trimming, bounded-concurrency source acquisition, and
// per-source persistence into the bulk store.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AntonSheinin/epg-service/internal/merge"
	"github.com/AntonSheinin/epg-service/internal/model"
	"github.com/AntonSheinin/epg-service/internal/storage"
	"github.com/AntonSheinin/epg-service/internal/xmltv"
)

// Downloader acquires a remote document into a local temporary file.
type Downloader interface {
	Fetch(ctx context.Context, url string) (path string, cleanup func(), err error)
}

// Parser converts a downloaded document into typed records.
type Parser interface {
	ParseFile(ctx context.Context, path string, window model.FetchContext) (*xmltv.Result, error)
}

// Options configures a Pipeline. Zero values get safe defaults.
type Options struct {
	Sources     []string
	ArchiveDays int // days of history retained; default 14
	FutureDays  int // days of future listings fetched; default 7
	Concurrency int // simultaneous source tasks; default 4
	Bulk        storage.BulkOptions
}

func (o *Options) setDefaults() {
	if o.ArchiveDays <= 0 {
		o.ArchiveDays = 14
	}
	if o.FutureDays <= 0 {
		o.FutureDays = 7
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
}

// Pipeline runs fetch cycles. All collaborators are injected; the Gate
// guarantees at most one cycle in flight per process.
type Pipeline struct {
	store  storage.Storage
	dl     Downloader
	parser Parser
	gate   *Gate
	opts   Options
	log    *slog.Logger
}

// New creates a Pipeline.
func New(store storage.Storage, dl Downloader, parser Parser, gate *Gate, opts Options, log *slog.Logger) *Pipeline {
	opts.setDefaults()
	return &Pipeline{store: store, dl: dl, parser: parser, gate: gate, opts: opts, log: log}
}

type sourceResult struct {
	index    int
	url      string
	res      *xmltv.Result
	err      error
	duration time.Duration
}

// Run executes one fetch cycle and always returns a structured report. A
// concurrent call while a cycle is in flight returns a skipped report
// without touching the store.
func (p *Pipeline) Run(ctx context.Context) model.Report {
	now := time.Now().UTC()
	if !p.gate.TryAcquire() {
		p.log.Info("fetch already in progress, skipping")
		return model.Report{
			Status:    model.StatusSkipped,
			Message:   "fetch already in progress",
			Timestamp: now,
		}
	}
	defer p.gate.Release()

	if len(p.opts.Sources) == 0 {
		return p.failed(now, model.FetchContext{}, errors.New("no EPG sources configured"))
	}
	if p.store == nil {
		return p.failed(now, model.FetchContext{}, errors.New("no storage configured"))
	}

	fc := model.NewFetchContext(now, p.opts.ArchiveDays, p.opts.FutureDays)
	p.log.Info("starting fetch cycle",
		"sources", len(p.opts.Sources),
		"window_start", fc.WindowStart, "window_end", fc.WindowEnd)

	deletedArchive, err := p.store.DeleteProgramsBefore(ctx, fc.WindowStart)
	if err != nil {
		return p.failed(now, fc, err)
	}
	// Forward trim from today's midnight: same-day and future rows are
	// rebuilt every cycle so upstream title corrections take effect.
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	deletedForward, err := p.store.DeleteProgramsFrom(ctx, today)
	if err != nil {
		return p.failed(now, fc, err)
	}
	deleted := deletedArchive + deletedForward
	p.log.Info("window trim complete",
		"deleted_archive", deletedArchive, "deleted_forward", deletedForward)

	bulk, err := p.store.StartBulk(ctx, p.opts.Bulk)
	if err != nil {
		return p.failed(now, fc, err)
	}
	defer bulk.Abort()

	// Download/parse fan out under the concurrency gate; persistence runs
	// here on the orchestrator goroutine as each source completes, so
	// slow sources never block commits of fast ones.
	results := make(chan sourceResult)
	go func() {
		var g errgroup.Group
		g.SetLimit(p.opts.Concurrency)
		for i, src := range p.opts.Sources {
			i, src := i, src
			g.Go(func() error {
				results <- p.fetchSource(ctx, i, src, fc)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	agg := merge.NewAggregate(p.log)
	summaries := make([]model.SourceSummary, len(p.opts.Sources))
	var inserted int64

	for r := range results {
		sum := model.SourceSummary{URL: RedactURL(r.url), Duration: r.duration.Seconds()}
		if r.err != nil {
			sum.Status = model.SourceFailed
			sum.Error = r.err.Error()
			p.log.Error("source failed", "url", sum.URL, "error", r.err)
			summaries[r.index] = sum
			continue
		}
		sum.ChannelsParsed = len(r.res.Channels)
		sum.ProgramsParsed = len(r.res.Programs)
		folded := agg.Fold(r.res.Channels, r.res.Programs)
		ins, skipped, perr := bulk.PersistSource(ctx, folded.Channels, folded.Programs)
		if perr != nil {
			sum.Status = model.SourceFailed
			sum.Error = perr.Error()
			// None of the fold reached the store; forget it so another
			// source carrying the same programs can still persist them.
			agg.Discard(folded.Programs)
			p.log.Error("persist source", "url", sum.URL, "error", perr)
		} else {
			sum.Status = model.SourceSuccess
			sum.ProgramsInserted = ins
			sum.DuplicatesSkipped = skipped + int64(folded.Duplicates)
			inserted += ins
			p.log.Info("source persisted", "url", sum.URL,
				"inserted", ins, "duplicates", sum.DuplicatesSkipped)
		}
		summaries[r.index] = sum
	}

	if err := bulk.Finish(ctx); err != nil {
		return p.failed(now, fc, err)
	}

	succeeded, failedCount := 0, 0
	for _, s := range summaries {
		if s.Status == model.SourceSuccess {
			succeeded++
		} else {
			failedCount++
		}
	}

	report := model.Report{
		Status:           model.StatusSuccess,
		Timestamp:        time.Now().UTC(),
		SourcesProcessed: len(summaries),
		SourcesSucceeded: succeeded,
		SourcesFailed:    failedCount,
		ProgramsInserted: inserted,
		ProgramsDeleted:  deleted,
		WindowStart:      fc.WindowStart,
		WindowEnd:        fc.WindowEnd,
		SourceDetails:    summaries,
	}
	p.log.Info("fetch cycle complete",
		"succeeded", succeeded, "failed", failedCount,
		"inserted", inserted, "deleted", deleted)
	return report
}

// fetchSource runs the download→parse stage for one source. Errors are
// carried in the result; a bad source never aborts the cycle.
func (p *Pipeline) fetchSource(ctx context.Context, index int, url string, fc model.FetchContext) sourceResult {
	start := time.Now()
	r := sourceResult{index: index, url: url}

	path, cleanup, err := p.dl.Fetch(ctx, url)
	if err != nil {
		r.err = err
		r.duration = time.Since(start)
		return r
	}
	defer cleanup()

	res, err := p.parser.ParseFile(ctx, path, fc)
	if err != nil {
		r.err = err
	} else {
		addPlaceholders(res)
		r.res = res
	}
	r.duration = time.Since(start)
	return r
}

// addPlaceholders synthesizes a channel for every programme reference the
// source did not declare, so each persisted batch is self-contained.
func addPlaceholders(res *xmltv.Result) {
	declared := make(map[string]struct{}, len(res.Channels))
	for _, ch := range res.Channels {
		declared[ch.XMLTVID] = struct{}{}
	}
	for _, pr := range res.Programs {
		if _, ok := declared[pr.ChannelID]; ok {
			continue
		}
		declared[pr.ChannelID] = struct{}{}
		res.Channels = append(res.Channels, model.Channel{
			XMLTVID:     pr.ChannelID,
			DisplayName: pr.ChannelID,
		})
	}
}

func (p *Pipeline) failed(now time.Time, fc model.FetchContext, err error) model.Report {
	p.log.Error("fetch cycle failed", "error", err)
	return model.Report{
		Status:      model.StatusFailed,
		Error:       err.Error(),
		Timestamp:   now,
		WindowStart: fc.WindowStart,
		WindowEnd:   fc.WindowEnd,
	}
}
