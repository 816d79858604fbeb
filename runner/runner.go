package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/pst-export/archive"
	"github.com/dhcgn/pst-export/convert"
	"github.com/dhcgn/pst-export/dedup"
	"github.com/dhcgn/pst-export/filter"
	"github.com/dhcgn/pst-export/model"
	"github.com/dhcgn/pst-export/progress"
	"github.com/dhcgn/pst-export/state"
	"github.com/dhcgn/pst-export/stats"
)

// Options configures a batch. Nil Filter, Dedup or Ledger switch the
// respective stage off.
type Options struct {
	Workers          int
	Archive          archive.Options
	Filter           *filter.Filter
	Dedup            *dedup.Detector
	RemoveDuplicates bool
	Policy           dedup.Policy
	Ledger           state.Ledger
}

// Runner extracts archives and feeds the combined records through filter,
// dedup, ledger and converters.
type Runner struct {
	opts     Options
	registry *convert.Registry
	logger   *slog.Logger
}

func New(opts Options, registry *convert.Registry, logger *slog.Logger) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if registry == nil {
		registry = convert.NewRegistry()
	}
	return &Runner{opts: opts, registry: registry, logger: logger}
}

// batch is the state of one Run call.
type batch struct {
	logger    *slog.Logger
	collector *stats.Collector
	tracker   *progress.Tracker
	total     int

	mu   sync.Mutex
	done int
}

// Run processes files and converts the surviving records into every format.
// Per-file and per-format failures are recorded in the returned Batch; the
// error is non-nil only for unusable arguments or a cancelled ctx.
func (r *Runner) Run(ctx context.Context, files []string, formats []string, progressFn progress.Func) (stats.Batch, error) {
	runID := uuid.NewString()
	ctx = convert.WithRunID(ctx, runID)
	b := &batch{
		logger:    r.logger.With("runID", runID),
		collector: stats.NewCollector(runID),
		tracker:   progress.NewTracker(r.logger, progressFn),
		total:     len(files) + 1,
	}

	converters := make([]convert.Converter, 0, len(formats))
	for _, format := range formats {
		c, err := r.registry.Get(format)
		if err != nil {
			return b.collector.Snapshot(), err
		}
		converters = append(converters, c)
	}

	b.logger.Info("starting batch", "files", len(files), "formats", formats, "workers", r.opts.Workers)

	perFile := r.extractAll(ctx, b, files)
	if err := ctx.Err(); err != nil {
		b.logger.Warn("batch cancelled", "err", err)
		return b.collector.Snapshot(), err
	}

	var records []*model.Record
	for _, recs := range perFile {
		records = append(records, recs...)
	}
	b.logger.Info("extraction finished", "messages", len(records), "files", len(files))

	records = r.process(b, records)

	base := float64(len(files)) / float64(b.total) * 100
	b.tracker.Update(base, "Converting to output formats", len(files), b.total)

	for i, c := range converters {
		format := c.Format()
		pending, keys := r.pending(b, format, records)
		res, err := r.convert(ctx, b, c, pending, i, len(converters), base)
		b.collector.SetResult(res)
		switch {
		case err != nil:
			// logged by convert
		case res.Errors > 0:
			b.logger.Warn("not recording partial export", "format", format, "errors", res.Errors)
		default:
			r.markExported(b, runID, pending, keys)
		}
	}

	b.tracker.Update(100, "Completed", b.total, b.total)

	result := b.collector.Snapshot()
	stats.Report(b.logger, result)
	return result, nil
}

// extractAll keeps each file's records in its own slot so within-file order
// survives parallel extraction.
func (r *Runner) extractAll(ctx context.Context, b *batch, files []string) [][]*model.Record {
	perFile := make([][]*model.Record, len(files))

	if r.opts.Workers == 1 {
		for i, path := range files {
			if ctx.Err() != nil {
				break
			}
			perFile[i] = r.processFile(ctx, b, path)
		}
		return perFile
	}

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, path := range files {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			perFile[i] = r.processFile(ctx, b, path)
			return nil
		})
	}
	_ = g.Wait()
	return perFile
}

func (r *Runner) processFile(ctx context.Context, b *batch, path string) []*model.Record {
	defer b.step(path)

	records, err := r.extractFile(ctx, b.logger, path)
	if err != nil {
		b.logger.Error("error processing archive", "path", path, "err", err)
		b.collector.FileFailed(path, err)
		return nil
	}

	degraded := 0
	for _, rec := range records {
		if rec.Quality != model.QualityStructured {
			degraded++
		}
	}
	b.collector.FileProcessed(len(records), degraded)
	b.logger.Debug("extracted archive", "path", path, "messages", len(records), "degraded", degraded)
	return records
}

func (r *Runner) extractFile(ctx context.Context, logger *slog.Logger, path string) (records []*model.Record, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while processing %s: %v", path, p)
		}
	}()

	a, err := archive.Open(path, r.opts.Archive, logger)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	return a.Messages(ctx)
}

func (b *batch) step(path string) {
	b.mu.Lock()
	b.done++
	done := b.done
	b.mu.Unlock()
	b.tracker.Update(float64(done)/float64(b.total)*100, "Processed "+filepath.Base(path), done, b.total)
}

func (r *Runner) process(b *batch, records []*model.Record) []*model.Record {
	if r.opts.Filter != nil && r.opts.Filter.Active() {
		b.logger.Info("applying message filters", r.opts.Filter.Summary()...)
		records = r.opts.Filter.Apply(records)
		b.logger.Info("filtered messages", "remaining", len(records))
	}
	b.collector.SetFiltered(len(records))

	if r.opts.RemoveDuplicates && r.opts.Dedup != nil {
		before := len(records)
		records = r.opts.Dedup.Remove(records, r.opts.Policy)
		b.collector.DuplicatesRemoved(before - len(records))
	}
	return records
}

// ledgerSigner covers every field so records dedup would merge still get
// their own ledger keys.
var ledgerSigner = dedup.New(dedup.Options{
	Subject:          true,
	Sender:           true,
	Recipients:       true,
	Body:             true,
	Date:             true,
	ToleranceMinutes: 1,
}, nil)

// ledgerHash is empty for records with nothing to identify them by.
func ledgerHash(rec *model.Record) string {
	if rec.MessageID == "" && rec.Subject == "" && rec.Sender == "" && rec.Body() == "" {
		return ""
	}
	return dedup.SignatureHash("id:" + rec.MessageID + "|" + ledgerSigner.Signature(rec))
}

func (r *Runner) pending(b *batch, format string, records []*model.Record) ([]*model.Record, []state.Key) {
	if r.opts.Ledger == nil {
		return records, nil
	}
	kept, keys := state.Pending(r.opts.Ledger, format, records, ledgerHash)
	if skipped := len(records) - len(kept); skipped > 0 {
		b.collector.SkippedExported(skipped)
		b.logger.Info("skipping already exported messages", "format", format, "skipped", skipped)
	}
	return kept, keys
}

// convert runs one converter inside the last progress step. A converter that
// errors or panics counts every record as failed.
func (r *Runner) convert(ctx context.Context, b *batch, c convert.Converter, records []*model.Record, index, count int, base float64) (res convert.Result, err error) {
	format := c.Format()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("converter %s panicked: %v", format, p)
		}
		if err != nil {
			b.logger.Error("conversion failed", "format", format, "err", err)
			res = convert.FailedResult(format, len(records), res.OutputDir, err)
		}
	}()

	span := 100 / float64(b.total) / float64(count)
	status := "Converting to " + format
	return c.Convert(ctx, records, func(percent float64, current, total int) {
		b.tracker.Update(base+span*(float64(index)+percent/100), status, current, total)
	})
}

func (r *Runner) markExported(b *batch, runID string, records []*model.Record, keys []state.Key) {
	if r.opts.Ledger == nil {
		return
	}
	for i, rec := range records {
		entry := state.Entry{RunID: runID, Source: rec.Source, Subject: rec.Subject}
		if err := r.opts.Ledger.MarkExported(keys[i], entry); err != nil {
			b.logger.Error("state ledger write failed", "err", err)
			return
		}
	}
	if f, ok := r.opts.Ledger.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			b.logger.Error("state ledger flush failed", "err", err)
		}
	}
}
