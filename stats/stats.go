package stats

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dhcgn/pst-export/convert"
)

// FileFailure records an archive that could not be processed.
type FileFailure struct {
	Path string
	Err  error
}

// Batch summarises one batch run.
type Batch struct {
	RunID             string
	FilesProcessed    int
	FilesFailed       int
	Failures          []FileFailure
	TotalMessages     int
	DegradedMessages  int
	FilteredMessages  int // remaining after the filter
	DuplicatesRemoved int
	SkippedExported   int
	Results           map[string]convert.Result
	Started           time.Time
	Duration          time.Duration
}

func (b Batch) LogAttrs() []any {
	attrs := []any{
		"runID", b.RunID,
		"filesProcessed", b.FilesProcessed,
		"filesFailed", b.FilesFailed,
		"totalMessages", b.TotalMessages,
		"degradedMessages", b.DegradedMessages,
		"filteredMessages", b.FilteredMessages,
		"duplicatesRemoved", b.DuplicatesRemoved,
		"skippedExported", b.SkippedExported,
		"duration", b.Duration,
	}
	if n := len(b.Failures); n > 0 {
		attrs = append(attrs, "lastFailure", fmt.Sprint(b.Failures[n-1].Err))
	}
	return attrs
}

// Formats returns the formats with a result, sorted.
func (b Batch) Formats() []string {
	formats := make([]string, 0, len(b.Results))
	for f := range b.Results {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}

// Collector is the mutex-guarded owner of a Batch while it is being built.
type Collector struct {
	mu    sync.Mutex
	batch Batch
}

func NewCollector(runID string) *Collector {
	return &Collector{batch: Batch{
		RunID:   runID,
		Results: map[string]convert.Result{},
		Started: time.Now(),
	}}
}

// FileProcessed counts one successfully extracted archive.
func (c *Collector) FileProcessed(messages, degraded int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch.FilesProcessed++
	c.batch.TotalMessages += messages
	c.batch.DegradedMessages += degraded
}

func (c *Collector) FileFailed(path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch.FilesFailed++
	c.batch.Failures = append(c.batch.Failures, FileFailure{Path: path, Err: err})
}

// SetFiltered stores how many messages remained after filtering.
func (c *Collector) SetFiltered(n int) {
	c.mu.Lock()
	c.batch.FilteredMessages = n
	c.mu.Unlock()
}

func (c *Collector) DuplicatesRemoved(n int) {
	c.mu.Lock()
	c.batch.DuplicatesRemoved += n
	c.mu.Unlock()
}

func (c *Collector) SkippedExported(n int) {
	c.mu.Lock()
	c.batch.SkippedExported += n
	c.mu.Unlock()
}

func (c *Collector) SetResult(r convert.Result) {
	c.mu.Lock()
	c.batch.Results[r.Format] = r
	c.mu.Unlock()
}

// Snapshot returns a copy of the batch with Duration measured up to now.
func (c *Collector) Snapshot() Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.batch
	b.Failures = append([]FileFailure(nil), c.batch.Failures...)
	b.Results = maps.Clone(c.batch.Results)
	b.Duration = time.Since(b.Started)
	return b
}

// Report logs the batch summary and one line per format.
func Report(logger *slog.Logger, b Batch) {
	if logger == nil {
		return
	}
	for _, f := range b.Failures {
		logger.Warn("file failed", "runID", b.RunID, "path", f.Path, "err", f.Err)
	}
	for _, format := range b.Formats() {
		r := b.Results[format]
		logger.Info("conversion summary", append(r.LogAttrs(), "runID", b.RunID)...)
	}
	logger.Info("batch summary", b.LogAttrs()...)
}

// Print writes a human readable summary of b.
func Print(w io.Writer, b Batch) {
	fmt.Fprintf(w, "Run %s finished in %s\n", b.RunID, b.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Files: %s processed, %s failed\n", humanize.Comma(int64(b.FilesProcessed)), humanize.Comma(int64(b.FilesFailed)))
	fmt.Fprintf(w, "Messages: %s extracted (%s degraded), %s after filtering, %s duplicates removed, %s already exported\n",
		humanize.Comma(int64(b.TotalMessages)),
		humanize.Comma(int64(b.DegradedMessages)),
		humanize.Comma(int64(b.FilteredMessages)),
		humanize.Comma(int64(b.DuplicatesRemoved)),
		humanize.Comma(int64(b.SkippedExported)),
	)
	for _, f := range b.Failures {
		fmt.Fprintf(w, "  failed: %s: %v\n", f.Path, f.Err)
	}
	for _, format := range b.Formats() {
		r := b.Results[format]
		fmt.Fprintf(w, "%s: %s/%s converted, %s errors -> %s\n", format,
			humanize.Comma(int64(r.Converted)), humanize.Comma(int64(r.Total)), humanize.Comma(int64(r.Errors)), r.OutputDir)
	}
}

// Count is one entry of a frequency table.
type Count struct {
	Key   string
	Value int
}

// Top returns the limit most frequent entries of m, ties ordered by key.
// A negative limit returns all entries.
func Top(m map[string]int, limit int) []Count {
	pairs := make([]Count, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Count{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})
	if limit >= 0 && limit < len(pairs) {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%s)\n", i+1, p.Key, humanize.Comma(int64(p.Value)))
	}
}
