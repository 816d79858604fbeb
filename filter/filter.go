package filter

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/dhcgn/pst-export/model"
)

// Options captures the filtering configuration. Empty criteria are inactive.
type Options struct {
	DateFrom        *time.Time
	DateTo          *time.Time
	Senders         []string
	Subjects        []string
	Folders         []string
	ExcludeFolders  []string
	HasAttachments  *bool
	AttachmentTypes []string
}

// Reason names the predicate that rejected a record.
type Reason string

const (
	ReasonDate       Reason = "date"
	ReasonSender     Reason = "sender"
	ReasonSubject    Reason = "subject"
	ReasonFolder     Reason = "folder"
	ReasonExcluded   Reason = "excluded-folder"
	ReasonAttachment Reason = "attachment"
	ReasonInvalid    Reason = "invalid"
)

// Stats counts filter decisions.
type Stats struct {
	Checked  int
	Accepted int
	Rejected map[Reason]int
}

// Filter decides which records are retained. A record must satisfy every
// active predicate; a matching excluded folder always rejects.
type Filter struct {
	dateFrom       *time.Time
	dateTo         *time.Time
	senders        []string
	subjects       []string
	folders        []string
	excludeFolders []string
	hasAttachments *bool
	extensions     map[string]struct{}

	mu    sync.Mutex
	stats Stats
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	if opts.DateFrom != nil && opts.DateTo != nil && opts.DateFrom.After(*opts.DateTo) {
		return nil, fmt.Errorf("date range is empty: %s is after %s",
			opts.DateFrom.Format(time.RFC3339), opts.DateTo.Format(time.RFC3339))
	}

	f := &Filter{
		dateFrom:       opts.DateFrom,
		dateTo:         opts.DateTo,
		senders:        foldPatterns(opts.Senders),
		subjects:       foldPatterns(opts.Subjects),
		folders:        foldPatterns(opts.Folders),
		excludeFolders: foldPatterns(opts.ExcludeFolders),
		hasAttachments: opts.HasAttachments,
		stats:          Stats{Rejected: map[Reason]int{}},
	}
	for _, ext := range opts.AttachmentTypes {
		ext = strings.ToLower(strings.TrimLeft(strings.TrimSpace(ext), "."))
		if ext == "" {
			continue
		}
		if f.extensions == nil {
			f.extensions = map[string]struct{}{}
		}
		f.extensions[ext] = struct{}{}
	}
	return f, nil
}

// Active reports whether any predicate is configured.
func (f *Filter) Active() bool {
	return f.dateFrom != nil || f.dateTo != nil ||
		len(f.senders) > 0 || len(f.subjects) > 0 || len(f.folders) > 0 ||
		len(f.excludeFolders) > 0 || f.hasAttachments != nil || len(f.extensions) > 0
}

// Allows returns true if the record passes the filter criteria.
func (f *Filter) Allows(r *model.Record) bool {
	reason, ok := f.check(r)

	f.mu.Lock()
	f.stats.Checked++
	if ok {
		f.stats.Accepted++
	} else {
		f.stats.Rejected[reason]++
	}
	f.mu.Unlock()

	return ok
}

func (f *Filter) check(r *model.Record) (Reason, bool) {
	if r == nil {
		return ReasonInvalid, false
	}
	if len(f.excludeFolders) > 0 && containsAny(fold(r.FolderPath), f.excludeFolders) {
		return ReasonExcluded, false
	}
	if !f.inDateRange(r) {
		return ReasonDate, false
	}
	if len(f.senders) > 0 && !containsAny(fold(r.Sender), f.senders) {
		return ReasonSender, false
	}
	if len(f.subjects) > 0 && !containsAny(fold(r.Subject), f.subjects) {
		return ReasonSubject, false
	}
	if len(f.folders) > 0 && !containsAny(fold(r.FolderPath), f.folders) {
		return ReasonFolder, false
	}
	if !f.attachmentsMatch(r) {
		return ReasonAttachment, false
	}
	return "", true
}

func (f *Filter) inDateRange(r *model.Record) bool {
	if f.dateFrom == nil && f.dateTo == nil {
		return true
	}
	date, ok := r.Date()
	if !ok {
		return true
	}
	if f.dateFrom != nil && date.Before(*f.dateFrom) {
		return false
	}
	if f.dateTo != nil && date.After(*f.dateTo) {
		return false
	}
	return true
}

func (f *Filter) attachmentsMatch(r *model.Record) bool {
	present := len(r.Attachments) > 0
	if f.hasAttachments != nil && *f.hasAttachments != present {
		return false
	}
	if len(f.extensions) == 0 || !present {
		return true
	}
	for _, a := range r.Attachments {
		if _, ok := f.extensions[Extension(a.Name)]; ok {
			return true
		}
	}
	return false
}

// Apply returns the retained records in input order.
func (f *Filter) Apply(records []*model.Record) []*model.Record {
	kept := make([]*model.Record, 0, len(records))
	for _, r := range records {
		if f.Allows(r) {
			kept = append(kept, r)
		}
	}
	return kept
}

// Stats returns a snapshot of the decision counters.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot := Stats{
		Checked:  f.stats.Checked,
		Accepted: f.stats.Accepted,
		Rejected: make(map[Reason]int, len(f.stats.Rejected)),
	}
	for k, v := range f.stats.Rejected {
		snapshot.Rejected[k] = v
	}
	return snapshot
}

// Summary returns the active criteria as slog attributes.
func (f *Filter) Summary() []any {
	var attrs []any
	if f.dateFrom != nil {
		attrs = append(attrs, "dateFrom", f.dateFrom.Format(time.RFC3339))
	}
	if f.dateTo != nil {
		attrs = append(attrs, "dateTo", f.dateTo.Format(time.RFC3339))
	}
	if len(f.senders) > 0 {
		attrs = append(attrs, "senders", f.senders)
	}
	if len(f.subjects) > 0 {
		attrs = append(attrs, "subjects", f.subjects)
	}
	if len(f.folders) > 0 {
		attrs = append(attrs, "folders", f.folders)
	}
	if len(f.excludeFolders) > 0 {
		attrs = append(attrs, "excludeFolders", f.excludeFolders)
	}
	if f.hasAttachments != nil {
		attrs = append(attrs, "hasAttachments", *f.hasAttachments)
	}
	if len(f.extensions) > 0 {
		exts := make([]string, 0, len(f.extensions))
		for ext := range f.extensions {
			exts = append(exts, ext)
		}
		slices.Sort(exts)
		attrs = append(attrs, "attachmentTypes", exts)
	}
	return attrs
}

// Extension returns the lower-cased extension of name without the dot, or "".
func Extension(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}

func foldPatterns(patterns []string) []string {
	folded := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		folded = append(folded, fold(p))
	}
	return folded
}

// fold applies Unicode case folding. Casers keep state, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

func containsAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
