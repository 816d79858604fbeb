package dedup

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/dhcgn/pst-export/model"
)

const (
	// BodyPrefix is the number of body characters that take part in the signature.
	BodyPrefix = 100
	// DefaultToleranceMinutes is the date bucket width used when none is configured.
	DefaultToleranceMinutes = 5
)

// Policy selects the survivor of a duplicate group.
type Policy string

const (
	KeepFirst  Policy = "first"
	KeepLast   Policy = "last"
	KeepNewest Policy = "newest"
	KeepOldest Policy = "oldest"
)

// ParsePolicy maps a name onto a policy. Unknown names select KeepFirst.
func ParsePolicy(name string) Policy {
	switch p := Policy(strings.ToLower(strings.TrimSpace(name))); p {
	case KeepFirst, KeepLast, KeepNewest, KeepOldest:
		return p
	default:
		return KeepFirst
	}
}

// Options selects which fields make two records equivalent.
type Options struct {
	Subject          bool
	Sender           bool
	Recipients       bool
	Body             bool
	Date             bool
	ToleranceMinutes int
}

// DefaultOptions compares subject, sender and recipients.
func DefaultOptions() Options {
	return Options{
		Subject:          true,
		Sender:           true,
		Recipients:       true,
		ToleranceMinutes: DefaultToleranceMinutes,
	}
}

// Group is a set of equivalent records in input order.
type Group struct {
	Signature string
	Records   []*model.Record
}

// Detector groups records by signature and removes duplicates.
type Detector struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Detector. A non-positive tolerance falls back to the default.
func New(opts Options, logger *slog.Logger) *Detector {
	if opts.ToleranceMinutes <= 0 {
		opts.ToleranceMinutes = DefaultToleranceMinutes
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Detector{opts: opts, logger: logger}
}

// Signature builds the comparison key of r from the enabled fields. Empty
// fields contribute nothing.
func (d *Detector) Signature(r *model.Record) string {
	var parts []string

	if d.opts.Subject && r.Subject != "" {
		parts = append(parts, "subj:"+normalize(r.Subject))
	}
	if d.opts.Sender && r.Sender != "" {
		parts = append(parts, "from:"+normalize(r.Sender))
	}
	if d.opts.Recipients && len(r.Recipients) > 0 {
		recipients := make([]string, len(r.Recipients))
		for i, rcpt := range r.Recipients {
			recipients[i] = normalize(rcpt)
		}
		slices.Sort(recipients)
		parts = append(parts, "to:"+strings.Join(recipients, ","))
	}
	if d.opts.Body {
		parts = append(parts, "body:"+normalize(truncate(r.Body(), BodyPrefix)))
	}
	if d.opts.Date {
		if date, ok := r.Date(); ok {
			parts = append(parts, "date:"+bucket(date, d.opts.ToleranceMinutes).Format(time.RFC3339))
		}
	}
	return strings.Join(parts, "|")
}

// Groups partitions records by signature. Groups are ordered by first
// occurrence and keep input order inside.
func (d *Detector) Groups(records []*model.Record) []Group {
	index := make(map[string]int, len(records))
	var groups []Group
	for _, r := range records {
		sig := d.Signature(r)
		i, ok := index[sig]
		if !ok {
			i = len(groups)
			index[sig] = i
			groups = append(groups, Group{Signature: sig})
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	return groups
}

// Duplicates returns only the groups with two or more members.
func (d *Detector) Duplicates(records []*model.Record) []Group {
	var dups []Group
	for _, g := range d.Groups(records) {
		if len(g.Records) > 1 {
			dups = append(dups, g)
		}
	}
	return dups
}

// Remove keeps unique records in place and one survivor per duplicate group at
// the position of the group's first occurrence.
func (d *Detector) Remove(records []*model.Record, policy Policy) []*model.Record {
	groups := d.Groups(records)
	if len(groups) == len(records) {
		return records
	}

	kept := make([]*model.Record, 0, len(groups))
	duplicateGroups := 0
	for _, g := range groups {
		if len(g.Records) > 1 {
			duplicateGroups++
		}
		kept = append(kept, survivor(g.Records, policy))
	}

	d.logger.Info("duplicates removed",
		"groups", duplicateGroups,
		"removed", len(records)-len(kept),
		"kept", len(kept),
		"policy", string(policy))
	return kept
}

// survivor selects one record of a non-empty group.
func survivor(group []*model.Record, policy Policy) *model.Record {
	switch policy {
	case KeepLast:
		return group[len(group)-1]
	case KeepNewest, KeepOldest:
		var (
			best     *model.Record
			bestDate time.Time
		)
		for _, r := range group {
			date, ok := r.Date()
			if !ok {
				continue
			}
			if best == nil ||
				(policy == KeepNewest && date.After(bestDate)) ||
				(policy == KeepOldest && date.Before(bestDate)) {
				best, bestDate = r, date
			}
		}
		if best != nil {
			return best
		}
		return group[0]
	default:
		return group[0]
	}
}

// SignatureHash returns a compact, stable digest of a signature.
func SignatureHash(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// String describes the enabled fields.
func (o Options) String() string {
	var fields []string
	for _, f := range []struct {
		on   bool
		name string
	}{
		{o.Subject, "subject"},
		{o.Sender, "sender"},
		{o.Recipients, "recipients"},
		{o.Body, "body"},
		{o.Date, fmt.Sprintf("date±%dm", o.ToleranceMinutes)},
	} {
		if f.on {
			fields = append(fields, f.name)
		}
	}
	return strings.Join(fields, ",")
}

func normalize(s string) string {
	return strings.TrimSpace(cases.Fold().String(s))
}

func truncate(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// bucket floors the minute to a multiple of tolerance and drops seconds.
func bucket(t time.Time, tolerance int) time.Time {
	minute := (t.Minute() / tolerance) * tolerance
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, t.Location())
}
