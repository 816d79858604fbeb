package model

import "time"

// Quality tells callers how a record was produced.
type Quality int

const (
	// QualityStructured records come from the archive library's object model.
	QualityStructured Quality = iota
	// QualityDegraded records were reconstructed by the heuristic byte scan.
	QualityDegraded
	// QualityPlaceholder marks the single stand-in record emitted when nothing could be recovered.
	QualityPlaceholder
)

func (q Quality) String() string {
	switch q {
	case QualityStructured:
		return "structured"
	case QualityDegraded:
		return "degraded"
	case QualityPlaceholder:
		return "placeholder"
	default:
		return "unknown"
	}
}

// Attachment describes an attachment without carrying its content.
type Attachment struct {
	Name string
	Size int64
	Type string
}

// Record is the normalized representation of one email extracted from an archive.
// Records are not modified after extraction; later stages only select or drop them.
type Record struct {
	Subject     string
	Sender      string
	Recipients  []string
	CC          []string
	BCC         []string
	BodyText    string
	BodyHTML    string
	SentAt      *time.Time
	ReceivedAt  *time.Time
	Attachments []Attachment
	MessageID   string
	FolderPath  string
	Quality     Quality
	Source      string
}

// Date returns the sent time if present, otherwise the received time.
func (r *Record) Date() (time.Time, bool) {
	if r.SentAt != nil {
		return *r.SentAt, true
	}
	if r.ReceivedAt != nil {
		return *r.ReceivedAt, true
	}
	return time.Time{}, false
}

// Body returns the plain text body, falling back to the HTML body.
func (r *Record) Body() string {
	if r.BodyText != "" {
		return r.BodyText
	}
	return r.BodyHTML
}
