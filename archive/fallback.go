package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dhcgn/pst-export/model"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	xunicode "golang.org/x/text/encoding/unicode"
)

const (
	scanWindow   = 8192
	scanOverlap  = 100
	scanMaxHits  = 10
	labelMaxLen  = 50
	labelMinLen  = 3
	degradedPath = "/Inbox"
)

var (
	scanMarkers = [][]byte{
		[]byte("Subject:"),
		[]byte("From:"),
		[]byte("To:"),
		[]byte("Message-ID:"),
		[]byte("@"),
		[]byte(".com"),
		[]byte(".org"),
		[]byte("Content-Type:"),
	}
	labelMarkers = []string{"Subject:", "From:", "To:", "Message-ID:", "Content-Type:"}

	utf16LE = xunicode.UTF16(xunicode.LittleEndian, xunicode.IgnoreBOM)
)

// degraded runs the heuristic scan over the open file and always returns at
// least one record.
func (a *Archive) degraded() []*model.Record {
	records, err := scanDegraded(a.file, a.header.FileSize, a.header.Unicode, a.path)
	if err != nil {
		a.logger.Debug("degraded scan stopped early", "err", err)
	}
	if len(records) == 0 {
		a.logger.Warn("degraded scan found nothing, emitting placeholder")
		return []*model.Record{placeholderRecord(a.path)}
	}
	a.logger.Info("degraded scan finished", "messages", len(records))
	return records
}

// scanDegraded reads r in overlapping windows starting after the header and
// builds one coarse record per window that carries a mail header marker and an
// isolatable Subject or From value. It stops at EOF or after scanMaxHits hits.
func scanDegraded(r io.ReaderAt, size int64, unicodeLayout bool, source string) ([]*model.Record, error) {
	var (
		records []*model.Record
		hits    int
		buf     = make([]byte, scanWindow)
	)

	dec := charmap.Windows1252.NewDecoder()
	if unicodeLayout {
		dec = encoding.Nop.NewDecoder()
	}

	for offset := int64(HeaderSize); hits < scanMaxHits && offset < size; offset += scanWindow - scanOverlap {
		n, err := r.ReadAt(buf, offset)
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				return records, err
			}
			break
		}
		window := buf[:n]

		if containsMarker(window, unicodeLayout) {
			hits++
			subject := findLabel(window, "Subject:", dec, unicodeLayout)
			sender := findLabel(window, "From:", dec, unicodeLayout)
			if subject != "" || sender != "" {
				records = append(records, degradedRecord(hits, subject, sender, source))
			}
		}

		if err != nil || n < scanWindow {
			if err != nil && !errors.Is(err, io.EOF) {
				return records, err
			}
			break
		}
	}
	return records, nil
}

func containsMarker(window []byte, unicodeLayout bool) bool {
	for _, m := range scanMarkers {
		if bytes.Contains(window, m) {
			return true
		}
	}
	if unicodeLayout {
		for _, m := range labelMarkers {
			if bytes.Contains(window, encodeUTF16(m)) {
				return true
			}
		}
	}
	return false
}

// findLabel returns the cleaned single-line text following label, or "".
func findLabel(window []byte, label string, dec *encoding.Decoder, unicodeLayout bool) string {
	if i := bytes.Index(window, []byte(label)); i >= 0 {
		raw := window[i+len(label):]
		raw = raw[:min(len(raw), labelMaxLen)]
		text, err := dec.Bytes(raw)
		if err != nil {
			text = raw
		}
		if s := cleanLabel(string(text)); s != "" {
			return s
		}
	}
	if unicodeLayout {
		marker := encodeUTF16(label)
		if i := bytes.Index(window, marker); i >= 0 {
			raw := window[i+len(marker):]
			raw = raw[:min(len(raw), 2*labelMaxLen)]
			raw = raw[:len(raw)&^1]
			text, err := utf16LE.NewDecoder().Bytes(raw)
			if err == nil {
				return cleanLabel(string(text))
			}
		}
	}
	return ""
}

// cleanLabel keeps printable text up to the first line break.
func cleanLabel(s string) string {
	s = strings.ToValidUTF8(s, "")
	var b strings.Builder
	for _, r := range s {
		if r == utf8.RuneError || r == 0 {
			continue
		}
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	line := b.String()
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) < labelMinLen {
		return ""
	}
	return line
}

func encodeUTF16(s string) []byte {
	out, err := utf16LE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return out
}

func degradedRecord(hit int, subject, sender, source string) *model.Record {
	if subject == "" {
		subject = fmt.Sprintf("Message %d", hit)
	}
	if sender == "" {
		sender = "unknown"
	}
	return &model.Record{
		Subject:     subject,
		Sender:      sender,
		Recipients:  []string{},
		CC:          []string{},
		BCC:         []string{},
		BodyText:    fmt.Sprintf("Message recovered by degraded scan (#%d)", hit),
		Attachments: []model.Attachment{},
		FolderPath:  degradedPath,
		Quality:     model.QualityDegraded,
		Source:      source,
	}
}

func placeholderRecord(source string) *model.Record {
	return &model.Record{
		Subject:     "Archive detected (structured parsing unavailable)",
		Recipients:  []string{},
		CC:          []string{},
		BCC:         []string{},
		BodyText:    "The archive was recognised but no messages could be recovered.\nFull extraction requires a structured archive library.",
		Attachments: []model.Attachment{},
		FolderPath:  degradedPath,
		Quality:     model.QualityPlaceholder,
		Source:      source,
	}
}
