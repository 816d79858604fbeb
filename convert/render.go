package convert

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/pst-export/model"
)

// FolderHeader carries the source folder of an exported message.
const FolderHeader = "X-Archive-Folder"

// WriteMessage renders r as an RFC 5322 message. Records with both bodies
// become multipart/alternative.
func WriteMessage(w io.Writer, r *model.Record) error {
	h := Header(r)

	text, html := Sanitize(r.BodyText), Sanitize(r.BodyHTML)
	switch {
	case text != "" && html != "":
		iw, err := mail.CreateInlineWriter(w, h)
		if err != nil {
			return fmt.Errorf("create inline writer: %w", err)
		}
		if err := writePart(iw, "text/plain", text); err != nil {
			return err
		}
		if err := writePart(iw, "text/html", html); err != nil {
			return err
		}
		return iw.Close()
	case html != "":
		return writeSingle(w, h, "text/html", html)
	default:
		return writeSingle(w, h, "text/plain", text)
	}
}

// RenderMessage returns the rendered message.
func RenderMessage(r *model.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Header builds the top-level header of r.
func Header(r *model.Record) mail.Header {
	var h mail.Header
	h.Set("MIME-Version", "1.0")
	h.SetSubject(Sanitize(r.Subject))
	setAddresses(&h, "From", []string{r.Sender})
	setAddresses(&h, "To", r.Recipients)
	setAddresses(&h, "Cc", r.CC)
	if t, ok := r.Date(); ok {
		h.SetDate(t)
	}
	if id := strings.Trim(strings.TrimSpace(r.MessageID), "<>"); id != "" {
		h.SetMessageID(id)
	}
	if r.FolderPath != "" {
		h.SetText(FolderHeader, Sanitize(r.FolderPath))
	}
	return h
}

// setAddresses uses a structured address list when every entry parses and
// falls back to encoded free text otherwise.
func setAddresses(h *mail.Header, key string, values []string) {
	var (
		entries []string
		addrs   []*mail.Address
		parsed  = true
	)
	for _, v := range values {
		v = strings.TrimSpace(Sanitize(v))
		if v == "" {
			continue
		}
		entries = append(entries, v)
		if !parsed {
			continue
		}
		addr, err := mail.ParseAddress(v)
		if err != nil {
			parsed = false
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(entries) == 0 {
		return
	}
	if parsed {
		h.SetAddressList(key, addrs)
		return
	}
	h.SetText(key, strings.Join(entries, ", "))
}

func writeSingle(w io.Writer, h mail.Header, contentType, body string) error {
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	bw, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}
	if _, err := io.WriteString(bw, body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return bw.Close()
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return pw.Close()
}
