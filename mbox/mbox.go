package mbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/pst-export/convert"
	"github.com/dhcgn/pst-export/model"
)

const FormatMbox = "mbox"

// unknownSender is used on the "From " separator line when the record's
// sender is not a parsable address.
const unknownSender = "MAILER-DAEMON"

// FileName is the name of the single mbox written for n records.
func FileName(n int) string {
	return fmt.Sprintf("pst_export_%d_messages.mbox", n)
}

// Converter writes all records of a batch into one mbox file.
type Converter struct {
	outputDir string
	logger    *slog.Logger
	now       func() time.Time
}

func NewConverter(outputDir string, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Converter{outputDir: outputDir, logger: logger, now: time.Now}
}

func (c *Converter) Format() string { return FormatMbox }

func (c *Converter) Convert(ctx context.Context, records []*model.Record, progress convert.ProgressFunc) (convert.Result, error) {
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		err = fmt.Errorf("create output directory: %w", err)
		return convert.FailedResult(FormatMbox, len(records), c.outputDir, err), err
	}

	path := filepath.Join(c.outputDir, FileName(len(records)))
	file, err := os.Create(path)
	if err != nil {
		err = fmt.Errorf("create mbox: %w", err)
		return convert.FailedResult(FormatMbox, len(records), c.outputDir, err), err
	}
	bw := bufio.NewWriter(file)
	w := mboxlib.NewWriter(bw)

	result := convert.Result{Format: FormatMbox, Total: len(records), OutputDir: c.outputDir}
	for i, r := range records {
		if err := c.append(w, r); err != nil {
			subject := ""
			if r != nil {
				subject = r.Subject
			}
			cerr := &convert.ConversionError{Format: FormatMbox, Subject: subject, Err: err}
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, cerr.Error())
			c.logger.Warn("error adding message to mbox", "subject", subject, "err", err)
		} else {
			result.Converted++
		}
		if progress != nil {
			progress(float64(i+1)/float64(len(records))*100, i+1, len(records))
		}
	}

	if err := closeAll(w, bw, file); err != nil {
		_ = os.Remove(path)
		err = fmt.Errorf("write mbox: %w", err)
		return convert.FailedResult(FormatMbox, len(records), c.outputDir, err), err
	}

	if n, err := CountMessages(path); err != nil {
		c.logger.Warn("mbox read-back failed", "path", path, "err", err)
	} else if n != result.Converted {
		c.logger.Warn("mbox read-back count mismatch", "path", path, "written", result.Converted, "read", n)
	}
	c.logger.Debug("mbox written", "path", path, "messages", result.Converted)
	return result, nil
}

// append renders r completely before touching the mbox so a failing record
// leaves no partial entry behind.
func (c *Converter) append(w *mboxlib.Writer, r *model.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if r == nil {
		return errors.New("nil record")
	}

	raw, err := convert.RenderMessage(r)
	if err != nil {
		return err
	}
	date, ok := r.Date()
	if !ok {
		date = c.now()
	}
	mw, err := w.CreateMessage(envelopeSender(r.Sender), date.UTC())
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if _, err := mw.Write(raw); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func closeAll(w *mboxlib.Writer, bw *bufio.Writer, file *os.File) error {
	if err := w.Close(); err != nil {
		file.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func envelopeSender(sender string) string {
	addr, err := mail.ParseAddress(strings.TrimSpace(convert.Sanitize(sender)))
	if err != nil || addr.Address == "" {
		return unknownSender
	}
	return addr.Address
}

// Message is a single message read back from an mbox file.
type Message struct {
	Header mail.Header
	Size   int
}

// Read opens an mbox file and iterates through its messages,
// calling the provided callback for each message.
func Read(path string, callback func(m *Message) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			// try to continue
			continue
		}
		mr, err := mail.CreateReader(bytes.NewReader(raw))
		if err != nil {
			continue
		}

		if err := callback(&Message{Header: mr.Header, Size: len(raw)}); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// Continue counting even if we can't read this message
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}
