package convert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dhcgn/pst-export/model"
)

// ProgressFunc receives a converter's own progress in percent plus the
// number of handled and total messages.
type ProgressFunc func(percent float64, current, total int)

// Converter renders records into one output format.
type Converter interface {
	Format() string
	Convert(ctx context.Context, records []*model.Record, progress ProgressFunc) (Result, error)
}

// Result summarises one conversion run.
type Result struct {
	Format        string
	Total         int
	Converted     int
	Errors        int
	ErrorMessages []string
	OutputDir     string
}

func (r Result) LogAttrs() []any {
	attrs := []any{
		"format", r.Format,
		"total", r.Total,
		"converted", r.Converted,
		"errors", r.Errors,
		"outputDir", r.OutputDir,
	}
	if len(r.ErrorMessages) > 0 {
		attrs = append(attrs, "lastError", r.ErrorMessages[len(r.ErrorMessages)-1])
	}
	return attrs
}

// FailedResult counts every record as an error.
func FailedResult(format string, total int, outputDir string, err error) Result {
	return Result{
		Format:        format,
		Total:         total,
		Errors:        total,
		ErrorMessages: []string{fmt.Sprintf("Conversion failed: %v", err)},
		OutputDir:     outputDir,
	}
}

// ConversionError reports a single record that could not be rendered.
type ConversionError struct {
	Format  string
	Subject string
	Err     error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("Error converting '%s' to %s: %v", e.Subject, e.Format, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// WriteFunc renders r into path.
type WriteFunc func(ctx context.Context, r *model.Record, path string) error

// Each holds what ConvertEach needs to write one file per record.
type Each struct {
	Format    string
	OutputDir string
	Extension string
	Logger    *slog.Logger
	Write     WriteFunc
}

// ConvertEach writes one file per record under OutputDir. Failures are
// counted and logged; the remaining records are still converted.
func ConvertEach(ctx context.Context, e Each, records []*model.Record, progress ProgressFunc) (Result, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(e.OutputDir, 0o755); err != nil {
		err = fmt.Errorf("create output directory: %w", err)
		return FailedResult(e.Format, len(records), e.OutputDir, err), err
	}

	result := Result{Format: e.Format, Total: len(records), OutputDir: e.OutputDir}
	namer := NewNamer(e.OutputDir, e.Extension)

	for i, r := range records {
		if err := writeOne(ctx, e, namer, r, i); err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			logger.Error("conversion error", "format", e.Format, "subject", r.Subject, "err", err)
		} else {
			result.Converted++
		}
		if progress != nil {
			progress(float64(i+1)/float64(len(records))*100, i+1, len(records))
		}
	}
	return result, nil
}

func writeOne(ctx context.Context, e Each, namer *Namer, r *model.Record, index int) (err error) {
	subject := ""
	if r != nil {
		subject = r.Subject
	}
	defer func() {
		if p := recover(); p != nil {
			err = &ConversionError{Format: e.Format, Subject: subject, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	if r == nil {
		return &ConversionError{Format: e.Format, Err: fmt.Errorf("nil record")}
	}
	path := namer.Path(r, index)
	if err := e.Write(ctx, r, path); err != nil {
		_ = os.Remove(path)
		return &ConversionError{Format: e.Format, Subject: subject, Err: err}
	}
	return nil
}

type runIDKey struct{}

// WithRunID attaches the batch run ID to ctx.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the batch run ID carried by ctx, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Sanitize replaces invalid UTF-8 sequences.
func Sanitize(s string) string {
	return strings.ToValidUTF8(s, "�")
}
