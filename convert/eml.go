package convert

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dhcgn/pst-export/model"
)

const FormatEML = "eml"

// EML writes one RFC 5322 file per record.
type EML struct {
	outputDir string
	logger    *slog.Logger
}

func NewEML(outputDir string, logger *slog.Logger) *EML {
	return &EML{outputDir: outputDir, logger: logger}
}

func (c *EML) Format() string { return FormatEML }

func (c *EML) Convert(ctx context.Context, records []*model.Record, progress ProgressFunc) (Result, error) {
	return ConvertEach(ctx, Each{
		Format:    FormatEML,
		OutputDir: c.outputDir,
		Extension: "eml",
		Logger:    c.logger,
		Write:     writeEML,
	}, records, progress)
}

func writeEML(_ context.Context, r *model.Record, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	w := bufio.NewWriter(file)
	if err := WriteMessage(w, r); err != nil {
		file.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("flush: %w", err)
	}
	return file.Close()
}
