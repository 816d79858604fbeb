package convert

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/dhcgn/pst-export/model"
)

const FormatPDF = "pdf"

// PDF writes one flat A4 document per record.
type PDF struct {
	outputDir string
	logger    *slog.Logger
}

func NewPDF(outputDir string, logger *slog.Logger) *PDF {
	return &PDF{outputDir: outputDir, logger: logger}
}

func (c *PDF) Format() string { return FormatPDF }

func (c *PDF) Convert(ctx context.Context, records []*model.Record, progress ProgressFunc) (Result, error) {
	return ConvertEach(ctx, Each{
		Format:    FormatPDF,
		OutputDir: c.outputDir,
		Extension: "pdf",
		Logger:    c.logger,
		Write:     writePDF,
	}, records, progress)
}

// margins in millimetres
const (
	pdfMargin       = 25.4
	pdfBottomMargin = 6.35
)

func writePDF(_ context.Context, r *model.Record, path string) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	pdf.SetAutoPageBreak(true, pdfBottomMargin)
	pdf.SetCreator("pst-export", true)
	pdf.SetTitle(Sanitize(r.Subject), true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.SetTextColor(0, 0, 139)
	pdf.CellFormat(0, 10, "Email Message", "", 1, "L", false, 0, "")
	pdf.Ln(4)

	for _, field := range pdfMeta(r) {
		pdf.SetTextColor(105, 105, 105)
		pdf.SetFont("Helvetica", "B", 10)
		pdf.Write(5, tr(field.label+": "))
		pdf.SetFont("Helvetica", "", 10)
		pdf.Write(5, tr(field.value))
		pdf.Ln(6)
	}

	pdf.Ln(8)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.Write(5, "Message Body:")
	pdf.Ln(9)

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "", 11)
	for _, para := range strings.Split(pdfBody(r), "\n") {
		if strings.TrimSpace(para) == "" {
			pdf.Ln(2)
			continue
		}
		pdf.MultiCell(0, 5, tr(para), "", "L", false)
		pdf.Ln(2)
	}

	return pdf.OutputFileAndClose(path)
}

type pdfField struct {
	label string
	value string
}

func pdfMeta(r *model.Record) []pdfField {
	subject := Sanitize(r.Subject)
	if subject == "" {
		subject = "No Subject"
	}
	sender := Sanitize(r.Sender)
	if sender == "" {
		sender = "Unknown Sender"
	}
	fields := []pdfField{{"Subject", subject}, {"From", sender}}

	if len(r.Recipients) > 0 {
		fields = append(fields, pdfField{"To", Sanitize(strings.Join(r.Recipients, ", "))})
	}
	if len(r.CC) > 0 {
		fields = append(fields, pdfField{"CC", Sanitize(strings.Join(r.CC, ", "))})
	}
	if r.SentAt != nil {
		fields = append(fields, pdfField{"Sent", r.SentAt.Format("2006-01-02 15:04:05")})
	} else if r.ReceivedAt != nil {
		fields = append(fields, pdfField{"Received", r.ReceivedAt.Format("2006-01-02 15:04:05")})
	}
	if r.FolderPath != "" {
		fields = append(fields, pdfField{"Folder", Sanitize(r.FolderPath)})
	}
	if len(r.Attachments) > 0 {
		names := make([]string, len(r.Attachments))
		for i, a := range r.Attachments {
			names[i] = a.Name
		}
		fields = append(fields, pdfField{"Attachments", Sanitize(strings.Join(names, ", "))})
	}
	return fields
}

func pdfBody(r *model.Record) string {
	switch {
	case r.BodyText != "":
		return Sanitize(r.BodyText)
	case r.BodyHTML != "":
		return HTMLToText(Sanitize(r.BodyHTML))
	default:
		return "(No message body)"
	}
}
