package convert

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dhcgn/pst-export/dedup"
	"github.com/dhcgn/pst-export/model"
)

const FormatCatalog = "catalog"

const (
	CatalogSQLite = "sqlite"
	CatalogMySQL  = "mysql"
)

// CatalogOptions selects the catalog database.
type CatalogOptions struct {
	Driver     string
	SQLitePath string
	MySQLDSN   string

	// RunID is used when the context carries none.
	RunID string
}

// Catalog records one row of metadata per message in a SQL database.
type Catalog struct {
	opts      CatalogOptions
	outputDir string
	signer    *dedup.Detector
	logger    *slog.Logger
}

// NewCatalog creates a catalog converter. An empty SQLite path places
// catalog.db in outputDir.
func NewCatalog(opts CatalogOptions, outputDir string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Driver == "" {
		opts.Driver = CatalogSQLite
	}
	if opts.Driver == CatalogSQLite && opts.SQLitePath == "" {
		opts.SQLitePath = filepath.Join(outputDir, "catalog.db")
	}
	return &Catalog{
		opts:      opts,
		outputDir: outputDir,
		signer:    dedup.New(dedup.DefaultOptions(), nil),
		logger:    logger,
	}
}

func (c *Catalog) Format() string { return FormatCatalog }

func (c *Catalog) Convert(ctx context.Context, records []*model.Record, progress ProgressFunc) (Result, error) {
	db, err := c.open(ctx)
	if err != nil {
		return FailedResult(FormatCatalog, len(records), c.outputDir, err), err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("begin transaction: %w", err)
		return FailedResult(FormatCatalog, len(records), c.outputDir, err), err
	}
	stmt, err := tx.PrepareContext(ctx, insertMessage)
	if err != nil {
		_ = tx.Rollback()
		err = fmt.Errorf("prepare insert: %w", err)
		return FailedResult(FormatCatalog, len(records), c.outputDir, err), err
	}
	defer stmt.Close()

	runID := RunID(ctx)
	if runID == "" {
		runID = c.opts.RunID
	}

	result := Result{Format: FormatCatalog, Total: len(records), OutputDir: c.outputDir}
	for i, r := range records {
		if _, err := stmt.ExecContext(ctx, c.row(runID, r)...); err != nil {
			cerr := &ConversionError{Format: FormatCatalog, Subject: r.Subject, Err: err}
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, cerr.Error())
			c.logger.Error("catalog insert failed", "subject", r.Subject, "err", err)
		} else {
			result.Converted++
		}
		if progress != nil {
			progress(float64(i+1)/float64(len(records))*100, i+1, len(records))
		}
	}

	if err := tx.Commit(); err != nil {
		err = fmt.Errorf("commit: %w", err)
		return FailedResult(FormatCatalog, len(records), c.outputDir, err), err
	}
	c.logger.Info("catalog written", "driver", c.opts.Driver, "rows", result.Converted, "runID", runID)
	return result, nil
}

func (c *Catalog) open(ctx context.Context) (*sql.DB, error) {
	var (
		driver string
		dsn    string
		schema string
	)
	switch c.opts.Driver {
	case CatalogSQLite:
		if err := os.MkdirAll(filepath.Dir(c.opts.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		driver, dsn, schema = "sqlite3", c.opts.SQLitePath, sqliteSchema
	case CatalogMySQL:
		if c.opts.MySQLDSN == "" {
			return nil, fmt.Errorf("mysql catalog requires a DSN")
		}
		driver, dsn, schema = "mysql", c.opts.MySQLDSN, mysqlSchema
	default:
		return nil, fmt.Errorf("unsupported catalog driver: %s", c.opts.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", c.opts.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", c.opts.Driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return db, nil
}

func (c *Catalog) row(runID string, r *model.Record) []any {
	names := make([]string, len(r.Attachments))
	for i, a := range r.Attachments {
		names[i] = a.Name
	}
	return []any{
		runID,
		r.Source,
		r.FolderPath,
		Sanitize(r.Subject),
		Sanitize(r.Sender),
		Sanitize(strings.Join(r.Recipients, ", ")),
		Sanitize(strings.Join(r.CC, ", ")),
		r.MessageID,
		formatTime(r.SentAt),
		formatTime(r.ReceivedAt),
		len(r.Attachments),
		Sanitize(strings.Join(names, ", ")),
		len(r.Body()),
		r.Quality.String(),
		dedup.SignatureHash(c.signer.Signature(r)),
	}
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

const insertMessage = `
	INSERT INTO messages (run_id, source, folder, subject, sender, recipients, cc, message_id,
		sent_at, received_at, attachments, attachment_names, body_size, quality, signature)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		source TEXT,
		folder TEXT,
		subject TEXT,
		sender TEXT,
		recipients TEXT,
		cc TEXT,
		message_id TEXT,
		sent_at TEXT,
		received_at TEXT,
		attachments INTEGER,
		attachment_names TEXT,
		body_size INTEGER,
		quality TEXT,
		signature TEXT
	)
`

const mysqlSchema = `
	CREATE TABLE IF NOT EXISTS messages (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		run_id VARCHAR(36) NOT NULL,
		source TEXT,
		folder TEXT,
		subject TEXT,
		sender TEXT,
		recipients TEXT,
		cc TEXT,
		message_id VARCHAR(255),
		sent_at VARCHAR(32),
		received_at VARCHAR(32),
		attachments INT,
		attachment_names TEXT,
		body_size INT,
		quality VARCHAR(16),
		signature VARCHAR(64),
		INDEX idx_run_id (run_id)
	)
`
