package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/pst-export/dedup"
)

func load(t *testing.T, args []string, flagArgs ...string) (Config, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	RegisterFlags(cmd)
	require.NoError(t, cmd.ParseFlags(flagArgs))
	return LoadConfig(cmd, args)
}

// isolate keeps a developer's own config file and environment out of the test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("IMAP_PASS", "")
	return home
}

func TestLoadConfigDefaults(t *testing.T) {
	isolate(t)

	cfg, err := load(t, []string{"a.pst"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.pst"}, cfg.Archives)
	assert.Equal(t, []string{"eml"}, cfg.Formats)
	assert.Equal(t, "exported_emails", cfg.OutputDir)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Empty(t, cfg.StateDir, "the ledger is off unless asked for")
	assert.Equal(t, dedup.KeepFirst, cfg.DedupPolicy)
	assert.Equal(t, dedup.DefaultOptions(), cfg.DedupOptions())
	assert.Nil(t, cfg.DateFrom)
	assert.Nil(t, cfg.HasAttachments)
	assert.Equal(t, "INBOX", cfg.TargetFolder)
	assert.Equal(t, filepath.Join("exported_emails", "pdf"), cfg.FormatDir("PDF"))
}

func TestLoadConfigFlags(t *testing.T) {
	isolate(t)

	cfg, err := load(t, []string{"a.pst", "b.pst"},
		"--formats", "pdf, MBOX",
		"--date-from", "2024-01-01",
		"--date-to", "2024-01-31",
		"--has-attachments", "yes",
		"--attachment-types", "pdf,docx",
		"--log-level", "WARNING",
		"--dedup-fields", "subject,body,date",
		"--dedup-policy", "Newest",
		"--state-dir", "state/../ledger/",
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"pdf", "MBOX"}, cfg.Formats)
	assert.True(t, cfg.HasFormat("mbox"))
	assert.False(t, cfg.HasFormat("eml"))
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, dedup.KeepNewest, cfg.DedupPolicy)
	assert.Equal(t, "ledger", cfg.StateDir)

	require.NotNil(t, cfg.DateFrom)
	require.NotNil(t, cfg.DateTo)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *cfg.DateFrom)
	assert.Equal(t, time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC), *cfg.DateTo)
	require.NotNil(t, cfg.HasAttachments)
	assert.True(t, *cfg.HasAttachments)

	opts := cfg.FilterOptions()
	assert.Equal(t, []string{"pdf", "docx"}, opts.AttachmentTypes)

	d := cfg.DedupOptions()
	assert.True(t, d.Subject)
	assert.True(t, d.Body)
	assert.True(t, d.Date)
	assert.False(t, d.Sender)
}

func TestLoadConfigEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("PST_EXPORT_WORKERS", "7")
	t.Setenv("PST_EXPORT_OUTPUT_DIR", "/tmp/out")

	cfg, err := load(t, []string{"a.pst"})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, "/tmp/out", cfg.OutputDir)

	// explicit flags win
	cfg, err = load(t, []string{"a.pst"}, "--workers", "2")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
}

func TestLoadConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "export.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 3\nremove-duplicates: true\ncatalog-driver: mysql\ncatalog-mysql-dsn: u:p@tcp(db:3306)/mail\n"), 0o600))

	cfg, err := load(t, []string{"a.pst"}, "--config", path, "--formats", "catalog")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.True(t, cfg.RemoveDuplicates)
	assert.Equal(t, "mysql", cfg.CatalogOptions().Driver)
	assert.Equal(t, "u:p@tcp(db:3306)/mail", cfg.CatalogOptions().MySQLDSN)
}

func TestLoadConfigMissingFile(t *testing.T) {
	isolate(t)
	_, err := load(t, []string{"a.pst"}, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config file")
}

func TestLoadConfigIMAP(t *testing.T) {
	isolate(t)
	t.Setenv("IMAP_PASS", "secret")

	cfg, err := load(t, []string{"a.pst"}, "--formats", "imap", "--imap-host", "mail.example.com", "--imap-user", "me")
	require.NoError(t, err)

	opts := cfg.IMAPOptions()
	assert.Equal(t, "mail.example.com", opts.Host)
	assert.Equal(t, 993, opts.Port)
	assert.Equal(t, "secret", opts.Password)
	assert.True(t, opts.UseTLS)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		flags []string
		want  string
	}{
		{"no archives", nil, nil, "at least one archive is required"},
		{"no formats", []string{"a.pst"}, []string{"--formats", " "}, "--formats must name at least one format"},
		{"workers", []string{"a.pst"}, []string{"--workers", "0"}, "--workers must be at least 1"},
		{"log level", []string{"a.pst"}, []string{"--log-level", "loud"}, "invalid --log-level: loud"},
		{"log format", []string{"a.pst"}, []string{"--log-format", "xml"}, "invalid --log-format: xml"},
		{"policy", []string{"a.pst"}, []string{"--dedup-policy", "random"}, "invalid --dedup-policy: random"},
		{"dedup field", []string{"a.pst"}, []string{"--dedup-fields", "size"}, "invalid --dedup-fields entry: size"},
		{"tolerance", []string{"a.pst"}, []string{"--dedup-tolerance", "0"}, "--dedup-tolerance must be at least 1"},
		{"date", []string{"a.pst"}, []string{"--date-from", "01/02/2024"}, "invalid --date-from"},
		{"date range", []string{"a.pst"}, []string{"--date-from", "2024-02-01", "--date-to", "2024-01-01"}, "--date-from must not be after --date-to"},
		{"attachments", []string{"a.pst"}, []string{"--has-attachments", "maybe"}, "invalid --has-attachments: maybe"},
		{"catalog driver", []string{"a.pst"}, []string{"--formats", "catalog", "--catalog-driver", "postgres"}, "invalid --catalog-driver: postgres"},
		{"mysql dsn", []string{"a.pst"}, []string{"--formats", "catalog", "--catalog-driver", "mysql"}, "--catalog-mysql-dsn is required"},
		{"imap host", []string{"a.pst"}, []string{"--formats", "imap"}, "--imap-host is required"},
		{"imap user", []string{"a.pst"}, []string{"--formats", "imap", "--imap-host", "h"}, "--imap-user is required"},
		{"imap pass", []string{"a.pst"}, []string{"--formats", "imap", "--imap-host", "h", "--imap-user", "u"}, "IMAP password must be provided"},
		{"imap port", []string{"a.pst"}, []string{"--formats", "imap", "--imap-host", "h", "--imap-user", "u", "--imap-pass", "p", "--imap-port", "70000"}, "--imap-port must be between 1 and 65535"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := load(t, tt.args, tt.flags...)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestValidateConfigDryRunIMAP(t *testing.T) {
	isolate(t)
	cfg, err := load(t, []string{"a.pst"}, "--formats", "imap", "--dry-run")
	require.NoError(t, err)
	assert.True(t, cfg.IMAPOptions().DryRun)
}
