package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/pst-export/convert"
	"github.com/dhcgn/pst-export/dedup"
	"github.com/dhcgn/pst-export/filter"
	"github.com/dhcgn/pst-export/imap"
)

// EnvPrefix is prepended to every environment variable, e.g. PST_EXPORT_OUTPUT_DIR.
const EnvPrefix = "PST_EXPORT"

const dateLayout = "2006-01-02"

// Config captures all options required to run an export.
type Config struct {
	Archives  []string
	OutputDir string
	Formats   []string
	Workers   int

	LogLevel  string
	LogFormat string
	LogDir    string

	StateDir       string
	DisableLibrary bool
	NoProgress     bool

	DateFrom        *time.Time
	DateTo          *time.Time
	Senders         []string
	Subjects        []string
	Folders         []string
	ExcludeFolders  []string
	HasAttachments  *bool
	AttachmentTypes []string

	RemoveDuplicates bool
	DedupPolicy      dedup.Policy
	DedupFields      []string
	DedupTolerance   int

	CatalogDriver     string
	CatalogSQLitePath string
	CatalogMySQLDSN   string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
}

// RegisterFlags attaches all CLI flags of the export command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("config", "", "Path to a YAML config file (default ./pst-export.yaml or $HOME/.pst-export/pst-export.yaml)")
	flags.StringP("output-dir", "o", "exported_emails", "Directory for converted output")
	flags.StringSliceP("formats", "f", []string{convert.FormatEML}, "Output formats: eml, pdf, mbox, catalog, imap")
	flags.IntP("workers", "w", 4, "Number of archives extracted in parallel")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-format", "console", "Log output format: console or json")
	flags.String("log-dir", "", "Also write logs into a timestamped file in this directory")
	flags.String("state-dir", "", "Remember exported messages per format in this directory and skip them on later runs (off when empty)")
	flags.Bool("disable-library", false, "Skip the structured archive library and scan raw bytes")
	flags.Bool("no-progress", false, "Disable the progress bar")

	RegisterFilterFlags(flags)

	flags.Bool("remove-duplicates", false, "Drop duplicate messages before converting")
	flags.String("dedup-policy", string(dedup.KeepFirst), "Which duplicate survives: first, last, newest, oldest")
	flags.StringSlice("dedup-fields", []string{"subject", "sender", "recipients"}, "Fields compared for duplicates: subject, sender, recipients, body, date")
	flags.Int("dedup-tolerance", dedup.DefaultToleranceMinutes, "Date tolerance in minutes when comparing dates")

	flags.String("catalog-driver", convert.CatalogSQLite, "Catalog database: sqlite or mysql")
	flags.String("catalog-sqlite-path", "", "SQLite catalog file (default <output-dir>/catalog.db)")
	flags.String("catalog-mysql-dsn", "", "MySQL DSN for the catalog, e.g. user:pass@tcp(host:3306)/db")

	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("target-folder", "INBOX", "Target IMAP folder for exported mail")
	flags.Bool("dry-run", false, "Log IMAP uploads without connecting")
}

// RegisterFilterFlags adds the message filter flags to flags.
func RegisterFilterFlags(flags *pflag.FlagSet) {
	flags.String("date-from", "", "Only messages on or after this date (YYYY-MM-DD or RFC 3339)")
	flags.String("date-to", "", "Only messages on or before this date (YYYY-MM-DD or RFC 3339)")
	flags.StringSlice("senders", nil, "Only messages whose sender contains one of these")
	flags.StringSlice("subjects", nil, "Only messages whose subject contains one of these")
	flags.StringSlice("folders", nil, "Only messages in folders whose path contains one of these")
	flags.StringSlice("exclude-folders", nil, "Drop messages in folders whose path contains one of these")
	flags.String("has-attachments", "", "Only messages with (true) or without (false) attachments")
	flags.StringSlice("attachment-types", nil, "Only messages with an attachment of these extensions")
}

// LoadConfig merges flags, config file and environment into a validated Config.
// Explicit flags win over the environment, which wins over the config file.
func LoadConfig(cmd *cobra.Command, args []string) (Config, error) {
	v, err := NewViper(cmd)
	if err != nil {
		return Config{}, err
	}

	filterOpts, err := FilterOptions(v)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Archives:          args,
		OutputDir:         v.GetString("output-dir"),
		Formats:           normalizeList(v.GetStringSlice("formats")),
		Workers:           v.GetInt("workers"),
		LogLevel:          strings.ToLower(v.GetString("log-level")),
		LogFormat:         strings.ToLower(v.GetString("log-format")),
		LogDir:            v.GetString("log-dir"),
		StateDir:          v.GetString("state-dir"),
		DisableLibrary:    v.GetBool("disable-library"),
		NoProgress:        v.GetBool("no-progress"),
		DateFrom:          filterOpts.DateFrom,
		DateTo:            filterOpts.DateTo,
		Senders:           filterOpts.Senders,
		Subjects:          filterOpts.Subjects,
		Folders:           filterOpts.Folders,
		ExcludeFolders:    filterOpts.ExcludeFolders,
		HasAttachments:    filterOpts.HasAttachments,
		AttachmentTypes:   filterOpts.AttachmentTypes,
		RemoveDuplicates:  v.GetBool("remove-duplicates"),
		DedupPolicy:       dedup.Policy(strings.ToLower(strings.TrimSpace(v.GetString("dedup-policy")))),
		DedupFields:       normalizeList(v.GetStringSlice("dedup-fields")),
		DedupTolerance:    v.GetInt("dedup-tolerance"),
		CatalogDriver:     strings.ToLower(v.GetString("catalog-driver")),
		CatalogSQLitePath: v.GetString("catalog-sqlite-path"),
		CatalogMySQLDSN:   v.GetString("catalog-mysql-dsn"),

		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		TargetFolder:       v.GetString("target-folder"),
		DryRun:             v.GetBool("dry-run"),
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}

	if cfg.StateDir != "" {
		cfg.StateDir = filepath.Clean(cfg.StateDir)
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// NewViper binds the command's flags into a viper instance that also reads
// the config file and PST_EXPORT_* environment variables.
func NewViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("pst-export")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.pst-export")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

// FilterOptions reads the filter flags registered by RegisterFilterFlags.
func FilterOptions(v *viper.Viper) (filter.Options, error) {
	from, err := parseDate(v.GetString("date-from"), false)
	if err != nil {
		return filter.Options{}, fmt.Errorf("invalid --date-from: %w", err)
	}
	to, err := parseDate(v.GetString("date-to"), true)
	if err != nil {
		return filter.Options{}, fmt.Errorf("invalid --date-to: %w", err)
	}

	opts := filter.Options{
		DateFrom:        from,
		DateTo:          to,
		Senders:         normalizeList(v.GetStringSlice("senders")),
		Subjects:        normalizeList(v.GetStringSlice("subjects")),
		Folders:         normalizeList(v.GetStringSlice("folders")),
		ExcludeFolders:  normalizeList(v.GetStringSlice("exclude-folders")),
		AttachmentTypes: normalizeList(v.GetStringSlice("attachment-types")),
	}

	switch strings.ToLower(strings.TrimSpace(v.GetString("has-attachments"))) {
	case "":
	case "true", "yes", "1":
		yes := true
		opts.HasAttachments = &yes
	case "false", "no", "0":
		no := false
		opts.HasAttachments = &no
	default:
		return filter.Options{}, fmt.Errorf("invalid --has-attachments: %s", v.GetString("has-attachments"))
	}

	return opts, nil
}

// parseDate accepts YYYY-MM-DD or RFC 3339. A bare end date covers the
// whole day.
func parseDate(value string, endOfDay bool) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return nil, fmt.Errorf("expected YYYY-MM-DD or RFC 3339, got %q", value)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return &t, nil
}

func normalizeList(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func validateConfig(cfg Config) error {
	if len(cfg.Archives) == 0 {
		return fmt.Errorf("at least one archive is required")
	}
	if cfg.OutputDir == "" {
		return fmt.Errorf("--output-dir is required")
	}
	if len(cfg.Formats) == 0 {
		return fmt.Errorf("--formats must name at least one format")
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid --log-format: %s", cfg.LogFormat)
	}

	switch cfg.DedupPolicy {
	case dedup.KeepFirst, dedup.KeepLast, dedup.KeepNewest, dedup.KeepOldest:
	default:
		return fmt.Errorf("invalid --dedup-policy: %s", cfg.DedupPolicy)
	}
	for _, field := range cfg.DedupFields {
		switch strings.ToLower(field) {
		case "subject", "sender", "recipients", "body", "date":
		default:
			return fmt.Errorf("invalid --dedup-fields entry: %s", field)
		}
	}
	if cfg.DedupTolerance < 1 {
		return fmt.Errorf("--dedup-tolerance must be at least 1")
	}

	if cfg.DateFrom != nil && cfg.DateTo != nil && cfg.DateFrom.After(*cfg.DateTo) {
		return fmt.Errorf("--date-from must not be after --date-to")
	}

	if cfg.HasFormat(convert.FormatCatalog) {
		switch cfg.CatalogDriver {
		case convert.CatalogSQLite:
		case convert.CatalogMySQL:
			if cfg.CatalogMySQLDSN == "" {
				return fmt.Errorf("--catalog-mysql-dsn is required for the mysql catalog")
			}
		default:
			return fmt.Errorf("invalid --catalog-driver: %s", cfg.CatalogDriver)
		}
	}

	if cfg.HasFormat(imap.FormatIMAP) && !cfg.DryRun {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required for the imap format")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required for the imap format")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}

	return nil
}

// HasFormat reports whether format was requested.
func (c Config) HasFormat(format string) bool {
	for _, f := range c.Formats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

// FilterOptions returns the filter criteria of c.
func (c Config) FilterOptions() filter.Options {
	return filter.Options{
		DateFrom:        c.DateFrom,
		DateTo:          c.DateTo,
		Senders:         c.Senders,
		Subjects:        c.Subjects,
		Folders:         c.Folders,
		ExcludeFolders:  c.ExcludeFolders,
		HasAttachments:  c.HasAttachments,
		AttachmentTypes: c.AttachmentTypes,
	}
}

// DedupOptions maps the dedup flags onto detector options.
func (c Config) DedupOptions() dedup.Options {
	opts := dedup.Options{ToleranceMinutes: c.DedupTolerance}
	for _, field := range c.DedupFields {
		switch strings.ToLower(field) {
		case "subject":
			opts.Subject = true
		case "sender":
			opts.Sender = true
		case "recipients":
			opts.Recipients = true
		case "body":
			opts.Body = true
		case "date":
			opts.Date = true
		}
	}
	return opts
}

func (c Config) CatalogOptions() convert.CatalogOptions {
	return convert.CatalogOptions{
		Driver:     c.CatalogDriver,
		SQLitePath: c.CatalogSQLitePath,
		MySQLDSN:   c.CatalogMySQLDSN,
	}
}

func (c Config) IMAPOptions() imap.Options {
	return imap.Options{
		Host:               c.IMAPHost,
		Port:               c.IMAPPort,
		Username:           c.IMAPUser,
		Password:           c.IMAPPass,
		UseTLS:             c.UseTLS,
		InsecureSkipVerify: c.InsecureSkipVerify,
		TargetFolder:       c.TargetFolder,
		DryRun:             c.DryRun,
	}
}

// FormatDir is the output subdirectory of one format.
func (c Config) FormatDir(format string) string {
	return filepath.Join(c.OutputDir, strings.ToLower(format))
}
