package di

import (
	"log/slog"

	"go.uber.org/dig"

	"github.com/dhcgn/pst-export/archive"
	"github.com/dhcgn/pst-export/config"
	"github.com/dhcgn/pst-export/convert"
	"github.com/dhcgn/pst-export/dedup"
	"github.com/dhcgn/pst-export/filter"
	"github.com/dhcgn/pst-export/imap"
	"github.com/dhcgn/pst-export/logging"
	"github.com/dhcgn/pst-export/mbox"
	"github.com/dhcgn/pst-export/runner"
	"github.com/dhcgn/pst-export/state"
)

// BuildContainer creates and configures the dependency injection container
// for one export run.
func BuildContainer(cfg config.Config) (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(func() config.Config { return cfg }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.New); err != nil {
		return nil, err
	}
	if err := container.Provide(func(l *logging.Logger) *slog.Logger {
		return l.Logger
	}); err != nil {
		return nil, err
	}

	// Register pipeline stages
	if err := container.Provide(func(cfg config.Config) (*filter.Filter, error) {
		return filter.New(cfg.FilterOptions())
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(cfg config.Config, logger *slog.Logger) *dedup.Detector {
		return dedup.New(cfg.DedupOptions(), logger)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(NewLedger); err != nil {
		return nil, err
	}
	if err := container.Provide(NewRegistry); err != nil {
		return nil, err
	}

	// Register runner
	if err := container.Provide(func(
		cfg config.Config,
		f *filter.Filter,
		d *dedup.Detector,
		ledger state.Ledger,
		registry *convert.Registry,
		logger *slog.Logger,
	) *runner.Runner {
		return runner.New(runner.Options{
			Workers:          cfg.Workers,
			Archive:          archive.Options{DisableLibrary: cfg.DisableLibrary},
			Filter:           f,
			Dedup:            d,
			RemoveDuplicates: cfg.RemoveDuplicates,
			Policy:           cfg.DedupPolicy,
			Ledger:           ledger,
		}, registry, logger)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// NewRegistry registers a converter for every supported format. The IMAP
// converter is only built when requested since it validates its server
// settings up front.
func NewRegistry(cfg config.Config, logger *slog.Logger) (*convert.Registry, error) {
	registry := convert.NewRegistry(
		convert.NewEML(cfg.FormatDir(convert.FormatEML), logger),
		convert.NewPDF(cfg.FormatDir(convert.FormatPDF), logger),
		mbox.NewConverter(cfg.FormatDir(mbox.FormatMbox), logger),
		convert.NewCatalog(cfg.CatalogOptions(), cfg.FormatDir(convert.FormatCatalog), logger),
	)

	if cfg.HasFormat(imap.FormatIMAP) {
		c, err := imap.NewConverter(cfg.IMAPOptions(), logger)
		if err != nil {
			return nil, err
		}
		registry.Register(c)
	}

	return registry, nil
}

// NewLedger opens the exported-message ledger in the state directory, or
// returns a nil Ledger when no state directory is configured.
func NewLedger(cfg config.Config, logger *slog.Logger) (state.Ledger, error) {
	if cfg.StateDir == "" {
		return nil, nil
	}
	ledger, err := state.NewFileLedger(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	snap := ledger.Snapshot()
	logger.Debug("opened state ledger", "path", ledger.Path(), "exported", snap.Exported, "perFormat", snap.PerFormat)
	return ledger, nil
}
