package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dhcgn/pst-export/archive"
	"github.com/dhcgn/pst-export/config"
	"github.com/dhcgn/pst-export/filter"
	"github.com/dhcgn/pst-export/logging"
	"github.com/dhcgn/pst-export/mbox"
	"github.com/dhcgn/pst-export/model"
	"github.com/dhcgn/pst-export/stats"
)

var (
	archiveCategories = []string{"From", "To", "Subject", "Folder"}
	mboxHeaders       = []string{"Delivered-To", "Subject", "From", "To"}
)

// NewStatsCommand returns the `stats` subcommand, which analyses archives
// (and mbox files written by the exporter) without converting anything.
func NewStatsCommand() *cobra.Command {
	var (
		reportDir      string
		topN           int
		disableLibrary bool
	)

	statsCmd := &cobra.Command{
		Use:   "stats [archive.pst|file.mbox...]",
		Short: "Analyse archives and show statistics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(cmd)
			if err != nil {
				return err
			}
			filterOpts, err := config.FilterOptions(v)
			if err != nil {
				return err
			}
			logger, err := logging.New(config.Config{LogLevel: "warn", LogFormat: "console"})
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			out := cmd.OutOrStdout()
			for _, path := range args {
				// fresh counters per file
				f, err := filter.New(filterOpts)
				if err != nil {
					return fmt.Errorf("create filter: %w", err)
				}

				var a *analysis
				if strings.EqualFold(filepath.Ext(path), ".mbox") {
					a, err = analyseMbox(path)
				} else {
					a, err = analyseArchive(cmd.Context(), path, f, archive.Options{DisableLibrary: disableLibrary}, logger.Logger)
				}
				if err != nil {
					return fmt.Errorf("analyse %s: %w", path, err)
				}

				a.print(out, topN)
				if f.Active() {
					printFilterHits(out, f.Stats())
				}

				if reportDir != "" {
					dir := filepath.Join(reportDir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
					if err := saveCSVReports(a.counter, a.categories, dir, 1000); err != nil {
						return fmt.Errorf("error saving CSV reports: %w", err)
					}
					fmt.Fprintf(out, "\nReports saved to directory: %s\n", dir)
				}
			}
			return nil
		},
	}

	flags := statsCmd.Flags()
	flags.String("config", "", "Path to a YAML config file")
	flags.StringVarP(&reportDir, "output", "o", "", "Output directory for CSV reports (none when empty)")
	flags.IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	flags.BoolVar(&disableLibrary, "disable-library", false, "Skip the structured archive library and scan raw bytes")
	config.RegisterFilterFlags(flags)

	return statsCmd
}

// analysis is what the stats command prints for one input file.
type analysis struct {
	path       string
	size       int64
	unicode    *bool
	tree       *model.FolderNode
	messages   int
	skipped    int
	degraded   int
	categories []string
	counter    map[string]map[string]int
}

func newAnalysis(path string, categories []string) *analysis {
	a := &analysis{
		path:       path,
		categories: categories,
		counter:    make(map[string]map[string]int, len(categories)),
	}
	for _, c := range categories {
		a.counter[c] = make(map[string]int)
	}
	return a
}

func analyseArchive(ctx context.Context, path string, f *filter.Filter, opts archive.Options, logger *slog.Logger) (*analysis, error) {
	arc, err := archive.Open(path, opts, logger)
	if err != nil {
		return nil, err
	}
	defer arc.Close()

	st, err := arc.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	tree, err := arc.FolderTree(ctx)
	if err != nil {
		return nil, err
	}
	records, err := arc.Messages(ctx)
	if err != nil {
		return nil, err
	}

	a := newAnalysis(path, archiveCategories)
	a.size = st.FileSize
	a.unicode = &st.Unicode
	a.tree = tree
	a.countRecords(records, f)
	return a, nil
}

// countRecords tallies the records f accepts.
func (a *analysis) countRecords(records []*model.Record, f *filter.Filter) {
	for _, r := range records {
		if f != nil && f.Active() && !f.Allows(r) {
			a.skipped++
			continue
		}
		a.messages++
		if r.Quality != model.QualityStructured {
			a.degraded++
		}
		a.add("From", r.Sender)
		for _, to := range r.Recipients {
			a.add("To", to)
		}
		a.add("Subject", r.Subject)
		a.add("Folder", r.FolderPath)
	}
}

func (a *analysis) add(category, value string) {
	if value = strings.TrimSpace(value); value != "" {
		a.counter[category][value]++
	}
}

func analyseMbox(path string) (*analysis, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	a := newAnalysis(path, mboxHeaders)
	a.size = info.Size()
	err = mbox.Read(path, func(m *mbox.Message) error {
		a.messages++
		for _, header := range mboxHeaders {
			a.add(header, m.Header.Get(header))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error reading mbox file: %w", err)
	}
	return a, nil
}

func (a *analysis) print(w io.Writer, topN int) {
	fmt.Fprintf(w, "Analyzing: %s\n", a.path)
	fmt.Fprintf(w, "Size: %s\n", humanize.Bytes(uint64(max(a.size, 0))))
	if a.unicode != nil {
		format := "ANSI"
		if *a.unicode {
			format = "Unicode"
		}
		fmt.Fprintf(w, "Format: %s\n", format)
	}

	total := a.messages + a.skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(a.skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %s messages (skipped %s by filters, %.2f%%)\n",
		humanize.Comma(int64(a.messages)), humanize.Comma(int64(a.skipped)), filterPercent)
	if a.degraded > 0 {
		fmt.Fprintf(w, "Recovered without folder structure: %s\n", humanize.Comma(int64(a.degraded)))
	}
	fmt.Fprintln(w)

	if a.tree != nil {
		fmt.Fprintf(w, "Folders (%d):\n", a.tree.TotalFolders())
		printFolderTree(w, a.tree)
		fmt.Fprintln(w)
	}

	for _, category := range a.categories {
		fmt.Fprintf(w, "Top %d %s:\n", topN, category)
		stats.PrettyPrintTop(w, a.counter[category], topN)
		fmt.Fprintln(w)
	}
}

func printFolderTree(w io.Writer, tree *model.FolderNode) {
	tree.Walk(func(node *model.FolderNode, depth int) {
		fmt.Fprintf(w, "%s%s (%s)\n", strings.Repeat("  ", depth), node.Name, humanize.Comma(int64(node.MessageCount)))
	})
}

func saveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// one file per category
	for _, header := range headers {
		filename := fmt.Sprintf("report_%s.csv", normalizeHeaderName(header))
		file, err := os.Create(filepath.Join(dir, filename))
		if err != nil {
			return err
		}

		writer := csv.NewWriter(file)
		if err := writer.Write([]string{"Value", "Count"}); err != nil {
			file.Close()
			return err
		}

		for _, p := range stats.Top(counter[header], limit) {
			if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
				file.Close()
				return err
			}
		}

		writer.Flush()
		file.Close()

		if err := writer.Error(); err != nil {
			return err
		}
	}

	return nil
}

func normalizeHeaderName(header string) string {
	// Convert to lowercase and replace invalid filename chars
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func printFilterHits(w io.Writer, st filter.Stats) {
	fmt.Fprintf(w, "Filter: %s checked, %s accepted\n", humanize.Comma(int64(st.Checked)), humanize.Comma(int64(st.Accepted)))

	reasons := make([]filter.Reason, 0, len(st.Rejected))
	for r := range st.Rejected {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		if st.Rejected[reasons[i]] != st.Rejected[reasons[j]] {
			return st.Rejected[reasons[i]] > st.Rejected[reasons[j]]
		}
		return reasons[i] < reasons[j]
	})

	for _, r := range reasons {
		fmt.Fprintf(w, "  ✗ %s: %s rejected\n", r, humanize.Comma(int64(st.Rejected[r])))
	}
}
