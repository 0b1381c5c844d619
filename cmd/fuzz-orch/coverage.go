package main

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/fuzz-orchestrator/internal/corpus"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/coverage"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/domain"
)

var (
	bucketWidth int
	bucketRoot  string

	campaignBudget int
	campaignWidth  int
	mergeReport    bool
	seriesSave     bool
)

func init() {
	bucketCmd := &cobra.Command{
		Use:   "bucket CORPUS_DIR",
		Short: "Partition a corpus into elapsed-time windows by modification time",
		Args:  cobra.ExactArgs(1),
		RunE:  runBucket,
	}
	bucketCmd.Flags().IntVar(&bucketWidth, "window", 60, "window width in seconds")
	bucketCmd.Flags().StringVar(&bucketRoot, "root", "", "directory receiving corpus_itv_<W> (default the corpus parent)")
	rootCmd.AddCommand(bucketCmd)

	mergeCmd := &cobra.Command{
		Use:   "merge CAMPAIGN_DIR",
		Short: "Build the cumulative merged profile of every window",
		Args:  cobra.ExactArgs(1),
		RunE:  runMergeCmd,
	}
	mergeCmd.Flags().BoolVar(&mergeReport, "report", false, "also write the per-window reports")
	campaignFlags(mergeCmd)
	rootCmd.AddCommand(mergeCmd)

	reportCmd := &cobra.Command{
		Use:   "report CAMPAIGN_DIR",
		Short: "Write the filtered report of every merged window",
		Args:  cobra.ExactArgs(1),
		RunE:  runReportCmd,
	}
	campaignFlags(reportCmd)
	rootCmd.AddCommand(reportCmd)

	seriesCmd := &cobra.Command{
		Use:   "series CAMPAIGN_DIR",
		Short: "Print the coverage-over-time series of a campaign",
		Args:  cobra.ExactArgs(1),
		RunE:  runSeriesCmd,
	}
	seriesCmd.Flags().BoolVar(&seriesSave, "save", false, "store the series in the run store")
	campaignFlags(seriesCmd)
	rootCmd.AddCommand(seriesCmd)
}

func campaignFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&campaignBudget, "budget", 0, "time budget in seconds (default parsed from the campaign name)")
	cmd.Flags().IntVar(&campaignWidth, "window", 60, "window width in seconds")
}

var budgetSuffix = regexp.MustCompile(`-(\d+)s$`)

// resolveBudget returns the explicit budget or the one encoded in a
// <library><version>-<mode>-<T>s directory name
func resolveBudget(dir string, explicit int) (int, error) {
	if explicit > 0 {
		return explicit, nil
	}
	m := budgetSuffix.FindStringSubmatch(filepath.Base(filepath.Clean(dir)))
	if m == nil {
		return 0, domain.ConfigErrorf("cannot infer the time budget from %s, pass --budget", dir)
	}
	return strconv.Atoi(m[1])
}

func campaignWindows(dir string) ([]domain.Window, error) {
	budget, err := resolveBudget(dir, campaignBudget)
	if err != nil {
		return nil, err
	}
	return domain.Windows(budget, campaignWidth)
}

func runBucket(cmd *cobra.Command, args []string) error {
	res, err := corpus.Partition(args[0], bucketWidth, corpus.Options{Root: bucketRoot})
	if err != nil {
		return err
	}
	fmt.Println(renderBuckets(res))
	return nil
}

func runMergeCmd(cmd *cobra.Command, args []string) error {
	dir := args[0]
	windows, err := campaignWindows(dir)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	p := newPipeline(cfg, rt)
	merges, err := p.Merge(ctx, dir, windows)
	fmt.Println(renderMerges(merges))
	if err != nil {
		return err
	}
	if mergeReport {
		return report(ctx, p, dir, windows)
	}
	return nil
}

func runReportCmd(cmd *cobra.Command, args []string) error {
	dir := args[0]
	windows, err := campaignWindows(dir)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	return report(ctx, newPipeline(cfg, rt), dir, windows)
}

func report(ctx context.Context, p *coverage.Pipeline, dir string, windows []domain.Window) error {
	if err := p.Report(ctx, dir, windows); err != nil {
		return err
	}
	points, err := coverage.Series(dir, windows)
	if err != nil {
		return err
	}
	fmt.Println(renderSeries(filepath.Base(filepath.Clean(dir)), points))
	return nil
}

func runSeriesCmd(cmd *cobra.Command, args []string) error {
	dir := args[0]
	windows, err := campaignWindows(dir)
	if err != nil {
		return err
	}
	points, err := coverage.Series(dir, windows)
	if err != nil {
		return err
	}
	name := filepath.Base(filepath.Clean(dir))
	if len(points) == 0 {
		fmt.Printf("No reports under %s\n", dir)
		return nil
	}
	fmt.Println(renderSeries(name, points))

	if !seriesSave {
		return nil
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SaveSeries(name, points); err != nil {
		return err
	}
	fmt.Printf("Saved %d points for %s\n", len(points), name)
	return nil
}
