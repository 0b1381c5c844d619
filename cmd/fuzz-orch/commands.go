package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/fuzz-orchestrator/internal/config"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/domain"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/runstore"
)

var (
	runParallel int
	runMerge    bool
	runName     string
	runJob      domain.Job
	runMode     string

	listStatus   string
	listCampaign string
	listLimit    int
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run [MANIFEST]",
		Short: "Run the jobs of a manifest, or a single job described by flags",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "jobs run at once (default general.parallelism)")
	runCmd.Flags().BoolVar(&runMerge, "merge", false, "run the coverage pipeline for coverage campaigns afterwards")
	runCmd.Flags().StringVar(&runName, "name", "", "batch name recorded in the run store")
	runCmd.Flags().StringVar(&runJob.Library, "library", "", "library of a single job")
	runCmd.Flags().StringVar(&runJob.Version, "version", "", "library version")
	runCmd.Flags().StringVar(&runMode, "mode", string(domain.ModeFuzz), "build, fuzz or coverage")
	runCmd.Flags().StringVar(&runJob.TargetID, "target", "", "target id, or \"all\"")
	runCmd.Flags().StringVar(&runJob.Image, "image", "", "environment image (default runtime.image_prefix + library + version)")
	runCmd.Flags().IntVar(&runJob.TimeBudget, "budget", 0, "fuzzing time budget in seconds")
	runCmd.Flags().IntVar(&runJob.WindowWidth, "window", 0, "coverage window width in seconds")
	runCmd.Flags().Float64Var(&runJob.CPULimit, "cpus", 0, "cpu limit")
	runCmd.Flags().StringVar(&runJob.MemLimit, "memory", "", "memory limit, e.g. 8g")
	runCmd.Flags().BoolVar(&runJob.BuildHarness, "build-harness", false, "build the harness before fuzzing")
	rootCmd.AddCommand(runCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show run counts per status",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listCampaign, "campaign", "", "filter by campaign")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum runs shown, 0 for all")
	rootCmd.AddCommand(listCmd)
}

// singleJob builds the job described by the run flags
func singleJob(c *config.Config) ([]domain.Job, error) {
	if runJob.Library == "" || runJob.TargetID == "" {
		return nil, domain.ConfigErrorf("give a manifest or at least --library and --target")
	}
	j := runJob
	j.Mode = domain.Mode(runMode)
	resolved, err := c.ManifestOptions().Resolve(j)
	if err != nil {
		return nil, err
	}
	return []domain.Job{resolved}, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	var (
		jobs []domain.Job
		err  error
		name = runName
	)
	if len(args) == 1 {
		jobs, err = config.LoadManifest(args[0], cfg.ManifestOptions())
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		}
	} else {
		jobs, err = singleJob(cfg)
		if name == "" && err == nil {
			name = jobs[0].Key()
		}
	}
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs to run")
		return nil
	}

	ctx, stop := signalContext()
	defer stop()

	summary, err := runBatch(ctx, cfg, batchOptions{
		Name:        name,
		Jobs:        jobs,
		Parallelism: runParallel,
		Merge:       runMerge,
		Out:         os.Stdout,
	})
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", summary.Failed, summary.Total())
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.CountByStatus()
	if err != nil {
		return err
	}
	fmt.Println(statusLine(counts))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(runstore.ListOptions{
		Campaign: listCampaign,
		Status:   domain.Status(listStatus),
		Limit:    listLimit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	fmt.Println(renderRuns(runs))
	return nil
}
