package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/fuzz-orchestrator/internal/batch"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/config"
)

var (
	schedulePath string
	scheduleList bool
)

func init() {
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run campaign manifests on their cron schedules until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runSchedule,
	}
	scheduleCmd.Flags().StringVar(&schedulePath, "file", "", "schedule file (default general.schedule_path)")
	scheduleCmd.Flags().BoolVar(&scheduleList, "list", false, "print the next run of every campaign and exit")
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	path := schedulePath
	if path == "" {
		path = cfg.General.SchedulePath
	}
	sc, err := batch.LoadScheduleConfig(path)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	if len(sc.Campaigns) == 0 {
		return fmt.Errorf("no campaigns scheduled in %s", path)
	}
	sched, err := batch.NewScheduler(sc.Campaigns)
	if err != nil {
		return err
	}

	for _, name := range sched.ListCampaigns() {
		next := sched.NextRun(name)
		fmt.Printf("%-24s next run %s (%s)\n", name, next.Format(time.RFC3339), humanize.Time(next))
	}
	if scheduleList {
		return nil
	}

	ctx, stop := signalContext()
	defer stop()
	baseDir := filepath.Dir(path)
	sched.Start(ctx, func(ctx context.Context, c batch.CampaignConfig) error {
		return runScheduled(ctx, cfg, baseDir, c)
	})
	return nil
}

// runScheduled loads the campaign's manifest fresh on every run so edits
// take effect without restarting the scheduler
func runScheduled(ctx context.Context, c *config.Config, baseDir string, camp batch.CampaignConfig) error {
	manifest := config.ExpandPath(camp.Manifest)
	if !filepath.IsAbs(manifest) {
		manifest = filepath.Join(baseDir, manifest)
	}
	jobs, err := config.LoadManifest(manifest, c.ManifestOptions())
	if err != nil {
		return err
	}
	summary, err := runBatch(ctx, c, batchOptions{
		Name:        camp.Name,
		Jobs:        jobs,
		Parallelism: camp.Parallelism,
		Merge:       camp.Merge,
		Out:         os.Stdout,
	})
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"component": "cli",
		"campaign":  camp.Name,
		"completed": summary.Completed,
		"failed":    summary.Failed,
	}).Info("scheduled batch done")
	return nil
}
