package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/fuzz-orchestrator/internal/config"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/coverage"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/domain"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/job"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/notify"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/runstore"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/sandbox"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/scheduler"
)

// batchOptions describes one invocation of a job list
type batchOptions struct {
	Name        string
	Jobs        []domain.Job
	Parallelism int
	// Merge runs the coverage pipeline over every coverage campaign of the
	// batch once all jobs finished
	Merge bool
	Out   io.Writer
}

// runTracker records each job in the run store. Duplicate descriptors are
// matched to their runs in start order.
type runTracker struct {
	store   *runstore.Store
	batchID string
	log     *logrus.Entry

	mu   sync.Mutex
	open map[string][]string
}

func (t *runTracker) onStart(j domain.Job) {
	run := &runstore.Run{BatchID: t.batchID, Job: j}
	if err := t.store.SaveRun(run); err != nil {
		t.log.WithError(err).WithField("job", j.Key()).Warn("recording run start")
		return
	}
	t.mu.Lock()
	t.open[j.Key()] = append(t.open[j.Key()], run.ID)
	t.mu.Unlock()
}

func (t *runTracker) onFinish(res job.Result) {
	key := res.Job.Key()
	t.mu.Lock()
	ids := t.open[key]
	if len(ids) == 0 {
		t.mu.Unlock()
		return
	}
	id := ids[0]
	t.open[key] = ids[1:]
	t.mu.Unlock()

	err := t.store.FinishRun(id, runstore.Finish{
		Status:        res.Status,
		ConfigFailure: res.ConfigFailure,
		ExitCode:      res.ExitCode,
		Summary:       res.Summary,
		Err:           res.Err,
		FinishedAt:    res.FinishedAt,
	})
	if err != nil {
		t.log.WithError(err).WithField("job", key).Warn("recording run result")
	}
}

// runBatch executes jobs through the scheduler, persists every run and sends
// the batch-finished notification. The returned error is the scheduler's
// interrupt error; job failures are only reported in the summary.
func runBatch(ctx context.Context, c *config.Config, opts batchOptions) (scheduler.Summary, error) {
	log := logrus.WithFields(logrus.Fields{"component": "cli", "batch": opts.Name})
	store, err := openStore(c)
	if err != nil {
		return scheduler.Summary{}, err
	}
	defer store.Close()

	parallelism := opts.Parallelism
	if parallelism < 1 {
		parallelism = c.General.Parallelism
	}
	batchID, err := store.StartBatch(opts.Name, parallelism)
	if err != nil {
		return scheduler.Summary{}, fmt.Errorf("recording batch: %w", err)
	}
	tracker := &runTracker{store: store, batchID: batchID, log: log, open: map[string][]string{}}

	rt, err := newRuntime(c)
	if err != nil {
		return scheduler.Summary{}, err
	}
	sched := scheduler.New(job.NewRunner(rt, jobConfig(c)), scheduler.Config{
		Parallelism: parallelism,
		Progress:    opts.Out,
		Hooks: scheduler.Hooks{
			OnStart:  tracker.onStart,
			OnFinish: tracker.onFinish,
		},
	})
	for _, j := range opts.Jobs {
		sched.Add(j)
	}

	started := time.Now()
	summary, runErr := sched.RunAll(ctx)
	elapsed := time.Since(started)

	if err := store.FinishBatch(batchID, summary.Completed, summary.Failed, summary.Skipped); err != nil {
		log.WithError(err).Warn("recording batch result")
	}
	printSummary(opts.Out, summary, elapsed)

	n := notify.BatchFinished(opts.Name, notify.BatchCounts{
		Completed:      summary.Completed,
		Failed:         summary.Failed,
		ConfigFailures: summary.ConfigFailures,
		Skipped:        summary.Skipped,
		Elapsed:        elapsed,
	})
	notifier := newNotifier(c)
	if err := notifier.Send(n); err != nil {
		log.WithError(err).Warn("sending notification")
	}

	if runErr != nil || !opts.Merge {
		return summary, runErr
	}
	for _, camp := range coverageCampaigns(opts.Jobs) {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := mergeCampaign(ctx, c, rt, store, camp, opts.Out, notifier); err != nil {
			// one campaign's pipeline failure does not stop the others
			log.WithError(err).WithField("campaign", camp.Dir).Error("coverage pipeline failed")
		}
	}
	return summary, nil
}

// campaign identifies the merge inputs of one coverage campaign
type campaign struct {
	Name   string
	Dir    string
	Budget int
	Width  int
}

// coverageCampaigns lists the distinct coverage campaigns of jobs in order
func coverageCampaigns(jobs []domain.Job) []campaign {
	seen := map[string]bool{}
	var out []campaign
	for _, j := range jobs {
		if j.Mode != domain.ModeCoverage {
			continue
		}
		key := fmt.Sprintf("%s|%d", j.CampaignDir(), j.WindowWidth)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, campaign{Name: j.Campaign(), Dir: j.CampaignDir(), Budget: j.TimeBudget, Width: j.WindowWidth})
	}
	return out
}

// mergeCampaign runs merge and report for one campaign, stores the series,
// prints the coverage table and announces the latest coverage point
func mergeCampaign(ctx context.Context, c *config.Config, rt sandbox.Runtime, store *runstore.Store, camp campaign, out io.Writer, notifier notify.Notifier) error {
	windows, err := domain.Windows(camp.Budget, camp.Width)
	if err != nil {
		return err
	}
	if _, err := newPipeline(c, rt).Run(ctx, camp.Dir, camp.Budget, camp.Width); err != nil {
		return err
	}
	points, err := coverage.Series(camp.Dir, windows)
	if err != nil {
		return err
	}
	if store != nil {
		if err := store.SaveSeries(camp.Name, points); err != nil {
			return fmt.Errorf("saving series: %w", err)
		}
	}
	fmt.Fprintln(out, renderSeries(camp.Name, points))

	if err := notifier.Send(notify.CoverageFinished(camp.Name, coverageCounts(points, len(windows)))); err != nil {
		logrus.WithField("campaign", camp.Name).WithError(err).Warn("sending coverage notification")
	}
	return nil
}

func coverageCounts(points []coverage.Point, planned int) notify.CoverageCounts {
	counts := notify.CoverageCounts{Windows: len(points), Planned: planned}
	if len(points) == 0 {
		return counts
	}
	last := points[len(points)-1]
	counts.LastWindow = last.Window.Name()
	counts.Covered = last.Covered
	counts.Total = last.Total
	if drop, ok := coverage.Monotonic(points); !ok {
		counts.Regressed = drop.Window.Name()
	}
	return counts
}
