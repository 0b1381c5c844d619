package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/fuzz-orchestrator/internal/config"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/coverage"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/domain"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/harness"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/job"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/notify"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/runstore"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/sandbox"
)

func TestResolveBudget(t *testing.T) {
	tests := []struct {
		dir      string
		explicit int
		want     int
		wantErr  bool
	}{
		{"/results/torch2.7-coverage-150s", 0, 150, false},
		{"/results/torch2.7-coverage-150s/", 0, 150, false},
		{"/results/anything", 90, 90, false},
		{"/results/anything", 0, 0, true},
	}
	for _, tt := range tests {
		got, err := resolveBudget(tt.dir, tt.explicit)
		if (err != nil) != tt.wantErr {
			t.Errorf("resolveBudget(%q, %d) error = %v, wantErr %v", tt.dir, tt.explicit, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("resolveBudget(%q, %d) = %d, want %d", tt.dir, tt.explicit, got, tt.want)
		}
		if err != nil && !errors.Is(err, domain.ErrConfig) {
			t.Errorf("error should be a configuration error: %v", err)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ConfigErrorf("bad"), 2},
		{fmt.Errorf("merging: %w", context.Canceled), 130},
		{errors.New("boom"), 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCoverageCampaigns(t *testing.T) {
	base := domain.Job{Library: "torch", Version: "2.7", Mode: domain.ModeCoverage, TimeBudget: 150, WindowWidth: 60, ResultRoot: "/r"}
	a, b := base, base
	a.TargetID, b.TargetID = "a", "b"
	fuzz := base
	fuzz.Mode, fuzz.TargetID = domain.ModeFuzz, "c"
	other := base
	other.TargetID, other.TimeBudget = "a", 300

	got := coverageCampaigns([]domain.Job{a, fuzz, b, other})
	if len(got) != 2 {
		t.Fatalf("got %d campaigns, want 2: %+v", len(got), got)
	}
	if got[0].Dir != "/r/torch2.7-coverage-150s" || got[0].Budget != 150 || got[0].Width != 60 {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Name != "torch2.7-coverage-300s" {
		t.Errorf("second = %+v", got[1])
	}
}

func TestStatusLine(t *testing.T) {
	got := statusLine(map[domain.Status]int{domain.StatusCompleted: 3, domain.StatusFailed: 1, "paused": 2})
	for _, want := range []string{"Runs: 6 total", "3 completed", "1 failed", "0 not started", "2 paused"} {
		if !strings.Contains(got, want) {
			t.Errorf("statusLine = %q, missing %q", got, want)
		}
	}
}

func TestRenderSeries(t *testing.T) {
	points := []coverage.Point{
		{Window: domain.Window{Start: 0, End: 60}, Covered: 1200, Total: 4000},
		{Window: domain.Window{Start: 60, End: 120}, Covered: 1500, Total: 4000},
		{Window: domain.Window{Start: 120, End: 150}, Covered: 1400},
	}
	got := renderSeries("torch2.7-coverage-150s", points)
	for _, want := range []string{"torch2.7-coverage-150s", "0-60", "1,200", "30.00%", "+300", "-100", "coverage decreased at window 120-150"} {
		if !strings.Contains(got, want) {
			t.Errorf("table missing %q:\n%s", want, got)
		}
	}

	if strings.Contains(renderSeries("x", points[:2]), "decreased") {
		t.Error("monotonic series flagged as decreasing")
	}
}

func TestCoverageCounts(t *testing.T) {
	points := []coverage.Point{
		{Window: domain.Window{Start: 0, End: 60}, Covered: 1200, Total: 4000},
		{Window: domain.Window{Start: 60, End: 120}, Covered: 1100, Total: 4000},
	}
	got := coverageCounts(points, 3)
	want := notify.CoverageCounts{Windows: 2, Planned: 3, LastWindow: "60-120", Covered: 1100, Total: 4000, Regressed: "60-120"}
	if got != want {
		t.Errorf("coverageCounts = %+v, want %+v", got, want)
	}
	if got := coverageCounts(nil, 3); got.Windows != 0 || got.LastWindow != "" {
		t.Errorf("empty series = %+v", got)
	}
}

func TestRunTracker(t *testing.T) {
	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	batchID, err := store.StartBatch("test", 2)
	if err != nil {
		t.Fatal(err)
	}
	tracker := &runTracker{store: store, batchID: batchID, log: logrus.WithField("component", "test"), open: map[string][]string{}}

	j := domain.Job{Library: "torch", Version: "2.7", Mode: domain.ModeFuzz, TargetID: "a", Image: "img", TimeBudget: 60}
	// the same descriptor twice, finished in start order
	tracker.onStart(j)
	tracker.onStart(j)
	tracker.onFinish(job.Result{Job: j, Status: domain.StatusCompleted, FinishedAt: time.Now()})
	tracker.onFinish(job.Result{Job: j, Status: domain.StatusFailed, Err: errors.New("coverage collect: exit code 1"), FinishedAt: time.Now()})
	// a finish without a recorded start is ignored
	tracker.onFinish(job.Result{Job: domain.Job{TargetID: "ghost"}, Status: domain.StatusFailed})

	counts, err := store.CountByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.StatusCompleted] != 1 || counts[domain.StatusFailed] != 1 || counts[domain.StatusRunning] != 0 {
		t.Errorf("counts = %v", counts)
	}
	runs, err := store.ListRuns(runstore.ListOptions{BatchID: batchID})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs, want 2", len(runs))
	}
}

func TestNewNotifier(t *testing.T) {
	c := config.Default()
	if _, ok := newNotifier(c).(notify.NoopNotifier); !ok {
		t.Error("no channels configured should give the no-op notifier")
	}
	c.Notifications.SlackWebhook = "http://127.0.0.1:1/hook"
	if _, ok := newNotifier(c).(*notify.MultiNotifier); !ok {
		t.Error("slack webhook should give a multi notifier")
	}
}

func TestNewRuntime(t *testing.T) {
	c := config.Default()
	rt, err := newRuntime(c)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rt.(*sandbox.DockerCLI); !ok {
		t.Error("cli backend should use DockerCLI")
	}
	c.Runtime.Backend = "api"
	rt, err = newRuntime(c)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rt.(*sandbox.DockerAPI); !ok {
		t.Error("api backend should use DockerAPI")
	}
}

func TestJobConfig(t *testing.T) {
	c := config.Default()
	c.Fuzz.GraceFloor = config.Duration(time.Minute)
	c.Fuzz.GraceFraction = 0.5
	jc := jobConfig(c)
	if got := jc.FuzzTimeout(60); got != 2*time.Minute {
		t.Errorf("FuzzTimeout(60) = %s, want 2m", got)
	}
	if got := jc.FuzzTimeout(600); got != 15*time.Minute {
		t.Errorf("FuzzTimeout(600) = %s, want 15m", got)
	}
}

func TestNewFixer(t *testing.T) {
	c := config.Default()
	fixLibrary, fixVersion, fixImage = "torch", "2.7", ""
	defer func() { fixLibrary, fixVersion, fixImage = "torch", "", "" }()

	f := newFixer(c, sandbox.NewDockerCLI(""))
	if f.Image != c.Runtime.ImagePrefix+"torch2.7" {
		t.Errorf("Image = %q, want the prefixed library image", f.Image)
	}
	if f.Completer == nil || f.Prompts == nil {
		t.Error("fixer needs the configured generator")
	}
	if f.CompileTimeout != c.Fuzz.BuildTimeout.Std() {
		t.Errorf("CompileTimeout = %s", f.CompileTimeout)
	}

	fixImage = "custom:fix"
	if got := newFixer(c, sandbox.NewDockerCLI("")).Image; got != "custom:fix" {
		t.Errorf("explicit image ignored: %q", got)
	}
}

func TestPrintFix(t *testing.T) {
	var status strings.Builder
	printFixStatus(&status, 5, map[harness.FixStatus]int{harness.FixFixed: 2, harness.FixBroken: 1})
	for _, want := range []string{"Total harnesses: 5", "Processed: 3", "Remaining: 2"} {
		if !strings.Contains(status.String(), want) {
			t.Errorf("status missing %q:\n%s", want, status.String())
		}
	}

	var out strings.Builder
	printFixSummary(&out, &harness.FixSummary{
		Records: []harness.FixRecord{
			{Target: "torch.addmm", Status: harness.FixFixed, Attempts: 2},
			{Target: "torch.sum", Status: harness.FixBroken, LastError: "compile: error\nmore"},
		},
		Unchanged: []string{"torch.mean"},
	})
	got := out.String()
	for _, want := range []string{"torch.addmm (2 repairs)", "torch.sum: compile: error", "1 fixed, 0 skipped, 1 broken, 1 unchanged"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "more") {
		t.Error("only the first error line is shown")
	}
}
