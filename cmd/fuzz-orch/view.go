package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/fuzz-orchestrator/internal/corpus"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/coverage"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/domain"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/runstore"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/scheduler"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

func statusStyle(s domain.Status) lipgloss.Style {
	switch s {
	case domain.StatusCompleted:
		return completedStyle
	case domain.StatusFailed:
		return failedStyle
	case domain.StatusRunning:
		return runningStyle
	default:
		return dimmedStyle
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimmedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// printSummary writes one status line per job followed by the counts
func printSummary(w io.Writer, s scheduler.Summary, elapsed time.Duration) {
	for _, res := range s.Results {
		line := fmt.Sprintf("%-10s %s", statusStyle(res.Status).Render(string(res.Status)), res.Job.Key())
		if d := res.Duration(); d > 0 {
			line += dimmedStyle.Render(" (" + d.Round(time.Second).String() + ")")
		}
		if res.Err != nil {
			line += ": " + res.Err.Error()
		}
		fmt.Fprintln(w, line)
		for _, warn := range res.Warnings {
			fmt.Fprintln(w, dimmedStyle.Render("           warning: "+warn.Error()))
		}
	}
	fmt.Fprintf(w, "Jobs: %d total | %s | %s | %d skipped | %s elapsed\n",
		s.Total(),
		completedStyle.Render(fmt.Sprintf("%d completed", s.Completed)),
		failedStyle.Render(fmt.Sprintf("%d failed", s.Failed)),
		s.Skipped,
		elapsed.Round(time.Second),
	)
}

// renderSeries renders the chronological coverage table of a campaign
func renderSeries(name string, points []coverage.Point) string {
	t := newTable("WINDOW", "COVERED", "TOTAL", "PERCENT", "GAIN")
	prev := 0
	for i, p := range points {
		total, pct := "-", "-"
		if p.Total > 0 {
			total = humanize.Comma(int64(p.Total))
			pct = fmt.Sprintf("%.2f%%", 100*float64(p.Covered)/float64(p.Total))
		}
		gain := "-"
		if i > 0 {
			gain = fmt.Sprintf("%+d", p.Covered-prev)
		}
		prev = p.Covered
		t.Row(p.Window.Name(), humanize.Comma(int64(p.Covered)), total, pct, gain)
	}
	out := titleStyle.Render(name) + "\n" + t.Render()
	if first, ok := coverage.Monotonic(points); !ok {
		out += "\n" + failedStyle.Render("coverage decreased at window "+first.Window.Name())
	}
	return out
}

// renderBuckets renders the per-window corpus partition
func renderBuckets(res *corpus.Result) string {
	t := newTable("WINDOW", "FILES", "SIZE")
	for _, b := range res.Buckets {
		t.Row(b.Window.Name(), strconv.Itoa(b.Files), b.Size())
	}
	header := fmt.Sprintf("%s: %d files, %s into %d windows of %ds",
		res.Dir, res.Files, humanize.IBytes(uint64(res.Bytes)), len(res.Buckets), res.Width)
	return titleStyle.Render(header) + "\n" + t.Render()
}

// renderMerges lists what happened to every window of a merge chain
func renderMerges(merges []coverage.WindowMerge) string {
	t := newTable("WINDOW", "RESULT", "FRAGMENTS")
	for _, m := range merges {
		t.Row(m.Window.Name(), string(m.Kind), strconv.Itoa(m.Fragments))
	}
	return t.Render()
}

// renderRuns renders stored runs, newest first
func renderRuns(runs []*runstore.Run) string {
	t := newTable("STARTED", "JOB", "STATUS", "EXIT", "DURATION")
	for _, r := range runs {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		t.Row(humanize.Time(r.StartedAt), r.Job.Key(), statusStyle(r.Status).Render(string(r.Status)),
			strconv.Itoa(r.ExitCode), dur)
	}
	return t.Render()
}

// statusLine renders run counts per status in lifecycle order
func statusLine(counts map[domain.Status]int) string {
	order := []domain.Status{domain.StatusNotStarted, domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed}
	total := 0
	for _, n := range counts {
		total += n
	}
	parts := []string{fmt.Sprintf("Runs: %d total", total)}
	for _, s := range order {
		parts = append(parts, statusStyle(s).Render(fmt.Sprintf("%d %s", counts[s], strings.ReplaceAll(string(s), "_", " "))))
	}
	var other []string
	for s := range counts {
		if !knownStatus(s) {
			other = append(other, string(s))
		}
	}
	sort.Strings(other)
	for _, s := range other {
		parts = append(parts, fmt.Sprintf("%d %s", counts[domain.Status(s)], s))
	}
	return strings.Join(parts, " | ")
}

func knownStatus(s domain.Status) bool {
	switch s {
	case domain.StatusNotStarted, domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed:
		return true
	}
	return false
}
