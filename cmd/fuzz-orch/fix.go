package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/fuzz-orchestrator/internal/config"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/domain"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/harness"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/sandbox"
)

var (
	fixDir       string
	fixLibrary   string
	fixVersion   string
	fixImage     string
	fixSelection harness.Selection
	fixDryRun    bool
	fixForce     bool
	fixStatus    bool
	fixAttempts  int
	fixRunFor    time.Duration
)

func init() {
	fixCmd := &cobra.Command{
		Use:   "fix",
		Short: "Compile and briefly fuzz each harness, asking the code-generation CLI to repair failures",
		RunE:  runFix,
	}
	f := fixCmd.Flags()
	f.StringVar(&fixDir, "dir", "testharness", "directory holding <target>/fuzz.cpp")
	f.StringVar(&fixLibrary, "library", "torch", "library the harnesses belong to")
	f.StringVar(&fixVersion, "version", "", "library version")
	f.StringVar(&fixImage, "image", "", "environment image (default runtime.image_prefix + library + version)")
	f.StringVar(&fixSelection.Only, "api", "", "process only this harness")
	f.StringVar(&fixSelection.StartFrom, "start-from", "", "start at this harness, in sort order")
	f.IntVar(&fixSelection.Limit, "limit", 0, "process at most this many harnesses, 0 for all")
	f.BoolVar(&fixDryRun, "dry-run", false, "ask for fixes without writing them or recording results")
	f.BoolVar(&fixForce, "force", false, "reprocess harnesses already fixed or skipped")
	f.BoolVar(&fixStatus, "status", false, "show the recorded fix status and exit")
	f.IntVar(&fixAttempts, "attempts", 3, "repair prompts per harness")
	f.DurationVar(&fixRunFor, "run-for", time.Minute, "fuzzing time of the stability check")
	rootCmd.AddCommand(fixCmd)
}

func runFix(cmd *cobra.Command, args []string) error {
	targets, err := harness.ListHarnesses(fixDir)
	if err != nil {
		return domain.ConfigErrorf("listing harnesses: %v", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if fixStatus {
		counts, err := store.FixCounts(fixLibrary)
		if err != nil {
			return err
		}
		printFixStatus(cmd.OutOrStdout(), len(targets), counts)
		return nil
	}

	selected, err := harness.Select(targets, fixSelection)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	fixer := newFixer(cfg, rt)
	fixer.Store = store

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("Processing %d of %d harnesses\n", len(selected), len(targets))
	summary, err := fixer.FixAll(ctx, selected)
	if summary != nil {
		printFixSummary(cmd.OutOrStdout(), summary)
	}
	return err
}

func fixImageName(c *config.Config) string {
	if fixImage != "" {
		return fixImage
	}
	return c.Runtime.ImagePrefix + fixLibrary + fixVersion
}

func newFixer(c *config.Config, rt sandbox.Runtime) *harness.Fixer {
	gen := newGenerator(c)
	return &harness.Fixer{
		Runtime:        rt,
		Image:          fixImageName(c),
		Resources:      sandbox.Resources{CPUs: c.Runtime.CPUs, Memory: c.Runtime.Memory},
		Completer:      gen,
		Prompts:        gen.Prompts,
		Library:        fixLibrary,
		Dir:            fixDir,
		StepTimeout:    c.Fuzz.StepTimeout.Std(),
		CompileTimeout: c.Fuzz.BuildTimeout.Std(),
		RunDuration:    fixRunFor,
		MaxAttempts:    fixAttempts,
		DryRun:         fixDryRun,
		Force:          fixForce,
	}
}

func printFixStatus(w io.Writer, total int, counts map[harness.FixStatus]int) {
	processed := counts[harness.FixFixed] + counts[harness.FixSkipped] + counts[harness.FixBroken]
	fmt.Fprintf(w, "Total harnesses: %d\n", total)
	fmt.Fprintf(w, "Processed: %d\n", processed)
	fmt.Fprintf(w, "  %s %d\n", completedStyle.Render("fixed  "), counts[harness.FixFixed])
	fmt.Fprintf(w, "  %s %d\n", dimmedStyle.Render("skipped"), counts[harness.FixSkipped])
	fmt.Fprintf(w, "  %s %d\n", failedStyle.Render("broken "), counts[harness.FixBroken])
	fmt.Fprintf(w, "Remaining: %d\n", max(total-processed, 0))
}

func printFixSummary(w io.Writer, s *harness.FixSummary) {
	for _, rec := range s.Records {
		line := fmt.Sprintf("%s %s", fixStyle(rec.Status).Render(fmt.Sprintf("%-7s", rec.Status)), rec.Target)
		if rec.Attempts > 0 {
			line += fmt.Sprintf(" (%d repairs)", rec.Attempts)
		}
		if rec.Status != harness.FixFixed && rec.LastError != "" {
			line += ": " + firstLine(rec.LastError)
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "\nSummary: %d fixed, %d skipped, %d broken, %d unchanged\n",
		s.Count(harness.FixFixed), s.Count(harness.FixSkipped), s.Count(harness.FixBroken), len(s.Unchanged))
}

func fixStyle(s harness.FixStatus) lipgloss.Style {
	switch s {
	case harness.FixFixed:
		return completedStyle
	case harness.FixBroken:
		return failedStyle
	default:
		return dimmedStyle
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
