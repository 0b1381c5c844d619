package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/fuzz-orchestrator/internal/collector"
)

var (
	collectCfg    collector.Config
	collectTarget string
)

func init() {
	collectCmd := &cobra.Command{
		Use:   "collect",
		Short: "Run a fuzz binary and snapshot its coverage profiles every window",
		Long: `collect runs inside a coverage environment. It starts the instrumented
fuzz binary with LLVM_PROFILE_FILE set and copies the profiles present at
the end of every window into <out>/<start>-<end>/. The binary's own exit
status is reported but does not fail the command.`,
		Args: cobra.NoArgs,
		RunE: runCollect,
	}
	f := collectCmd.Flags()
	f.StringVar(&collectCfg.Binary, "binary", "", "instrumented fuzz binary")
	f.StringVar(&collectCfg.Corpus, "corpus", "", "corpus directory passed to the binary")
	f.StringVar(&collectCfg.OutDir, "out", "", "directory receiving one snapshot per window")
	f.StringVar(&collectCfg.WorkDir, "workdir", "", "working directory of the binary (default its directory)")
	f.IntVar(&collectCfg.Interval, "interval", 60, "window width in seconds")
	f.IntVar(&collectCfg.Budget, "budget", 0, "-max_total_time for the binary, 0 leaves it unset")
	f.DurationVar(&collectCfg.KillDelay, "kill-delay", 10*time.Second, "wait after SIGTERM before killing")
	f.StringSliceVar(&collectCfg.Args, "arg", nil, "extra argument for the binary, repeatable")
	f.StringVar(&collectTarget, "target", "", "target id, for logs")
	rootCmd.AddCommand(collectCmd)
}

func runCollect(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	log := logrus.WithFields(logrus.Fields{"component": "cli", "target": collectTarget})
	summary, err := collector.Run(ctx, collectCfg)
	if err != nil {
		return err
	}
	for _, s := range summary.Snapshots {
		fmt.Printf("%-16s %d profiles (%d new)\n", s.Name, s.Files, len(s.Fresh))
	}
	fmt.Printf("fuzzer exited with %d after %s\n", summary.ExitCode, summary.Elapsed.Round(time.Second))
	if summary.Killed {
		log.Warn("fuzzer did not stop after SIGTERM and was killed")
	}
	if summary.Interrupted {
		return context.Canceled
	}
	return nil
}
