package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/fuzz-orchestrator/internal/harness"
)

var (
	genLibrary   string
	genOut       string
	genTargets   string
	genDocs      string
	genHelpers   bool
	genOverwrite bool
	genPause     time.Duration
	genPrint     bool
)

func init() {
	generateCmd := &cobra.Command{
		Use:   "generate [TARGET...]",
		Short: "Generate fuzz harnesses for targets with a code-generation CLI",
		RunE:  runGenerate,
	}
	f := generateCmd.Flags()
	f.StringVar(&genLibrary, "library", "", "library the targets belong to")
	f.StringVar(&genOut, "out", "testharness", "directory receiving <target>/fuzz.cpp")
	f.StringVar(&genTargets, "targets", "", "file with one target per line, - for stdin")
	f.StringVar(&genDocs, "docs", "", "directory holding <target>.txt API references")
	f.BoolVar(&genHelpers, "helpers", false, "offer the helper snippets in the prompt and copy them next to each harness")
	f.BoolVar(&genOverwrite, "overwrite", false, "replace existing harness directories")
	f.DurationVar(&genPause, "pause", 0, "wait between targets")
	f.BoolVar(&genPrint, "print-prompt", false, "print the prompt of the first target and exit")
	rootCmd.AddCommand(generateCmd)
}

func loadTargets(args []string) ([]string, error) {
	targets := append([]string(nil), args...)
	if genTargets == "" {
		return targets, nil
	}
	var r io.Reader = os.Stdin
	if genTargets != "-" {
		f, err := os.Open(genTargets)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	more, err := harness.ReadTargets(r)
	if err != nil {
		return nil, err
	}
	return append(targets, more...), nil
}

// docsFor reads <docs>/<target>.txt when it exists
func docsFor(target string) string {
	if genDocs == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(genDocs, target+".txt"))
	if err != nil {
		return ""
	}
	return string(data)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	targets, err := loadTargets(args)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("no targets given")
	}
	gen := newGenerator(cfg)

	if genPrint {
		prompt, err := gen.Prompt(harness.Request{Library: genLibrary, TargetID: targets[0], Docs: docsFor(targets[0]), IncludeHelpers: genHelpers})
		if err != nil {
			return err
		}
		fmt.Println(prompt)
		return nil
	}

	ctx, stop := signalContext()
	defer stop()

	opts := harness.BatchOptions{
		Library:        genLibrary,
		OutDir:         genOut,
		IncludeHelpers: genHelpers,
		Write:          harness.WriteOptions{Overwrite: genOverwrite},
		Docs:           docsFor,
		Pause:          genPause,
	}
	if genHelpers {
		opts.Write.HelperDir = cfg.Generator.HelperDir
	}
	res, err := harness.GenerateAll(ctx, gen, targets, opts)
	if res != nil {
		printGenerated(res)
	}
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d harnesses failed", len(res.Failed), len(targets))
	}
	return nil
}

func printGenerated(res *harness.BatchResult) {
	for _, target := range sortedTargets(res.Written) {
		fmt.Printf("%s %s\n", completedStyle.Render("written"), res.Written[target])
	}
	for _, target := range res.Skipped {
		fmt.Printf("%s %s (exists)\n", dimmedStyle.Render("skipped"), target)
	}
	failed := make([]string, 0, len(res.Failed))
	for target := range res.Failed {
		failed = append(failed, target)
	}
	sort.Strings(failed)
	for _, target := range failed {
		fmt.Printf("%s %s: %v\n", failedStyle.Render("failed "), target, res.Failed[target])
	}
}

func sortedTargets(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
