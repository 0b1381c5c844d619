package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/fuzz-orchestrator/internal/config"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/coverage"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/domain"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/harness"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/job"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/logging"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/notify"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/runstore"
	"github.com/hochfrequenz/fuzz-orchestrator/internal/sandbox"
)

// cfg is loaded once per invocation by setup
var cfg *config.Config

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}
	cfg = loaded
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if err := logging.Setup(level, cfg.Logging.Format); err != nil {
		return err
	}
	if cfg.Logging.File != "" {
		closeFn, err := logging.Tee(cfg.Logging.File)
		if err != nil {
			return err
		}
		cobra.OnFinalize(closeFn)
	}
	return nil
}

// exitCode maps errors to process exit codes: 2 for configuration errors,
// 130 for interrupts, 1 otherwise
func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrConfig):
		return 2
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRuntime(c *config.Config) (sandbox.Runtime, error) {
	if c.Runtime.Backend == "api" {
		return sandbox.NewDockerAPI(c.Runtime.Socket)
	}
	return sandbox.NewDockerCLI(c.Runtime.DockerBinary), nil
}

func jobConfig(c *config.Config) job.Config {
	jc := job.DefaultConfig()
	jc.StepTimeout = c.Fuzz.StepTimeout.Std()
	jc.BuildTimeout = c.Fuzz.BuildTimeout.Std()
	jc.GraceFloor = c.Fuzz.GraceFloor.Std()
	jc.GraceFraction = c.Fuzz.GraceFraction
	jc.KillDelay = c.Fuzz.KillDelay.Std()
	jc.StopGrace = c.Fuzz.StopGrace.Std()
	jc.OnStatusChange = func(j domain.Job, status domain.Status, err error) {
		entry := logrus.WithFields(logrus.Fields{"component": "cli", "job": j.Key()})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Debugf("status %s", status)
	}
	return jc
}

func newPipeline(c *config.Config, rt sandbox.Runtime) *coverage.Pipeline {
	return &coverage.Pipeline{
		Runtime:      rt,
		Image:        c.Coverage.Image,
		Binaries:     c.Coverage.Binaries,
		Filters:      c.Coverage.Filters,
		KeepProfiles: c.Coverage.KeepProfiles,
		Sparse:       c.Coverage.Sparse,
		Resources:    sandbox.Resources{CPUs: c.Runtime.CPUs, Memory: c.Runtime.Memory},
		StepTimeout:  c.Fuzz.StepTimeout.Std(),
		ToolTimeout:  c.Coverage.ToolTimeout.Std(),
	}
}

func newGenerator(c *config.Config) *harness.CommandGenerator {
	gen := harness.NewCommandGenerator(harness.Tool(c.Generator.Tool), c.Generator.Model)
	gen.Command = c.Generator.Command
	gen.Timeout = c.Generator.Timeout.Std()
	if c.Generator.Retries > 0 {
		gen.Retries = c.Generator.Retries
	}
	gen.HelperDir = c.Generator.HelperDir
	if wd, err := os.Getwd(); err == nil {
		gen.Prompts = harness.DefaultPromptLoader(wd)
	}
	return gen
}

func newNotifier(c *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if c.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(c.Notifications.SlackWebhook))
	}
	if c.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func openStore(c *config.Config) (*runstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(c.General.DatabasePath), 0755); err != nil {
		return nil, err
	}
	store, err := runstore.New(c.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	return store, nil
}
