package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/config"
	"github.com/paulschiretz/pgl-serverbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-serverbackup/pkg/hook"
	"github.com/paulschiretz/pgl-serverbackup/pkg/ingest"
	"github.com/paulschiretz/pgl-serverbackup/pkg/orchestrator"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathretention"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/preflight"
	"github.com/paulschiretz/pgl-serverbackup/pkg/scheduler"
	"github.com/paulschiretz/pgl-serverbackup/pkg/uploader"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
	"github.com/paulschiretz/pgl-serverbackup/pkg/workerpool"
)

// poolShutdownTimeout bounds the drain of the worker pools on exit.
const poolShutdownTimeout = 90 * time.Second

// loadRunConfig loads the configuration file named by -config, overlays the
// flags of command, validates the result and applies its logging settings.
// The returned function closes the trace file, if any.
func loadRunConfig(command flagparse.Command, flagMap map[string]interface{}) (config.Config, func(), error) {
	path, _ := flagMap["config"].(string)
	loadedConfig, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Merge the flag values over the loaded config to get the final run config.
	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	closeTrace, err := applyLogging(runConfig, flagMap)
	if err != nil {
		return config.Config{}, nil, err
	}
	runConfig.LogSummary()
	return runConfig, closeTrace, nil
}

func applyLogging(cfg config.Config, flagMap map[string]interface{}) (func(), error) {
	plog.SetLevel(plog.LevelFromString(cfg.LogLevel))
	if quiet, ok := flagMap["quiet"].(bool); ok && quiet {
		plog.SetQuiet(true)
	}
	if cfg.TraceFile == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, util.UserOnlyFilePerms)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	plog.SetTraceOutput(f)
	return func() {
		plog.SetTraceOutput(nil)
		f.Close()
	}, nil
}

// checkDirectories verifies the source root and creates the local directory.
func checkDirectories(cfg config.Config) error {
	plan := preflight.Plan{
		SourceAccessible:  true,
		LocalAccessible:   true,
		LocalWriteable:    true,
		EnsureLocalExists: true,
	}
	if err := preflight.Run(cfg.SourceRoot, cfg.LocalDirectory, plan); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}
	return nil
}

// newPools creates the process-wide worker pools of cfg.
func newPools(cfg config.Config) *workerpool.Manager {
	return workerpool.NewManager(
		cfg.Performance.Enumerate.WorkerPool(),
		cfg.Performance.Compress.WorkerPool(),
	)
}

func shutdownPools(pools *workerpool.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
	defer cancel()
	if err := pools.Shutdown(ctx); err != nil {
		plog.Warn("Worker pools did not drain in time", "error", err)
	}
}

// newOrchestrator wires every collaborator of a backup run from cfg. A nil
// schedule leaves the orchestrator without timer support.
func newOrchestrator(cfg config.Config, pools *workerpool.Manager, schedule *scheduler.Schedule) *orchestrator.Orchestrator {
	metrics := &pathcompressionmetrics.CompressionMetrics{}
	executor := hook.NewHookExecutor(nil)

	var gates []orchestrator.Gate
	for _, command := range cfg.Hooks.PermissionCommands {
		gates = append(gates, hook.CommandGate{Executor: executor, Command: command})
	}

	deps := orchestrator.Dependencies{
		Compressor: pathcompression.NewPathCompressor(cfg.Compressor(), pools, metrics),
		Retainer:   pathretention.NewPathRetentionManager(cfg.Retention(false)),
		Uploaders: func(ctx context.Context) []uploader.Uploader {
			return activeUploaders(ctx, cfg.Uploaders, cfg.CredentialsFile)
		},
		Sources: func() []ingest.Source { return ingest.Sources(cfg.External) },
		Stager:  ingest.NewStager(cfg.SourceRoot),
		Hooks:   executor,
		Gates:   gates,
		Metrics: metrics,
	}
	if schedule != nil {
		deps.Schedule = schedule
	}
	if cfg.Players.Required {
		deps.PlayersGate = &orchestrator.ActivityGate{
			Path:   cfg.Players.ActivityFile,
			MaxAge: time.Duration(cfg.Players.MaxAgeMinutes) * time.Minute,
		}
	}
	return orchestrator.New(cfg.Orchestrator(), deps)
}

// activeUploaders builds and authenticates the enabled backends of one run.
func activeUploaders(ctx context.Context, cfg uploader.Config, credentialsFile string) []uploader.Uploader {
	creds, err := uploader.LoadCredentialStore(credentialsFile)
	if err != nil {
		plog.Warn("Credential store unreadable, backends needing a credential are disabled", "error", err)
		return uploader.BuildActiveSet(ctx, uploader.New(cfg, nil), nil)
	}
	return uploader.BuildActiveSet(ctx, uploader.New(cfg, creds), creds)
}
