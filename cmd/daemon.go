package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-serverbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-serverbackup/pkg/orchestrator"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/scheduler"
)

// RunDaemon runs scheduled backups until ctx is cancelled. SIGHUP reloads the
// configuration once the backup in flight, if any, has finished.
func RunDaemon(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, closeTrace, err := loadRunConfig(flagparse.Daemon, flagMap)
	if err != nil {
		return err
	}
	defer func() { closeTrace() }()

	if err := checkDirectories(runConfig); err != nil {
		return err
	}

	pools := newPools(runConfig)
	defer shutdownPools(pools)

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	var prev *orchestrator.Orchestrator
	for {
		schedule, err := scheduler.New(runConfig.Schedule)
		if err != nil {
			return fmt.Errorf("invalid schedule: %w", err)
		}
		if !schedule.Enabled() {
			return errors.New("the schedule is disabled; set schedule.delayMinutes or schedule.cron, or use the backup command")
		}
		orch := newOrchestrator(runConfig, pools, schedule)
		orch.InheritOutcome(prev)
		prev = orch
		plog.Info(buildinfo.Name+" daemon started", "next_run", orch.NextRun(time.Now()))

		loopCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			// Runs use the daemon context so stopping the schedule for a
			// reload never cancels a backup in flight.
			done <- schedule.Run(loopCtx, func(context.Context) {
				err := orch.Run(ctx, orchestrator.TriggerTimer)
				if err != nil && !errors.Is(err, orchestrator.ErrAlreadyRunning) {
					plog.Error("Scheduled backup failed", "error", err)
				}
				plog.Info("Next backup", "at", orch.NextRun(time.Now()))
			})
		}()

		select {
		case <-ctx.Done():
			stop()
			<-done
			orch.Wait()
			plog.Info(buildinfo.Name + " daemon stopped.")
			return nil
		case err := <-done:
			stop()
			orch.Wait()
			return err
		case <-reload:
			plog.Info("Reloading configuration")
			stop()
			<-done
			orch.Wait()

			closeTrace()
			next, nextCloseTrace, err := loadRunConfig(flagparse.Daemon, flagMap)
			if err != nil {
				plog.Error("Configuration reload failed, keeping the current configuration", "error", err)
				if closeTrace, err = applyLogging(runConfig, flagMap); err != nil {
					return err
				}
				continue
			}
			closeTrace = nextCloseTrace
			runConfig = next
			pools.Reload(runConfig.Performance.Enumerate.WorkerPool(), runConfig.Performance.Compress.WorkerPool())
		}
	}
}
