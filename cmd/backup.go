package cmd

import (
	"context"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-serverbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-serverbackup/pkg/orchestrator"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
)

// RunBackup runs one user-triggered backup and waits for its notifications.
func RunBackup(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, closeTrace, err := loadRunConfig(flagparse.Backup, flagMap)
	if err != nil {
		return err
	}
	defer closeTrace()

	if err := checkDirectories(runConfig); err != nil {
		return err
	}

	pools := newPools(runConfig)
	defer shutdownPools(pools)

	orch := newOrchestrator(runConfig, pools, nil)

	startTime := time.Now()
	err = orch.Run(ctx, orchestrator.TriggerUser)
	orch.Wait()
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}
