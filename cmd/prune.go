package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-serverbackup/pkg/config"
	"github.com/paulschiretz/pgl-serverbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-serverbackup/pkg/ingest"
	"github.com/paulschiretz/pgl-serverbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathretention"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
)

// RunPrune applies the local keep-count to every location that produces archives.
func RunPrune(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, closeTrace, err := loadRunConfig(flagparse.Prune, flagMap)
	if err != nil {
		return err
	}
	defer closeTrace()

	if runConfig.LocalKeepCount == pathretention.Disabled {
		plog.Info("Pruning is disabled", "local_keep_count", runConfig.LocalKeepCount)
		return nil
	}

	dryRun, _ := flagMap["dry-run"].(bool)
	force, _ := flagMap["force"].(bool)
	if !dryRun && !force {
		fmt.Printf("This operation will permanently delete all but the %d newest archives of every location in %s.\n",
			runConfig.LocalKeepCount, runConfig.LocalDirectory)
		if !PromptForConfirmation("Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " prune operation canceled.")
			return nil
		}
	}

	if _, err := os.Stat(runConfig.LocalDirectory); os.IsNotExist(err) {
		return fmt.Errorf("local directory '%s' does not exist", runConfig.LocalDirectory)
	}

	// Ensure no backup writes archives while we delete.
	lock, err := lockfile.Acquire(runConfig.LocalDirectory, fmt.Sprintf("pgl-serverbackup-prune:%d", os.Getpid()))
	if err != nil {
		return fmt.Errorf("failed to acquire lock on local directory: %w", err)
	}
	defer lock.Release()

	startTime := time.Now()
	pruneLocations(ctx, runConfig, dryRun)
	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" prune finished successfully.", "duration", duration)
	return nil
}

func pruneLocations(ctx context.Context, cfg config.Config, dryRun bool) {
	retainer := pathretention.NewPathRetentionManager(cfg.Retention(dryRun))
	layout := pathcompression.NewPathCompressor(cfg.Compressor(), nil, nil)
	for _, loc := range archiveLocations(cfg) {
		if ctx.Err() != nil {
			return
		}
		prefix := pathcompression.ArchivePrefix(loc.nameFormat, util.LastPathSegment(loc.location))
		if err := retainer.Apply(ctx, util.LocationDir(loc.location), layout.OutputDir(loc.location), prefix, cfg.LocalKeepCount); err != nil {
			plog.Warn("Prune failed", "target", loc.location, "error", err)
		}
	}
}

type archiveLocation struct {
	location   string
	nameFormat string
}

// archiveLocations lists the configured targets that create archives followed
// by the staging locations of the external sources.
func archiveLocations(cfg config.Config) []archiveLocation {
	var locations []archiveLocation
	for _, t := range cfg.Targets {
		if t.Create {
			locations = append(locations, archiveLocation{location: t.Location, nameFormat: t.NameFormat})
		}
	}
	for _, src := range ingest.Sources(cfg.External) {
		location, err := ingest.Location(src)
		if err != nil {
			plog.Warn("Skipping external source", "kind", string(src.Kind()), "addr", src.Addr(), "error", err)
			continue
		}
		locations = append(locations, archiveLocation{location: location, nameFormat: src.NameFormat()})
	}
	return locations
}
