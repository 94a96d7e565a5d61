package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/uploader"
)

// RunTest uploads a random file through one backend and removes it again.
func RunTest(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, closeTrace, err := loadRunConfig(flagparse.Test, flagMap)
	if err != nil {
		return err
	}
	defer closeTrace()

	backend, _ := flagMap["backend"].(string)
	only, ok := runConfig.Uploaders.Only(backend)
	if !ok {
		return fmt.Errorf("unknown uploader %q. Must be one of: %s", backend, strings.Join(uploader.IDs(), ", "))
	}
	size := uploader.DefaultTestFileSize
	if s, ok := flagMap["size"].(int); ok && s > 0 {
		size = s
	}

	active := activeUploaders(ctx, only, runConfig.CredentialsFile)
	defer uploader.CloseAll(active)
	if len(active) == 0 {
		return fmt.Errorf("uploader %s is not usable, see the warnings above", backend)
	}

	dir, err := os.MkdirTemp("", "pgl-serverbackup-test")
	if err != nil {
		return fmt.Errorf("failed to create temporary directory: %w", err)
	}
	defer os.RemoveAll(dir)

	testFile, err := uploader.WriteTestFile(dir, int64(size))
	if err != nil {
		return err
	}

	for _, u := range active {
		startTime := time.Now()
		if err := u.Test(ctx, testFile); err != nil {
			return fmt.Errorf("uploader %s test failed: %w", u.ID(), err)
		}
		plog.Info("Uploader test passed", "backend", u.ID(), "bytes", size,
			"duration", time.Since(startTime).Round(time.Millisecond))
	}
	return nil
}
