package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-serverbackup/pkg/config"
	"github.com/paulschiretz/pgl-serverbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/preflight"
)

// RunInit writes the configuration file. An existing file is loaded and
// rewritten with the flags applied, unless -default asks for a fresh one.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	configPath, _ := flagMap["config"].(string)
	if configPath == "" {
		configPath = config.ConfigFileName
	}
	initDefault, _ := flagMap["default"].(bool)
	force, _ := flagMap["force"].(bool)

	var baseConfig config.Config
	if initDefault {
		if !force {
			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("WARNING: Configuration file already exists at %s.\n", configPath)
				fmt.Printf("Using -default will overwrite it with default values. All custom settings will be lost.\n")
				if !PromptForConfirmation("Are you sure you want to continue?", false) {
					plog.Info(buildinfo.Name + " init operation canceled.")
					return nil
				}
			}
		}
		baseConfig = config.NewDefault()
	} else {
		// Try to load existing config to preserve settings.
		// Note: config.Load returns NewDefault() if the file simply doesn't exist.
		var err error
		baseConfig, err = config.Load(configPath)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	}

	// Create a config from base merged with user flags.
	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)

	// Validate a copy so the file keeps its relative paths.
	checked := runConfig
	if err := checked.Validate(); err != nil {
		return err
	}

	startTime := time.Now()
	plan := preflight.Plan{
		SourceAccessible:  true,
		LocalAccessible:   true,
		LocalWriteable:    true,
		EnsureLocalExists: true,
	}
	if err := preflight.Run(checked.SourceRoot, checked.LocalDirectory, plan); err != nil {
		return fmt.Errorf("initialization preflight failed: %w", err)
	}

	if err := config.Generate(configPath, runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" successfully initialized.", "config", configPath, "local_dir", checked.LocalDirectory, "duration", duration)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
