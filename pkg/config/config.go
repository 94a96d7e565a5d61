package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-serverbackup/pkg/blacklist"
	"github.com/paulschiretz/pgl-serverbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-serverbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-serverbackup/pkg/hook"
	"github.com/paulschiretz/pgl-serverbackup/pkg/ingest"
	"github.com/paulschiretz/pgl-serverbackup/pkg/orchestrator"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-serverbackup/pkg/pathretention"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/scheduler"
	"github.com/paulschiretz/pgl-serverbackup/pkg/uploader"
	"github.com/paulschiretz/pgl-serverbackup/pkg/util"
	"github.com/paulschiretz/pgl-serverbackup/pkg/workerpool"
)

// ConfigFileName is the name of the configuration file looked up in the working directory.
const ConfigFileName = "pgl-serverbackup.yaml"

const (
	defaultLocalDirectory        = "backups"
	defaultLocalKeepCount        = 10
	defaultDelayMinutes          = 60
	defaultBufferSizeKB          = 256
	defaultDeleteWorkers         = 2
	defaultActivityMaxAgeMinutes = 10
	minPriority                  = -20
	maxPriority                  = 19
)

// envRef matches ${NAME} references expanded before the file is parsed.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// PoolConfig sizes one worker pool.
type PoolConfig struct {
	// Threads is the number of workers. 0 means one per CPU.
	Threads  int   `yaml:"threads"`
	Priority int   `yaml:"priority"`
	Affinity []int `yaml:"affinity,omitempty"`
}

// WorkerPool converts the file representation into a workerpool.Config.
func (p PoolConfig) WorkerPool() workerpool.Config {
	return workerpool.Config{Size: p.Threads, Priority: p.Priority, Affinity: p.Affinity}
}

type PerformanceConfig struct {
	Enumerate     PoolConfig `yaml:"enumerate"`
	Compress      PoolConfig `yaml:"compress"`
	BufferSizeKB  int        `yaml:"bufferSizeKB"`
	DeleteWorkers int        `yaml:"deleteWorkers"`
}

type CompressionConfig struct {
	Format pathcompression.Format `yaml:"format"`
	Level  pathcompression.Level  `yaml:"level"`
}

// PlayersConfig gates scheduled runs on recent player activity. The host
// touches ActivityFile while players are online.
type PlayersConfig struct {
	Required      bool   `yaml:"required"`
	ActivityFile  string `yaml:"activityFile,omitempty"`
	MaxAgeMinutes int    `yaml:"maxAgeMinutes"`
}

type Config struct {
	Version         string                `yaml:"version"`
	LogLevel        string                `yaml:"logLevel"`
	TraceFile       string                `yaml:"traceFile,omitempty"`
	SourceRoot      string                `yaml:"sourceRoot"`
	LocalDirectory  string                `yaml:"localDirectory"`
	LocalKeepCount  int                   `yaml:"localKeepCount"`
	CredentialsFile string                `yaml:"credentialsFile"`
	Schedule        scheduler.Config      `yaml:"schedule"`
	Players         PlayersConfig         `yaml:"players"`
	Compression     CompressionConfig     `yaml:"compression"`
	Performance     PerformanceConfig     `yaml:"performance"`
	Targets         []orchestrator.Target `yaml:"backupList"`
	External        ingest.Config         `yaml:"external"`
	Uploaders       uploader.Config       `yaml:"uploaders"`
	Hooks           hook.Config           `yaml:"hooks"`
}

// NewDefault creates and returns a Config struct with sensible default
// values. It dynamically sets the number of threads to the number of CPUs.
func NewDefault() Config {
	cpus := workerpool.CPUCount()
	return Config{
		Version:         buildinfo.Version,
		LogLevel:        "info",
		SourceRoot:      ".",
		LocalDirectory:  defaultLocalDirectory,
		LocalKeepCount:  defaultLocalKeepCount,
		CredentialsFile: uploader.CredentialFileName,
		Schedule: scheduler.Config{
			DelayMinutes: defaultDelayMinutes,
		},
		Players: PlayersConfig{
			MaxAgeMinutes: defaultActivityMaxAgeMinutes,
		},
		Compression: CompressionConfig{
			Format: pathcompression.TarZst,
			Level:  pathcompression.DefaultLevel,
		},
		Performance: PerformanceConfig{
			Enumerate:     PoolConfig{Threads: cpus},
			Compress:      PoolConfig{Threads: cpus},
			BufferSizeKB:  defaultBufferSizeKB,
			DeleteWorkers: defaultDeleteWorkers,
		},
		Targets: []orchestrator.Target{
			{Location: "world", Create: true},
			{Location: "world_nether", Create: true},
			{Location: "world_the_end", Create: true},
			{Location: "plugins", Create: true, Blacklist: []string{"*.jar", "dynmap/web/tiles"}},
		},
		Uploaders: uploader.Config{
			S3:      uploader.S3Config{UseSSL: true, RemoteDirectory: "backups"},
			SFTP:    uploader.SFTPConfig{RemoteDirectory: "backups"},
			Dropbox: uploader.DropboxConfig{RemoteDirectory: "/backups"},
		},
	}
}

// Load reads the configuration at path. A missing file is not an error: the
// defaults are returned instead. ${VAR} references are expanded from the
// environment before parsing; a reference to an unset variable is an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = ConfigFileName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDefault(), nil // Config file doesn't exist, which is a normal case.
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", path, err)
	}

	plog.Info("Loading configuration", "path", path)
	expanded, err := expandEnv(data)
	if err != nil {
		return Config{}, fmt.Errorf("error expanding config file %s: %w", path, err)
	}

	// Start with default values, then overwrite with the file's content.
	// Lists given in the file replace the default lists entirely.
	config := NewDefault()
	decoder := yaml.NewDecoder(bytes.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		if errors.Is(err, io.EOF) {
			return NewDefault(), nil
		}
		return Config{}, fmt.Errorf("error parsing config file %s: %w", path, err)
	}

	// NOTE: if config.Version differs from the running version a migration step goes here.
	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

func expandEnv(data []byte) ([]byte, error) {
	var missing []string
	out := envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(envRef.FindSubmatch(ref)[1])
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return []byte(value)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("environment variables not set: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Generate writes cfg to path. The file may contain secrets and is only
// readable by the current user.
func Generate(path string, cfg Config) error {
	if path == "" {
		path = ConfigFileName
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s configuration, generated %s\n", buildinfo.Name, time.Now().Format(time.RFC3339))
	fmt.Fprintf(&buf, "# Secrets may reference environment variables, written as a dollar sign and the name in braces.\n")
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), util.UserOnlyFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// Validate resolves paths, clamps out-of-range values with a warning and
// returns an error for settings that cannot be repaired.
func (c *Config) Validate() error {
	var err error

	// --- Strict Path Validation (Fail-Fast) ---
	if c.SourceRoot == "" {
		return fmt.Errorf("sourceRoot cannot be empty")
	}
	if c.LocalDirectory == "" {
		return fmt.Errorf("localDirectory cannot be empty")
	}
	if c.SourceRoot, err = absPath(c.SourceRoot, ""); err != nil {
		return fmt.Errorf("could not expand sourceRoot: %w", err)
	}
	if c.LocalDirectory, err = absPath(c.LocalDirectory, c.SourceRoot); err != nil {
		return fmt.Errorf("could not expand localDirectory: %w", err)
	}
	if c.CredentialsFile != "" {
		if c.CredentialsFile, err = absPath(c.CredentialsFile, c.SourceRoot); err != nil {
			return fmt.Errorf("could not expand credentialsFile: %w", err)
		}
	}
	if c.TraceFile != "" {
		if c.TraceFile, err = absPath(c.TraceFile, c.SourceRoot); err != nil {
			return fmt.Errorf("could not expand traceFile: %w", err)
		}
	}

	archiveDirs := make(map[string]int, len(c.Targets))
	for i, t := range c.Targets {
		if filepath.IsAbs(t.Location) || strings.HasPrefix(t.Location, "/") || filepath.VolumeName(t.Location) != "" {
			return fmt.Errorf("backupList[%d]: location %q must be relative to sourceRoot", i, t.Location)
		}
		// "root" names the archive directory of the base folder.
		dir := util.LocationDir(t.Location)
		if dir == util.RootLocationName && filepath.Base(filepath.Clean(t.Location)) == util.RootLocationName {
			return fmt.Errorf("backupList[%d]: location %q is reserved for the base folder, use '.' instead", i, t.Location)
		}
		if j, ok := archiveDirs[dir]; ok {
			return fmt.Errorf("backupList[%d]: location %q shares the archive directory %q with backupList[%d]", i, t.Location, dir, j)
		}
		archiveDirs[dir] = i
		if err := blacklist.Validate(t.Blacklist); err != nil {
			return fmt.Errorf("backupList[%d]: %w", i, err)
		}
	}

	for i, src := range c.External.SFTP {
		for j, entry := range src.BackupList {
			if err := blacklist.Validate(entry.Blacklist); err != nil {
				return fmt.Errorf("external.sftp[%d].backupList[%d]: %w", i, j, err)
			}
		}
	}
	for i, db := range c.External.Databases {
		switch db.Type {
		case ingest.KindMySQL, ingest.KindPostgres:
		default:
			return fmt.Errorf("external.databases[%d]: unknown database type %q. Must be 'mysql' or 'postgres'", i, db.Type)
		}
	}

	if c.Players.Required && c.Players.ActivityFile == "" {
		return fmt.Errorf("players.required needs players.activityFile")
	}
	if c.Players.ActivityFile != "" {
		if c.Players.ActivityFile, err = absPath(c.Players.ActivityFile, c.SourceRoot); err != nil {
			return fmt.Errorf("could not expand players.activityFile: %w", err)
		}
	}
	if c.Players.MaxAgeMinutes <= 0 {
		plog.Warn("players.maxAgeMinutes must be positive, using default", "value", c.Players.MaxAgeMinutes, "default", defaultActivityMaxAgeMinutes)
		c.Players.MaxAgeMinutes = defaultActivityMaxAgeMinutes
	}

	// --- Clamped values ---
	if c.LocalKeepCount < pathretention.Disabled {
		plog.Warn("localKeepCount below -1, disabling pruning", "value", c.LocalKeepCount)
		c.LocalKeepCount = pathretention.Disabled
	}

	if c.Schedule.DelayMinutes != scheduler.Disabled && c.Schedule.DelayMinutes < scheduler.MinDelayMinutes {
		plog.Warn("schedule.delayMinutes too small, clamping", "value", c.Schedule.DelayMinutes, "min", scheduler.MinDelayMinutes)
		c.Schedule.DelayMinutes = scheduler.MinDelayMinutes
	}
	if _, err := scheduler.New(c.Schedule); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	if c.Compression.Format == "" {
		c.Compression.Format = pathcompression.TarZst
	}
	if clamped := c.Compression.Level.Clamp(); clamped != c.Compression.Level {
		plog.Warn("compression.level out of range, clamping", "value", c.Compression.Level, "clamped", clamped)
		c.Compression.Level = clamped
	}

	cpus := workerpool.CPUCount()
	clampPool("performance.enumerate", &c.Performance.Enumerate, cpus)
	clampPool("performance.compress", &c.Performance.Compress, cpus)

	if c.Performance.BufferSizeKB <= 0 {
		plog.Warn("performance.bufferSizeKB must be positive, using default", "value", c.Performance.BufferSizeKB, "default", defaultBufferSizeKB)
		c.Performance.BufferSizeKB = defaultBufferSizeKB
	}
	if c.Performance.DeleteWorkers <= 0 {
		plog.Warn("performance.deleteWorkers must be positive, using default", "value", c.Performance.DeleteWorkers, "default", defaultDeleteWorkers)
		c.Performance.DeleteWorkers = defaultDeleteWorkers
	}
	return nil
}

func clampPool(field string, p *PoolConfig, cpus int) {
	if p.Threads < 0 {
		plog.Warn("Pool threads cannot be negative, using one per CPU", "pool", field, "value", p.Threads)
		p.Threads = 0
	}
	if p.Threads > cpus {
		plog.Warn("Pool threads exceed CPU count, clamping", "pool", field, "value", p.Threads, "cpus", cpus)
		p.Threads = cpus
	}
	if p.Priority < minPriority || p.Priority > maxPriority {
		clamped := min(max(p.Priority, minPriority), maxPriority)
		plog.Warn("Pool priority out of range, clamping", "pool", field, "value", p.Priority, "clamped", clamped)
		p.Priority = clamped
	}
}

// absPath expands p and resolves it against base when relative. An empty
// base resolves against the working directory.
func absPath(p, base string) (string, error) {
	expanded, err := util.ExpandPath(p)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) && base != "" {
		expanded = filepath.Join(base, expanded)
	}
	return filepath.Abs(expanded)
}

// LogSummary logs a one-line digest of the effective configuration.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"source_root", c.SourceRoot,
		"local_dir", c.LocalDirectory,
		"local_keep_count", c.LocalKeepCount,
		"compression", fmt.Sprintf("%s (l:%d)", c.Compression.Format, c.Compression.Level),
		"enumerate_threads", c.Performance.Enumerate.Threads,
		"compress_threads", c.Performance.Compress.Threads,
		"buffer_size_kb", c.Performance.BufferSizeKB,
		"targets", len(c.Targets),
	}

	if len(c.Schedule.Cron) > 0 {
		logArgs = append(logArgs, "schedule", "cron: "+strings.Join(c.Schedule.Cron, "; "))
	} else if c.Schedule.DelayMinutes == scheduler.Disabled {
		logArgs = append(logArgs, "schedule", "disabled")
	} else {
		logArgs = append(logArgs, "schedule", fmt.Sprintf("every %d minutes", c.Schedule.DelayMinutes))
	}

	if n := len(c.External.SFTP) + len(c.External.Databases); n > 0 {
		logArgs = append(logArgs, "external_sources", n)
	}
	if enabled := c.Uploaders.Enabled(); len(enabled) > 0 {
		logArgs = append(logArgs, "uploaders", strings.Join(enabled, ","))
	}
	if c.Players.Required {
		logArgs = append(logArgs, "players_gate", fmt.Sprintf("%s (%dm)", c.Players.ActivityFile, c.Players.MaxAgeMinutes))
	}
	if len(c.Hooks.PermissionCommands) > 0 {
		logArgs = append(logArgs, "permission_commands", strings.Join(c.Hooks.PermissionCommands, ", "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// Orchestrator returns the orchestrator settings of c.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		LocalDirectory: c.LocalDirectory,
		Targets:        c.Targets,
		LocalKeepCount: c.LocalKeepCount,
		Hooks:          c.Hooks,
	}
}

// Compressor returns the archive engine settings of c.
func (c *Config) Compressor() pathcompression.Options {
	return pathcompression.Options{
		SourceRoot:     c.SourceRoot,
		LocalDirectory: c.LocalDirectory,
		Format:         c.Compression.Format,
		Level:          c.Compression.Level,
		BufferSizeKB:   c.Performance.BufferSizeKB,
	}
}

// Retention returns the pruning settings of c.
func (c *Config) Retention(dryRun bool) pathretention.Options {
	return pathretention.Options{
		Extension:     c.Compression.Format.Extension(),
		DeleteWorkers: c.Performance.DeleteWorkers,
		DryRun:        dryRun,
		Metrics:       true,
	}
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "log-level":
			merged.LogLevel = value.(string)
		case "trace-file":
			merged.TraceFile = value.(string)
		case "source-root":
			merged.SourceRoot = value.(string)
		case "local-dir":
			merged.LocalDirectory = value.(string)
		case "local-keep-count":
			merged.LocalKeepCount = value.(int)
		case "compression-format":
			if format, err := pathcompression.ParseFormat(value.(string)); err == nil {
				merged.Compression.Format = format
			} else {
				plog.Warn("Ignoring flag", "flag", name, "error", err)
			}
		case "compression-level":
			merged.Compression.Level = pathcompression.Level(value.(int))
		case "enumerate-threads":
			merged.Performance.Enumerate.Threads = value.(int)
		case "compress-threads":
			merged.Performance.Compress.Threads = value.(int)
		case "buffer-size-kb":
			merged.Performance.BufferSizeKB = value.(int)
		case "delete-workers":
			merged.Performance.DeleteWorkers = value.(int)
		case "delay-minutes":
			if command == flagparse.Daemon {
				merged.Schedule.DelayMinutes = value.(int)
			}
		case "cron":
			if command == flagparse.Daemon {
				merged.Schedule.Cron = value.([]string)
			}
		case "suspend-autosave-hooks":
			merged.Hooks.SuspendAutoSave = value.([]string)
		case "resume-autosave-hooks":
			merged.Hooks.ResumeAutoSave = value.([]string)
		case "on-done-hooks":
			merged.Hooks.OnDone = value.([]string)
		case "on-error-hooks":
			merged.Hooks.OnError = value.([]string)
		case "config", "quiet", "dry-run", "size", "backend", "provider", "force", "default":
			// Handled by the command itself.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
