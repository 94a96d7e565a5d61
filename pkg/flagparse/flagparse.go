package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-serverbackup/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	Config    *string
	LogLevel  *string
	Quiet     *bool
	TraceFile *string

	// Shared: Backup / Daemon / Init
	SourceRoot        *string
	LocalDir          *string
	CompressionFormat *string
	CompressionLevel  *int
	EnumerateThreads  *int
	CompressThreads   *int
	BufferSizeKB      *int
	SuspendHooks      *string
	ResumeHooks       *string
	OnDoneHooks       *string
	OnErrorHooks      *string

	// Shared: Backup / Daemon / Prune
	LocalKeepCount *int

	// Daemon specific
	DelayMinutes *int
	Cron         *string

	// Prune specific
	DeleteWorkers *int
	DryRun        *bool

	// Test specific
	TestSize *int

	// Init specific
	Force   *bool
	Default *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Config = fs.String("config", "", "Path of the configuration file. Default: ./"+configFileName+".")
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Quiet = fs.Bool("quiet", false, "Only log warnings and errors.")
	f.TraceFile = fs.String("trace-file", "", "Write stack traces of unexpected failures to this file.")
}

func registerRunFlags(fs *flag.FlagSet, f *cliFlags) {
	f.SourceRoot = fs.String("source-root", "", "Server root directory; backup locations are relative to it.")
	f.LocalDir = fs.String("local-dir", "", "Directory local archives are written to. Relative paths are resolved against the source root.")
	f.CompressionFormat = fs.String("compression-format", "", "Archive format: 'tar.zst' or 'tar.gz'.")
	f.CompressionLevel = fs.Int("compression-level", 0, "Compression level from 0 (fastest) to 9 (smallest).")
	f.EnumerateThreads = fs.Int("enumerate-threads", 0, "Number of file enumeration threads (0 = one per CPU).")
	f.CompressThreads = fs.Int("compress-threads", 0, "Number of compression threads (0 = one per CPU).")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes used while compressing.")
	f.LocalKeepCount = fs.Int("local-keep-count", 0, "Number of local archives kept per location (-1 keeps all).")
	f.SuspendHooks = fs.String("suspend-autosave-hooks", "", "Comma-separated list of commands that pause host auto-save before compressing.")
	f.ResumeHooks = fs.String("resume-autosave-hooks", "", "Comma-separated list of commands that resume host auto-save after compressing.")
	f.OnDoneHooks = fs.String("on-done-hooks", "", "Comma-separated list of commands to run after a successful backup.")
	f.OnErrorHooks = fs.String("on-error-hooks", "", "Comma-separated list of commands to run after a failed backup.")
}

func registerDaemonFlags(fs *flag.FlagSet, f *cliFlags) {
	registerRunFlags(fs, f)
	f.DelayMinutes = fs.Int("delay-minutes", 0, "Minutes between scheduled backups (at least 5, -1 disables).")
	f.Cron = fs.String("cron", "", "Comma-separated list of 5-field cron schedules. Overrides -delay-minutes.")
}

func registerPruneFlags(fs *flag.FlagSet, f *cliFlags) {
	f.SourceRoot = fs.String("source-root", "", "Server root directory.")
	f.LocalDir = fs.String("local-dir", "", "Directory holding the local archives.")
	f.LocalKeepCount = fs.Int("local-keep-count", 0, "Number of local archives kept per location (-1 keeps all).")
	f.DeleteWorkers = fs.Int("delete-workers", 0, "Number of worker goroutines for deleting outdated archives.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be deleted without deleting anything.")
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
}

func registerTestFlags(fs *flag.FlagSet, f *cliFlags) {
	f.TestSize = fs.Int("size", 1000, "Size of the random test file in bytes.")
}

func registerLinkFlags(fs *flag.FlagSet, f *cliFlags) {}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	f.SourceRoot = fs.String("source-root", "", "Server root directory; backup locations are relative to it.")
	f.LocalDir = fs.String("local-dir", "", "Directory local archives are written to.")
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Default = fs.Bool("default", false, "Overwrite an existing configuration with defaults.")
}

// configFileName mirrors config.ConfigFileName; config imports this package.
const configFileName = "pgl-serverbackup.yaml"

type subcommand struct {
	desc     string
	register func(fs *flag.FlagSet, f *cliFlags)
	args     string
}

var subcommands = map[Command]subcommand{
	Backup: {desc: "Run one backup now.", register: registerRunFlags},
	Daemon: {desc: "Run scheduled backups until interrupted.", register: registerDaemonFlags},
	Prune:  {desc: "Apply local retention to every configured location.", register: registerPruneFlags},
	Test:   {desc: "Upload and delete a random file to check an uploader.", register: registerTestFlags, args: "<s3|sftp|dropbox|local>"},
	Link:   {desc: "Authorize access for a backend that needs a stored credential.", register: registerLinkFlags, args: "<dropbox>"},
	Init:   {desc: "Write a default configuration file.", register: registerInitFlags},
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and
// the flags the user set explicitly.
func Parse(args []string) (Command, map[string]interface{}, error) {
	// Handle top-level help
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return command, nil, nil
	}

	sub := subcommands[command]
	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	sub.register(fs, f)

	// Custom usage for the subcommand
	fs.Usage = func() {
		printSubcommandUsage(command, sub.desc, sub.args, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}

	flagMap, err := flagsToMap(fs, f)
	if err != nil {
		return command, nil, err
	}

	if command == Test {
		if fs.NArg() != 1 {
			return command, nil, fmt.Errorf("test requires exactly one uploader id, e.g. '%s test s3'", buildinfo.ExecName)
		}
		flagMap["backend"] = strings.ToLower(fs.Arg(0))
	} else if command == Link {
		if fs.NArg() != 1 {
			return command, nil, fmt.Errorf("link requires exactly one auth provider, e.g. '%s link dropbox'", buildinfo.ExecName)
		}
		flagMap["provider"] = strings.ToLower(fs.Arg(0))
	} else if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return command, flagMap, nil
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "config", f.Config)
	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)
	addIfUsed(flagMap, usedFlags, "trace-file", f.TraceFile)

	addIfUsed(flagMap, usedFlags, "source-root", f.SourceRoot)
	addIfUsed(flagMap, usedFlags, "local-dir", f.LocalDir)
	addIfUsed(flagMap, usedFlags, "compression-format", f.CompressionFormat)
	addIfUsed(flagMap, usedFlags, "compression-level", f.CompressionLevel)
	addIfUsed(flagMap, usedFlags, "enumerate-threads", f.EnumerateThreads)
	addIfUsed(flagMap, usedFlags, "compress-threads", f.CompressThreads)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "local-keep-count", f.LocalKeepCount)

	addIfUsed(flagMap, usedFlags, "delay-minutes", f.DelayMinutes)
	addIfUsed(flagMap, usedFlags, "delete-workers", f.DeleteWorkers)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)
	addIfUsed(flagMap, usedFlags, "size", f.TestSize)

	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "cron", f.Cron, ParseExcludeList)
	addParsedIfUsed(flagMap, usedFlags, "suspend-autosave-hooks", f.SuspendHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "resume-autosave-hooks", f.ResumeHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "on-done-hooks", f.OnDoneHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "on-error-hooks", f.OnErrorHooks, ParseCmdList)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Compressed server backups shipped to remote storage.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  backup      Run one backup now\n")
	fmt.Fprintf(fs.Output(), "  daemon      Run scheduled backups until interrupted\n")
	fmt.Fprintf(fs.Output(), "  prune       Apply local retention to every location\n")
	fmt.Fprintf(fs.Output(), "  test        Check an uploader with a random test file\n")
	fmt.Fprintf(fs.Output(), "  link        Authorize a backend such as dropbox\n")
	fmt.Fprintf(fs.Output(), "  init        Write a default configuration file\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc, args string, fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Compressed server backups shipped to remote storage.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags] %s\n\n", command, execName, command, args)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// ParseExcludeList parses a comma-separated list of file or directory patterns.
// It removes quotes, as they are only used for grouping items with spaces.
// It treats backslashes as literal characters for Windows path compatibility.
func ParseExcludeList(s string) []string {
	return parseListInternal(s, false, false)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// For commands, we also keep the backslash for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r) // Treat it as a literal character.
			}
		case r == ',' && quoteChar == 0: // Comma outside of any quotes.
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem() // Add the final item after the loop finishes.
	return list
}
