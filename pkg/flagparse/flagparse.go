package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-catalog/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	Base     *string
	LogLevel *string
	Metrics  *bool

	// Backup arguments
	ID        *string
	Source    *string
	Target    *string
	Retention *string
	Type      *string
	Frequency *string
	Out       *string

	// Archive settings
	Method        *string
	Level         *string
	VerifyWorkers *int
	DeleteWorkers *int
	BufferSizeKB  *int

	// Create
	FailFast             *bool
	PreBackupHooks       *string
	PostBackupHooks      *string
	MinFreeSpaceMB       *int
	RequireMountedTarget *bool
	SweepAfterCreate     *bool

	// Serve
	ScheduleIntervalSeconds *int
	SweepIntervalSeconds    *int

	// Modifiers
	DryRun  *bool
	JSON    *bool
	Remove  *bool
	ListAll *bool
	Force   *bool
	Default *bool
}

// subcommand ties a Command to its help text and flag registration.
type subcommand struct {
	desc     string
	register func(fs *flag.FlagSet, f *cliFlags)
}

var subcommands = map[Command]subcommand{
	Init:     {"Initialize a base directory: write the config file and create the catalog.", registerInitFlags},
	Create:   {"Archive a source directory into a new backup.", registerCreateFlags},
	List:     {"List all backups, newest first.", registerListFlags},
	Restore:  {"Restore a completed backup into a target directory.", registerRestoreFlags},
	Delete:   {"Delete a backup's archive and catalog record.", registerDeleteFlags},
	Sweep:    {"Delete completed backups whose retention policy has expired.", registerSweepFlags},
	Schedule: {"Add, list or remove recurring backups.", registerScheduleFlags},
	Serve:    {"Run due schedules and retention sweeps until interrupted.", registerServeFlags},
	Export:   {"Write the catalog as gzip-compressed JSON Lines.", registerExportFlags},
	Reindex:  {"Import archives that have a sidecar but no catalog record.", registerReindexFlags},
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Base = fs.String("base", "", "Base directory holding the config, catalog and archives. (Required)")
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Metrics = fs.Bool("metrics", false, "Enable detailed performance and file-counting metrics.")
}

func registerArchiveFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Method = fs.String("method", "", "Compression method for archive members: 'deflate', 'zstd' or 'store'.")
	f.Level = fs.String("level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	registerArchiveFlags(fs, f)
	f.Force = fs.Bool("force", false, "Overwrite an existing config file.")
	f.Default = fs.Bool("default", false, "Write the defaults, ignoring an existing config file.")
	f.Retention = fs.String("retention", "", "Default retention policy for new backups, e.g. '30_days' or 'N/A'.")
	f.VerifyWorkers = fs.Int("verify-workers", 0, "Number of archive members verified in parallel.")
	f.DeleteWorkers = fs.Int("delete-workers", 0, "Number of worker goroutines for deleting expired backups.")
	f.PreBackupHooks = fs.String("pre-backup-hooks", "", "Comma-separated list of commands to run before each backup.")
	f.PostBackupHooks = fs.String("post-backup-hooks", "", "Comma-separated list of commands to run after each backup.")
	f.FailFast = fs.Bool("fail-fast", false, "Abort the backup when a hook command fails.")
	f.MinFreeSpaceMB = fs.Int("min-free-space-mb", 0, "Refuse to create a backup with less free space in the archive root.")
	f.RequireMountedTarget = fs.Bool("require-mounted-target", false, "Refuse an archive root on the system disk.")
	f.SweepAfterCreate = fs.Bool("sweep-after-create", false, "Run a retention sweep after every successful backup.")
	f.ScheduleIntervalSeconds = fs.Int("schedule-interval-seconds", 0, "How often serve checks for due schedules.")
	f.SweepIntervalSeconds = fs.Int("sweep-interval-seconds", 0, "How often serve runs a retention sweep (0 disables).")
}

func registerCreateFlags(fs *flag.FlagSet, f *cliFlags) {
	registerArchiveFlags(fs, f)
	f.Source = fs.String("source", "", "Source directory to back up. (Required)")
	f.Retention = fs.String("retention", "", "Retention policy, e.g. '30_days', '12_hours' or 'N/A'. Defaults to the configured policy.")
	f.Type = fs.String("type", "full", "Backup type: 'full' or 'incremental'.")
	f.PreBackupHooks = fs.String("pre-backup-hooks", "", "Comma-separated list of commands to run before the backup.")
	f.PostBackupHooks = fs.String("post-backup-hooks", "", "Comma-separated list of commands to run after the backup.")
	f.FailFast = fs.Bool("fail-fast", false, "Abort the backup when a hook command fails.")
	f.MinFreeSpaceMB = fs.Int("min-free-space-mb", 0, "Refuse to start with less free space in the archive root.")
	f.SweepAfterCreate = fs.Bool("sweep-after-create", false, "Run a retention sweep after the backup completes.")
	f.DeleteWorkers = fs.Int("delete-workers", 0, "Number of worker goroutines for deleting expired backups.")
}

func registerListFlags(fs *flag.FlagSet, f *cliFlags) {
	f.JSON = fs.Bool("json", false, "Print the listing as JSON.")
}

func registerRestoreFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ID = fs.String("id", "", "ID of the backup to restore. (Required)")
	f.Target = fs.String("target", "", "Directory to restore into. (Required)")
	f.VerifyWorkers = fs.Int("verify-workers", 0, "Number of archive members verified in parallel.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes.")
}

func registerDeleteFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ID = fs.String("id", "", "ID of the backup to delete. (Required)")
}

func registerSweepFlags(fs *flag.FlagSet, f *cliFlags) {
	f.DryRun = fs.Bool("dry-run", false, "Show what would be deleted without deleting anything.")
	f.DeleteWorkers = fs.Int("delete-workers", 0, "Number of worker goroutines for deleting expired backups.")
}

func registerScheduleFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ID = fs.String("id", "", "Schedule ID.")
	f.Source = fs.String("source", "", "Source directory to back up.")
	f.Frequency = fs.String("frequency", "daily", "Schedule frequency: 'daily', 'weekly' or 'monthly'.")
	f.Retention = fs.String("retention", "", "Retention policy of the scheduled backups. Defaults to the configured policy.")
	f.Type = fs.String("type", "full", "Backup type: 'full' or 'incremental'.")
	f.Remove = fs.Bool("remove", false, "Remove the schedule given by -id.")
	f.ListAll = fs.Bool("list", false, "List all schedules.")
	f.JSON = fs.Bool("json", false, "Print the schedule list as JSON.")
}

func registerServeFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ScheduleIntervalSeconds = fs.Int("schedule-interval-seconds", 0, "How often to check for due schedules.")
	f.SweepIntervalSeconds = fs.Int("sweep-interval-seconds", 0, "How often to run a retention sweep (0 disables).")
	f.DeleteWorkers = fs.Int("delete-workers", 0, "Number of worker goroutines for deleting expired backups.")
}

func registerExportFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Out = fs.String("out", "", "Output file, e.g. catalog.jsonl.gz. '-' writes to stdout. (Required)")
}

func registerReindexFlags(fs *flag.FlagSet, f *cliFlags) {
	f.VerifyWorkers = fs.Int("verify-workers", 0, "Number of archive members verified in parallel.")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the
// command and a map holding only the flags the user set. A nil map with a None
// command means help was printed.
func Parse(args []string) (Command, map[string]interface{}, error) {
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

	sub, ok := subcommands[command]
	if !ok {
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	sub.register(fs, f)

	fs.Usage = func() {
		printSubcommandUsage(command, sub.desc, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments for %s: %v", command, fs.Args())
	}
	return command, flagsToMap(fs, f), nil
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) map[string]interface{} {
	// Only flags the user set end up in the map, so they can override the config.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "base", f.Base)
	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)

	addIfUsed(flagMap, usedFlags, "id", f.ID)
	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "target", f.Target)
	addIfUsed(flagMap, usedFlags, "retention", f.Retention)
	addIfUsed(flagMap, usedFlags, "type", f.Type)
	addIfUsed(flagMap, usedFlags, "frequency", f.Frequency)
	addIfUsed(flagMap, usedFlags, "out", f.Out)

	addIfUsed(flagMap, usedFlags, "method", f.Method)
	addIfUsed(flagMap, usedFlags, "level", f.Level)
	addIfUsed(flagMap, usedFlags, "verify-workers", f.VerifyWorkers)
	addIfUsed(flagMap, usedFlags, "delete-workers", f.DeleteWorkers)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)

	addIfUsed(flagMap, usedFlags, "fail-fast", f.FailFast)
	addIfUsed(flagMap, usedFlags, "min-free-space-mb", f.MinFreeSpaceMB)
	addIfUsed(flagMap, usedFlags, "require-mounted-target", f.RequireMountedTarget)
	addIfUsed(flagMap, usedFlags, "sweep-after-create", f.SweepAfterCreate)
	addIfUsed(flagMap, usedFlags, "schedule-interval-seconds", f.ScheduleIntervalSeconds)
	addIfUsed(flagMap, usedFlags, "sweep-interval-seconds", f.SweepIntervalSeconds)

	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)
	addIfUsed(flagMap, usedFlags, "json", f.JSON)
	addIfUsed(flagMap, usedFlags, "remove", f.Remove)
	addIfUsed(flagMap, usedFlags, "list", f.ListAll)
	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)

	addParsedIfUsed(flagMap, usedFlags, "pre-backup-hooks", f.PreBackupHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-backup-hooks", f.PostBackupHooks, ParseCmdList)

	return flagMap
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
	fmt.Fprintf(fs.Output(), "A catalog of compressed, restorable backups with retention.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  init        Initialize a base directory\n")
	fmt.Fprintf(fs.Output(), "  create      Create a backup of a source directory\n")
	fmt.Fprintf(fs.Output(), "  list        List backups\n")
	fmt.Fprintf(fs.Output(), "  restore     Restore a backup\n")
	fmt.Fprintf(fs.Output(), "  delete      Delete a backup\n")
	fmt.Fprintf(fs.Output(), "  sweep       Delete backups with an expired retention policy\n")
	fmt.Fprintf(fs.Output(), "  schedule    Manage recurring backups\n")
	fmt.Fprintf(fs.Output(), "  serve       Run schedules and sweeps in the foreground\n")
	fmt.Fprintf(fs.Output(), "  export      Export the catalog as JSON Lines\n")
	fmt.Fprintf(fs.Output(), "  reindex     Rebuild missing catalog records from archive sidecars\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "A catalog of compressed, restorable backups with retention.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// It preserves quotes and handles backslash escapes so they can be interpreted by the shell.
func ParseCmdList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

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
		case r == '\\':
			isEscaped = true
			// The shell interprets the escape, so the backslash stays.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 {
				quoteChar = r
			} else if quoteChar == r {
				quoteChar = 0
			}
			current.WriteRune(r)
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
