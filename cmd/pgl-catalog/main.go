package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-catalog/cmd"
	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/buildinfo"
	"github.com/paulschiretz/pgl-catalog/pkg/flagparse"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context, args []string) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		return err
	}

	// Help was printed.
	if command == flagparse.None {
		return nil
	}

	if command == flagparse.Version {
		return cmd.RunVersion(buildinfo.Name, buildinfo.Version)
	}

	plog.Debug("Starting "+buildinfo.Name, "version", buildinfo.Version, "command", command, "pid", os.Getpid())

	switch command {
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case flagparse.Create:
		return cmd.RunCreate(ctx, flagMap)
	case flagparse.List:
		return cmd.RunList(ctx, flagMap)
	case flagparse.Restore:
		return cmd.RunRestore(ctx, flagMap)
	case flagparse.Delete:
		return cmd.RunDelete(ctx, flagMap)
	case flagparse.Sweep:
		return cmd.RunSweep(ctx, flagMap)
	case flagparse.Schedule:
		return cmd.RunSchedule(ctx, flagMap)
	case flagparse.Serve:
		return cmd.RunServe(ctx, flagMap)
	case flagparse.Export:
		return cmd.RunExport(ctx, flagMap)
	case flagparse.Reindex:
		return cmd.RunReindex(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

func main() {
	// Cancel the context on Ctrl+C or SIGTERM so running work can wind down.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		if errors.Is(err, context.Canceled) {
			plog.Warn(buildinfo.Name + " was interrupted")
			stop()
			os.Exit(130)
		}
		plog.Error(buildinfo.Name+" exited with error", "kind", backuperr.KindOf(err), "error", err)
		stop()
		os.Exit(1)
	}
}
