package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"

	"github.com/paulschiretz/pgl-catalog/pkg/catalog"
	"github.com/paulschiretz/pgl-catalog/pkg/flagparse"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

// RunSchedule handles the logic for the schedule command. It lists schedules
// with -list, removes one with -remove and otherwise adds one.
func RunSchedule(ctx context.Context, flagMap map[string]any) error {
	listAll, _ := flagMap["list"].(bool)
	remove, _ := flagMap["remove"].(bool)
	if listAll && remove {
		return fmt.Errorf("-list and -remove cannot be combined")
	}

	var id, source string
	var frequency catalog.Frequency
	var backupType catalog.BackupType
	var err error
	if !listAll {
		if id, err = requireString(flagMap, "id", flagparse.Schedule); err != nil {
			return err
		}
	}
	if !listAll && !remove {
		if source, err = requireString(flagMap, "source", flagparse.Schedule); err != nil {
			return err
		}
		freq := stringFlag(flagMap, "frequency")
		if freq == "" {
			freq = string(catalog.Daily)
		}
		if frequency, err = catalog.ParseFrequency(freq); err != nil {
			return err
		}
		if backupType, err = catalog.ParseBackupType(stringFlag(flagMap, "type")); err != nil {
			return err
		}
	}

	e, err := openEngine(ctx, flagparse.Schedule, flagMap)
	if err != nil {
		return err
	}
	defer e.Close()

	switch {
	case listAll:
		schedules, err := e.ListSchedules(ctx)
		if err != nil {
			return err
		}
		if asJSON, _ := flagMap["json"].(bool); asJSON {
			enc := json.NewEncoder(Output)
			enc.SetIndent("", "  ")
			return enc.Encode(schedules)
		}
		return printSchedules(schedules)

	case remove:
		if err := e.RemoveSchedule(ctx, id); err != nil {
			return err
		}
		plog.Info("Schedule removed.", "id", id)
		return nil

	default:
		s, err := e.AddSchedule(ctx, id, source, frequency, stringFlag(flagMap, "retention"), backupType)
		if err != nil {
			return err
		}
		fmt.Fprintln(Output, s.ID)
		return nil
	}
}

func printSchedules(schedules []catalog.Schedule) error {
	if len(schedules) == 0 {
		_, err := fmt.Fprintln(Output, "No schedules found.")
		return err
	}

	tw := tabwriter.NewWriter(Output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFREQUENCY\tTYPE\tRETENTION\tLAST RUN\tSOURCE")
	for _, s := range schedules {
		lastRun := "never"
		if s.LastRun != nil {
			lastRun = humanize.Time(*s.LastRun)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Frequency, s.BackupType, s.RetentionPolicy, lastRun, s.DataSource)
	}
	return tw.Flush()
}
