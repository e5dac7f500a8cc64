package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"

	"github.com/paulschiretz/pgl-catalog/pkg/engine"
	"github.com/paulschiretz/pgl-catalog/pkg/flagparse"
)

// RunList handles the logic for the list command.
func RunList(ctx context.Context, flagMap map[string]any) error {
	e, err := openEngine(ctx, flagparse.List, flagMap)
	if err != nil {
		return err
	}
	defer e.Close()

	listing, err := e.ListBackups(ctx)
	if err != nil {
		return err
	}

	if asJSON, _ := flagMap["json"].(bool); asJSON {
		enc := json.NewEncoder(Output)
		enc.SetIndent("", "  ")
		return enc.Encode(listing)
	}
	return printListing(listing)
}

func printListing(listing engine.Listing) error {
	if listing.TotalBackups == 0 {
		_, err := fmt.Fprintln(Output, "No backups found.")
		return err
	}

	tw := tabwriter.NewWriter(Output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTYPE\tCREATED\tSIZE\tRETENTION\tSOURCE")
	for _, r := range listing.Backups {
		size := "-"
		if r.SizeMB > 0 {
			size = humanize.IBytes(mbToBytes(r.SizeMB))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, r.BackupType, humanize.Time(r.Timestamp), size, r.RetentionPolicy, r.DataSource)
	}
	fmt.Fprintf(tw, "\n%d backup(s)\n", listing.TotalBackups)
	return tw.Flush()
}
