package catalog

import (
	"context"
	"fmt"
	"io"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
)

// Export writes every record as gzip-compressed JSON Lines, in listing order,
// and returns the number of records written.
func (c *Catalog) Export(ctx context.Context, w io.Writer) (int, error) {
	const op = "catalog.export"

	records, err := c.List(ctx)
	if err != nil {
		return 0, err
	}

	gz := pgzip.NewWriter(w)
	enc := gojson.NewEncoder(gz)

	for i, r := range records {
		select {
		case <-ctx.Done():
			gz.Close()
			return i, ctx.Err()
		default:
		}
		if err := enc.EncodeContext(ctx, r); err != nil {
			gz.Close()
			return i, backuperr.Wrapf(backuperr.IOError, op, err, "encode backup %q", r.ID)
		}
	}

	if err := gz.Close(); err != nil {
		return len(records), backuperr.Wrap(backuperr.IOError, op, fmt.Errorf("gzip close failed: %w", err))
	}
	return len(records), nil
}
