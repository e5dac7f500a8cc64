package pathcompression

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

// Verify checks that the archive's directory parses and that every member
// decompresses with a matching checksum. Any failure is Corrupt. It returns
// the member list for a following containment check.
func (e *PathExtractor) Verify(ctx context.Context, absArchiveFilePath string) ([]Member, error) {
	const op = "verify"

	a, err := openArchive(op, absArchiveFilePath)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.verifyWorkers)

	for _, zf := range a.r.File {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			rc, err := zf.Open()
			if err != nil {
				return backuperr.Wrapf(backuperr.Corrupt, op, err, "open member %q", zf.Name)
			}
			defer rc.Close()

			bufPtr := e.buffers.Get()
			defer e.buffers.Put(bufPtr)

			n, err := io.CopyBuffer(io.Discard, &ctxReader{ctx: gctx, r: rc}, *bufPtr)
			e.metrics.AddBytesRead(n)
			if err != nil {
				if isContextErr(err) {
					return err
				}
				return backuperr.Wrapf(backuperr.Corrupt, op, err, "member %q", zf.Name)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// A caller cancel wins over whatever the workers reported.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plog.Debug("Archive verified", "path", absArchiveFilePath, "members", len(a.r.File))
	return members(a.r), nil
}
