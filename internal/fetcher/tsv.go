// Package fetcher downloads the source dataset, unpacks it, and streams its
// tab-separated rows.
package fetcher

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

const maxTSVLine = 4 << 20

// TSVRow is one non-empty line of a tab-separated file.
type TSVRow struct {
	Line   int // 1-based line number in the input
	Fields []string
}

// TSVOptions configures StreamTSV.
type TSVOptions struct {
	Comment   byte // lines starting with this byte are skipped (0 = none)
	SkipBlank bool
}

// StreamTSV reads tab-separated lines and sends them on a channel. Fields are
// split on every tab with no quoting rules, since GeoNames fields may contain
// bare double quotes. Both channels are closed when reading stops; the
// producer exits early when ctx is cancelled.
func StreamTSV(ctx context.Context, r io.Reader, opts TSVOptions) (<-chan TSVRow, <-chan error) {
	rowCh := make(chan TSVRow, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxTSVLine)

		line := 0
		for sc.Scan() {
			line++
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "tsv: context cancelled")
				return
			}

			text := strings.TrimSuffix(sc.Text(), "\r")
			if opts.SkipBlank && text == "" {
				continue
			}
			if opts.Comment != 0 && len(text) > 0 && text[0] == opts.Comment {
				continue
			}

			select {
			case rowCh <- TSVRow{Line: line, Fields: strings.Split(text, "\t")}:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "tsv: context cancelled")
				return
			}
		}
		if err := sc.Err(); err != nil {
			errCh <- eris.Wrapf(err, "tsv: read line %d", line+1)
		}
	}()

	return rowCh, errCh
}
