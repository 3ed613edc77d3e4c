package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/citysearch/internal/place"
	"github.com/sells-group/citysearch/internal/resolve"
	"github.com/sells-group/citysearch/internal/spatial"
)

// BootstrapError reports which loader failed a bootstrap.
type BootstrapError struct {
	Stage string
	Err   error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("ingest: bootstrap failed in %s: %v", e.Stage, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// Snapshot is everything the query paths need once the load is done. It is
// immutable.
type Snapshot struct {
	RunID     string
	Dataset   *place.Dataset
	Index     *spatial.Index
	Resolver  *resolve.Resolver
	Places    int64 // rows in the relational store
	Documents int64 // documents in the text store
	LoadedAt  time.Time
}

// Coordinator runs the bulk load.
type Coordinator struct {
	Source     string // path of the GeoNames TSV
	Relational Loader
	Text       Loader
	Workers    int // concurrent loaders, at least 2
	IndexOpts  []spatial.Option
}

// Bootstrap normalizes the source, runs both loaders concurrently and, when
// both succeed, builds the spatial index and resolver. Loaders are not
// cancelled when a sibling fails, and a loaded store is not rolled back
// because the other failed; the first error is returned.
func (c *Coordinator) Bootstrap(ctx context.Context) (*Snapshot, error) {
	runID := uuid.NewString()
	log := zap.L().With(
		zap.String("component", "ingest.coordinator"),
		zap.String("run_id", runID),
	)
	start := time.Now()

	ds, err := place.Normalize(ctx, c.Source)
	if err != nil {
		log.Error("normalize failed", zap.Error(err))
		return nil, err
	}
	log.Info("source normalized",
		zap.Int("records", ds.Len()),
		zap.Int("with_altnames", ds.WithAltNames()),
	)

	var g errgroup.Group
	g.SetLimit(max(2, c.Workers))

	var places, docs int64
	g.Go(func() error {
		n, err := c.Relational.Load(ctx, ds)
		if err != nil {
			return &BootstrapError{Stage: StoreRelational, Err: err}
		}
		places = n
		return nil
	})
	g.Go(func() error {
		n, err := c.Text.Load(ctx, ds)
		if err != nil {
			return &BootstrapError{Stage: StoreText, Err: err}
		}
		docs = n
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error("bootstrap failed", zap.Error(err))
		return nil, err
	}

	snap := &Snapshot{
		RunID:     runID,
		Dataset:   ds,
		Index:     spatial.FromDataset(ds, c.IndexOpts...),
		Resolver:  resolve.New(ds),
		Places:    places,
		Documents: docs,
		LoadedAt:  time.Now().UTC(),
	}
	log.Info("bootstrap complete",
		zap.Int64("places", places),
		zap.Int64("documents", docs),
		zap.Duration("elapsed", time.Since(start)),
	)
	return snap, nil
}
