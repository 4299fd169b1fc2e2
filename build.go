package knnmt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"github.com/knights-analytics/knnmt/datasets"
	"github.com/knights-analytics/knnmt/datastore"
	"github.com/knights-analytics/knnmt/parallel"
	"github.com/knights-analytics/knnmt/translator"
)

// addBatchFunctions is the number of functions whose features are added to the store at once.
const addBatchFunctions = 64

// BuildDatastore fills the datastore of functions.Pair with one entry per target token of the
// functions of phase: the teacher forced decoder state as key, the token as value. A limit of zero or
// less uses the whole split. The store is saved once every function was added, and the number of
// entries added is returned.
func BuildDatastore(
	ctx context.Context,
	store *datastore.KNNMT,
	extractor datasets.FeatureExtractor,
	functions *parallel.Functions,
	phase parallel.Phase,
	limit int,
	workers int,
) (int, error) {
	if store == nil || extractor == nil || functions == nil {
		return 0, errors.New("datastore, translator and functions are required")
	}
	selected := functions.Split(phase)
	if limit > 0 && limit < len(selected) {
		selected = selected[:limit]
	}
	if len(selected) == 0 {
		return 0, fmt.Errorf("no %s functions for %s", phase, functions.Pair)
	}

	start := time.Now()
	added := 0
	for batchStart := 0; batchStart < len(selected); batchStart += addBatchFunctions {
		batch := selected[batchStart:min(batchStart+addBatchFunctions, len(selected))]
		features := make([]*translator.Features, len(batch))
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(max(1, workers))
		for i, function := range batch {
			g.Go(func() error {
				f, err := extractor.Features(gCtx, function.Source, function.Target)
				if err != nil {
					return fmt.Errorf("function %s: %w", function.ID, err)
				}
				features[i] = f
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return added, err
		}
		// added in split order so that rebuilding gives the same store
		for _, f := range features {
			if err := store.Add(ctx, functions.Pair, f.States, f.Targets); err != nil {
				return added, err
			}
			added += f.Len()
		}
		log.Debug().Int("functions", batchStart+len(batch)).Int("entries", added).Msg("datastore progress")
	}

	if err := store.Save(ctx, functions.Pair); err != nil {
		return added, err
	}
	log.Info().Str("pair", functions.Pair.String()).Int("functions", len(selected)).Int("entries", added).
		Dur("elapsed", time.Since(start)).Msg("datastore built")
	return added, nil
}
