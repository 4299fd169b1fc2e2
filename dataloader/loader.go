// Package dataloader batches the examples of a dataset into tensors, optionally shuffling them once
// per epoch, and fetches the examples of a batch with a pool of workers.
package dataloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/knnmt/datasets"
	"github.com/knights-analytics/knnmt/options"
)

// Source is a map style dataset. *datasets.Dataset implements it.
type Source interface {
	Len() int
	Get(i int) (datasets.Example, error)
}

// Batch is a collated batch of examples.
type Batch struct {
	// Inputs is [size, 2k+1] float32: distances, value counts and the model probability.
	Inputs *tensor.Dense
	// Targets is [size] int64.
	Targets  *tensor.Dense
	KNNHits  []bool
	Examples []datasets.Example
	Index    int
}

// Size is the number of examples in the batch.
func (b *Batch) Size() int {
	return len(b.Examples)
}

// InputValues is the row major backing data of Inputs.
func (b *Batch) InputValues() []float32 {
	values, _ := b.Inputs.Data().([]float32)
	return values
}

// TargetValues is the backing data of Targets. A batch of one may be stored as a scalar.
func (b *Batch) TargetValues() []int64 {
	switch v := b.Targets.Data().(type) {
	case []int64:
		return v
	case int64:
		return []int64{v}
	default:
		return nil
	}
}

// Loader iterates a Source in batches. It is not safe for concurrent use.
type Loader struct {
	source    Source
	batchSize int
	workers   int
	shuffle   bool
	dropLast  bool
	seed      uint64
	rng       *rand.Rand
	order     []int
	cursor    int
	batchN    int
	epoch     int
}

// Option configures a Loader.
type Option func(l *Loader) error

// WithBatchSize sets the number of examples per batch. Default 1.
func WithBatchSize(batchSize int) Option {
	return func(l *Loader) error {
		if batchSize <= 0 {
			return fmt.Errorf("batch size must be greater than 0, got %d", batchSize)
		}
		l.batchSize = batchSize
		return nil
	}
}

// WithShuffle reorders the examples at the start of every epoch.
func WithShuffle(shuffle bool) Option {
	return func(l *Loader) error {
		l.shuffle = shuffle
		return nil
	}
}

// WithWorkers sets the number of goroutines fetching examples. Default options.DefaultWorkers.
func WithWorkers(workers int) Option {
	return func(l *Loader) error {
		if workers <= 0 {
			return fmt.Errorf("workers must be greater than 0, got %d", workers)
		}
		l.workers = workers
		return nil
	}
}

// WithSeed seeds the shuffling order.
func WithSeed(seed uint64) Option {
	return func(l *Loader) error {
		l.seed = seed
		return nil
	}
}

// WithDropLast skips the final batch of an epoch when it is smaller than the batch size.
func WithDropLast(dropLast bool) Option {
	return func(l *Loader) error {
		l.dropLast = dropLast
		return nil
	}
}

// New creates a loader positioned at the start of the first epoch.
func New(source Source, opts ...Option) (*Loader, error) {
	if source == nil {
		return nil, errors.New("loader source is required")
	}
	l := &Loader{
		source:    source,
		batchSize: 1,
		workers:   options.DefaultWorkers,
		seed:      1,
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	l.rng = rand.New(rand.NewPCG(l.seed, l.seed^0x9e3779b97f4a7c15))
	l.order = make([]int, source.Len())
	l.start()
	return l, nil
}

func (l *Loader) start() {
	for i := range l.order {
		l.order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
	l.cursor = 0
	l.batchN = 0
}

// Reset starts a new epoch. Shuffling loaders draw a new order.
func (l *Loader) Reset() {
	l.epoch++
	l.start()
}

// Epoch is the number of completed resets.
func (l *Loader) Epoch() int {
	return l.epoch
}

func (l *Loader) Len() int {
	return len(l.order)
}

func (l *Loader) BatchSize() int {
	return l.batchSize
}

func (l *Loader) Shuffle() bool {
	return l.shuffle
}

func (l *Loader) Workers() int {
	return l.workers
}

// NumBatches is the number of batches in one epoch.
func (l *Loader) NumBatches() int {
	if l.dropLast {
		return len(l.order) / l.batchSize
	}
	return (len(l.order) + l.batchSize - 1) / l.batchSize
}

// Next returns the next batch of the epoch, or io.EOF once the epoch is exhausted.
func (l *Loader) Next(ctx context.Context) (*Batch, error) {
	if l.cursor >= len(l.order) {
		return nil, io.EOF
	}
	end := min(l.cursor+l.batchSize, len(l.order))
	if l.dropLast && end-l.cursor < l.batchSize {
		return nil, io.EOF
	}
	indices := l.order[l.cursor:end]

	examples := make([]datasets.Example, len(indices))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, index := range indices {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			e, err := l.source.Get(index)
			if err != nil {
				return err
			}
			examples[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch, err := Collate(examples)
	if err != nil {
		return nil, fmt.Errorf("collating batch %d: %w", l.batchN, err)
	}
	batch.Index = l.batchN
	l.cursor = end
	l.batchN++
	return batch, nil
}

// Collate stacks examples into batch tensors. All examples must have the same number of neighbors.
func Collate(examples []datasets.Example) (*Batch, error) {
	if len(examples) == 0 {
		return nil, errors.New("cannot collate an empty batch")
	}
	k := len(examples[0].Distances)
	width := datasets.FeatureSize(k)
	inputs := make([]float32, 0, len(examples)*width)
	targets := make([]int64, len(examples))
	hits := make([]bool, len(examples))
	for i := range examples {
		e := &examples[i]
		if len(e.Distances) != k || len(e.ValueCounts) != k {
			return nil, fmt.Errorf("example %d has %d distances and %d value counts, expected %d",
				i, len(e.Distances), len(e.ValueCounts), k)
		}
		inputs = e.AppendFeatures(inputs)
		targets[i] = e.Target
		hits[i] = e.KNNHit
	}
	return &Batch{
		Inputs:   tensor.New(tensor.WithShape(len(examples), width), tensor.WithBacking(inputs)),
		Targets:  tensor.New(tensor.WithShape(len(examples)), tensor.WithBacking(targets)),
		KNNHits:  hits,
		Examples: examples,
	}, nil
}
