// Package knnmt prepares the data used to train the adaptive kNN-MT combiner of a code translation
// model: it loads the translator and the kNN datastore of a language pair, extracts per token
// examples from parallel functions, and serves them through batched loaders.
package knnmt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/phuslu/log"

	"github.com/knights-analytics/knnmt/dataloader"
	"github.com/knights-analytics/knnmt/datasets"
	"github.com/knights-analytics/knnmt/datastore"
	"github.com/knights-analytics/knnmt/langpair"
	"github.com/knights-analytics/knnmt/options"
	"github.com/knights-analytics/knnmt/parallel"
	"github.com/knights-analytics/knnmt/translator"
)

// LoaderWorkers is the number of workers of every loader.
const LoaderWorkers = 4

// ErrNotSetup is returned by the accessors of a DataModule before Setup succeeded.
var ErrNotSetup = errors.New("data module is not set up, call Setup first")

// Stages accepted by Setup. Every stage builds the three datasets.
const (
	StageFit      = "fit"
	StageValidate = "validate"
	StageTest     = "test"
	StagePredict  = "predict"
)

// Translator is the part of *translator.Translator used by the data module.
type Translator interface {
	datasets.FeatureExtractor
	Destroy() error
}

// DataModule builds the train, validation and test datasets of one language pair and hands out
// their loaders.
type DataModule struct {
	Config         Config
	Pair           langpair.Pair
	CheckpointPath string
	options        *options.Options

	mu         sync.Mutex
	ready      bool
	store      datasets.Searcher
	translator Translator
	functions  *parallel.Functions
	datasets   map[parallel.Phase]*datasets.Dataset

	newDatastore  func(dir string) datasets.Searcher
	newTranslator func(ctx context.Context, checkpointPath, bpePath string, opts *options.Options) (Translator, error)
	loadFunctions func(ctx context.Context, datasetDir string, pair langpair.Pair) (*parallel.Functions, error)
}

// NewDataModule validates config and options. Nothing is loaded until Setup.
func NewDataModule(config Config, opts ...options.WithOption) (*DataModule, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid data module config: %w", err)
	}
	parsedOptions, err := options.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if parsedOptions.Verbose {
		log.DefaultLogger.SetLevel(log.DebugLevel)
	}
	return &DataModule{
		Config:   config,
		options:  parsedOptions,
		datasets: map[parallel.Phase]*datasets.Dataset{},
		newDatastore: func(dir string) datasets.Searcher {
			return datastore.New(dir)
		},
		newTranslator: func(ctx context.Context, checkpointPath, bpePath string, opts *options.Options) (Translator, error) {
			tr, trErr := translator.New(ctx, checkpointPath, bpePath, opts)
			if trErr != nil {
				return nil, trErr
			}
			return tr, nil
		},
		loadFunctions: parallel.Load,
	}, nil
}

// Options returns the options the module was created with.
func (d *DataModule) Options() *options.Options {
	return d.options
}

// Setup loads the datastore, the translator and the parallel functions, then builds the train,
// validation and test datasets. A second call is a no op. On failure everything built so far is
// released and Setup may be called again.
func (d *DataModule) Setup(ctx context.Context, stage string) (err error) {
	switch stage {
	case "", StageFit, StageValidate, StageTest, StagePredict:
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready {
		return nil
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, d.release())
		}
	}()

	log.Info().Str("stage", stage).Str("pair", d.Config.LanguagePair).Msg("setting up data module")

	d.store = d.newDatastore(d.Config.DatastoreDir)
	log.Debug().Str("dir", d.Config.DatastoreDir).Msg("datastore ready")

	pair, err := langpair.Parse(d.Config.LanguagePair)
	if err != nil {
		return fmt.Errorf("parsing language pair: %w", err)
	}
	d.Pair = pair
	d.CheckpointPath = langpair.CheckpointPath(d.Config.ModelDir, pair)

	tr, err := d.newTranslator(ctx, d.CheckpointPath, d.Config.BPEPath, d.options)
	if err != nil {
		return fmt.Errorf("loading translator %s: %w", d.CheckpointPath, err)
	}
	d.translator = tr
	log.Info().Str("checkpoint", d.CheckpointPath).Msg("translator ready")

	functions, err := d.loadFunctions(ctx, d.Config.DatasetDir, pair)
	if err != nil {
		return fmt.Errorf("loading parallel functions: %w", err)
	}
	d.functions = functions
	log.Info().Int("train", functions.Len(parallel.Train)).Int("val", functions.Len(parallel.Val)).
		Int("test", functions.Len(parallel.Test)).Msg("parallel functions loaded")

	for _, phase := range parallel.Phases {
		samples := d.Config.Samples
		if phase != parallel.Train {
			samples = d.Config.EvalSamples()
		}
		ds, dsErr := datasets.New(ctx, d.Config.BatchSize, functions, d.Config.CacheDir, d.store, d.translator,
			pair, phase, samples, d.options)
		if dsErr != nil {
			return fmt.Errorf("creating %s dataset: %w", phase, dsErr)
		}
		d.datasets[phase] = ds
		log.Info().Str("phase", string(phase)).Int("samples", samples).Int("examples", ds.Len()).Msg("dataset ready")
	}
	d.ready = true
	return nil
}

// release drops every collaborator. The caller holds the lock.
func (d *DataModule) release() error {
	var err error
	if d.translator != nil {
		err = d.translator.Destroy()
	}
	d.translator = nil
	d.store = nil
	d.functions = nil
	d.datasets = map[parallel.Phase]*datasets.Dataset{}
	d.ready = false
	return err
}

// Dataset returns the dataset of a phase.
func (d *DataModule) Dataset(phase parallel.Phase) (*datasets.Dataset, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return nil, ErrNotSetup
	}
	ds, ok := d.datasets[phase]
	if !ok {
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
	return ds, nil
}

// Functions returns the parallel functions loaded by Setup.
func (d *DataModule) Functions() (*parallel.Functions, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return nil, ErrNotSetup
	}
	return d.functions, nil
}

func (d *DataModule) loader(phase parallel.Phase, shuffle bool) (*dataloader.Loader, error) {
	ds, err := d.Dataset(phase)
	if err != nil {
		return nil, err
	}
	return dataloader.New(ds,
		dataloader.WithBatchSize(d.Config.BatchSize),
		dataloader.WithShuffle(shuffle),
		dataloader.WithWorkers(LoaderWorkers),
		dataloader.WithSeed(d.options.Seed),
	)
}

// TrainLoader returns a shuffling loader over the training dataset.
func (d *DataModule) TrainLoader() (*dataloader.Loader, error) {
	return d.loader(parallel.Train, true)
}

// ValLoader returns a loader over the validation dataset, in order.
func (d *DataModule) ValLoader() (*dataloader.Loader, error) {
	return d.loader(parallel.Val, false)
}

// TestLoader returns a loader over the test dataset, in order.
func (d *DataModule) TestLoader() (*dataloader.Loader, error) {
	return d.loader(parallel.Test, false)
}

// Destroy releases the translator and any backend resources held by the options.
func (d *DataModule) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	log.Info().Msg("Destroying data module")
	return errors.Join(d.release(), d.options.Destroy())
}
