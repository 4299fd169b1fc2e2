// Package datasets turns parallel functions into per token kNN-MT training examples: for every target
// token the translator's decoder state is looked up in the datastore, and the neighbor distances, the
// neighbor value counts and the model probability of the reference token form the example.
package datasets

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"slices"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"github.com/knights-analytics/knnmt/datastore"
	"github.com/knights-analytics/knnmt/langpair"
	"github.com/knights-analytics/knnmt/options"
	"github.com/knights-analytics/knnmt/parallel"
	"github.com/knights-analytics/knnmt/translator"
	"github.com/knights-analytics/knnmt/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FeatureExtractor produces teacher forced decoder features. *translator.Translator implements it.
type FeatureExtractor interface {
	Features(ctx context.Context, source, target string) (*translator.Features, error)
}

// Searcher looks up decoder states in a language pair's datastore. *datastore.KNNMT implements it.
type Searcher interface {
	Search(ctx context.Context, pair langpair.Pair, queries [][]float32, k int) ([]datastore.Neighbors, error)
}

// storeFingerprinter is implemented by datastores that can identify their content, like *datastore.KNNMT.
type storeFingerprinter interface {
	Fingerprint(ctx context.Context, pair langpair.Pair) (string, error)
}

// modelFingerprinter is implemented by extractors that can identify their model, like *translator.Translator.
type modelFingerprinter interface {
	Fingerprint() string
}

// Example is the training signal for one target token.
type Example struct {
	FunctionID string `json:"function_id"`
	Position   int    `json:"position"`
	// Distances to the K nearest datastore entries, closest first.
	Distances []float32 `json:"distances"`
	// ValueCounts[i] is the number of distinct tokens among the first i+1 neighbors.
	ValueCounts      []float32 `json:"value_counts"`
	ModelProbability float32   `json:"model_probability"`
	ModelPrediction  int64     `json:"model_prediction"`
	// KNNHit is set when the reference token is among the neighbor values.
	KNNHit bool  `json:"knn_hit"`
	Target int64 `json:"target"`
}

// FeatureSize is the width of the flattened example features for k neighbors.
func FeatureSize(k int) int {
	return 2*k + 1
}

// AppendFeatures appends distances, value counts and the model probability to dst.
func (e *Example) AppendFeatures(dst []float32) []float32 {
	dst = append(dst, e.Distances...)
	dst = append(dst, e.ValueCounts...)
	return append(dst, e.ModelProbability)
}

// Dataset holds the examples of one phase of one language pair. Examples are extracted once, on
// creation, and cached below the cache dir when one is given.
type Dataset struct {
	BatchSize int
	Pair      langpair.Pair
	Phase     parallel.Phase
	Samples   int
	Neighbors int
	CachePath string
	functions *parallel.Functions
	store     Searcher
	extractor FeatureExtractor
	workers   int
	examples  []Example
	numFuncs  int
}

// New builds the dataset for phase from at most samples function pairs of the phase's split.
func New(
	ctx context.Context,
	batchSize int,
	functions *parallel.Functions,
	cacheDir string,
	store Searcher,
	extractor FeatureExtractor,
	pair langpair.Pair,
	phase parallel.Phase,
	samples int,
	opts *options.Options,
) (*Dataset, error) {
	if opts == nil {
		opts = options.Defaults()
	}
	d := &Dataset{
		BatchSize: batchSize,
		Pair:      pair,
		Phase:     phase,
		Samples:   samples,
		Neighbors: opts.Neighbors,
		functions: functions,
		store:     store,
		extractor: extractor,
		workers:   opts.Workers,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if cacheDir != "" {
		fingerprint, err := d.fingerprint(ctx)
		if err != nil {
			return nil, err
		}
		d.CachePath = CachePath(cacheDir, pair, phase, samples, d.Neighbors, fingerprint)
	}
	if err := d.build(ctx); err != nil {
		return nil, fmt.Errorf("building %s dataset for %s: %w", phase, pair, err)
	}
	return d, nil
}

// NewInMemory wraps already computed examples.
func NewInMemory(batchSize int, pair langpair.Pair, phase parallel.Phase, neighbors int, examples []Example) (*Dataset, error) {
	d := &Dataset{
		BatchSize: batchSize,
		Pair:      pair,
		Phase:     phase,
		Neighbors: neighbors,
		examples:  examples,
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be greater than 0, got %d", batchSize)
	}
	if neighbors <= 0 {
		return nil, fmt.Errorf("neighbors must be greater than 0, got %d", neighbors)
	}
	for i := range examples {
		if err := checkExample(&examples[i], neighbors); err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
	}
	return d, nil
}

// CachePath is where the examples of a phase are cached:
// {cacheDir}/{pair}/{phase}_{samples}_k{K}_{fingerprint}.jsonl, without the last part when fingerprint
// is empty.
func CachePath(cacheDir string, pair langpair.Pair, phase parallel.Phase, samples, neighbors int, fingerprint string) string {
	name := fmt.Sprintf("%s_%d_k%d", phase, samples, neighbors)
	if fingerprint != "" {
		name += "_" + fingerprint
	}
	return fileutil.PathJoinSafe(cacheDir, pair.String(), name+".jsonl")
}

// fingerprint combines the model and datastore fingerprints, so that a cache is never reused once
// either is rebuilt. A datastore that does not exist yet contributes nothing.
func (d *Dataset) fingerprint(ctx context.Context) (string, error) {
	var model, store string
	if m, ok := d.extractor.(modelFingerprinter); ok {
		model = m.Fingerprint()
	}
	if s, ok := d.store.(storeFingerprinter); ok {
		var err error
		store, err = s.Fingerprint(ctx, d.Pair)
		if err != nil && !errors.Is(err, datastore.ErrNotFound) {
			return "", fmt.Errorf("fingerprinting datastore for %s: %w", d.Pair, err)
		}
	}
	if model == "" && store == "" {
		return "", nil
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(model + "|" + store))
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func (d *Dataset) Validate() error {
	var errs []error
	if d.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be greater than 0, got %d", d.BatchSize))
	}
	if d.Samples < 0 {
		errs = append(errs, fmt.Errorf("samples must not be negative, got %d", d.Samples))
	}
	if d.Neighbors <= 0 {
		errs = append(errs, fmt.Errorf("neighbors must be greater than 0, got %d", d.Neighbors))
	}
	if !slices.Contains(parallel.Phases, d.Phase) {
		errs = append(errs, fmt.Errorf("unknown phase %q", d.Phase))
	}
	if d.functions == nil {
		errs = append(errs, errors.New("parallel functions are required"))
	}
	if d.store == nil {
		errs = append(errs, errors.New("datastore is required"))
	}
	if d.extractor == nil {
		errs = append(errs, errors.New("translator is required"))
	}
	return errors.Join(errs...)
}

func (d *Dataset) build(ctx context.Context) error {
	if d.CachePath != "" {
		exists, err := fileutil.FileExists(ctx, d.CachePath)
		if err != nil {
			return err
		}
		if exists {
			examples, readErr := readCache(ctx, d.CachePath, d.Neighbors)
			if readErr != nil {
				return readErr
			}
			d.examples = examples
			log.Debug().Str("phase", string(d.Phase)).Str("cache", d.CachePath).Int("examples", len(examples)).
				Msg("loaded cached dataset")
			return nil
		}
	}

	start := time.Now()
	examples, err := d.extract(ctx)
	if err != nil {
		return err
	}
	d.examples = examples
	log.Debug().Str("phase", string(d.Phase)).Int("functions", d.numFuncs).Int("examples", len(examples)).
		Dur("elapsed", time.Since(start)).Msg("extracted dataset")

	if d.CachePath != "" {
		if err := writeCache(ctx, d.CachePath, examples); err != nil {
			return err
		}
	}
	return nil
}

// extract runs the translator and the datastore lookup for every selected function, using a bounded
// pool of workers. Examples keep the split order.
func (d *Dataset) extract(ctx context.Context) ([]Example, error) {
	functions := d.functions.Split(d.Phase)
	if d.Samples < len(functions) {
		functions = functions[:d.Samples]
	}
	d.numFuncs = len(functions)
	if len(functions) == 0 {
		return []Example{}, nil
	}

	perFunction := make([][]Example, len(functions))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, d.workers))
	for i, function := range functions {
		g.Go(func() error {
			examples, err := d.extractFunction(gCtx, function)
			if err != nil {
				return fmt.Errorf("function %s: %w", function.ID, err)
			}
			perFunction[i] = examples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.Concat(perFunction...), nil
}

func (d *Dataset) extractFunction(ctx context.Context, function parallel.FunctionPair) ([]Example, error) {
	features, err := d.extractor.Features(ctx, function.Source, function.Target)
	if err != nil {
		return nil, err
	}
	if features.Len() == 0 {
		return nil, nil
	}
	neighbors, err := d.store.Search(ctx, d.Pair, features.States, d.Neighbors)
	if err != nil {
		return nil, err
	}
	if len(neighbors) != features.Len() {
		return nil, fmt.Errorf("datastore returned %d results for %d queries", len(neighbors), features.Len())
	}
	examples := make([]Example, features.Len())
	for i := range examples {
		examples[i] = newExample(function.ID, i, features, neighbors[i], d.Neighbors)
	}
	return examples, nil
}

// newExample builds the example of target position i. When the datastore holds fewer than k
// entries, the last distance and value count are repeated.
func newExample(functionID string, i int, features *translator.Features, nb datastore.Neighbors, k int) Example {
	e := Example{
		FunctionID:       functionID,
		Position:         i,
		Distances:        make([]float32, k),
		ValueCounts:      make([]float32, k),
		ModelProbability: features.Probabilities[i],
		ModelPrediction:  features.Predictions[i],
		Target:           features.Targets[i],
	}
	seen := make(map[int64]struct{}, k)
	var distance, count float32
	for j := range k {
		if j < len(nb.Values) {
			distance = nb.Distances[j]
			seen[nb.Values[j]] = struct{}{}
			count = float32(len(seen))
		}
		e.Distances[j] = distance
		e.ValueCounts[j] = count
	}
	_, e.KNNHit = seen[e.Target]
	return e
}

func checkExample(e *Example, k int) error {
	if len(e.Distances) != k || len(e.ValueCounts) != k {
		return fmt.Errorf("expected %d neighbors, got %d distances and %d value counts", k, len(e.Distances), len(e.ValueCounts))
	}
	return nil
}

func readCache(ctx context.Context, cachePath string, k int) (examples []Example, err error) {
	file, err := fileutil.OpenFile(ctx, cachePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	reader := bufio.NewReader(file)
	examples = []Example{}
	for lineN := 1; ; lineN++ {
		line, readErr := fileutil.ReadLine(reader)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, readErr
		}
		if len(line) > 0 {
			var e Example
			if unmarshalErr := json.Unmarshal(line, &e); unmarshalErr != nil {
				return nil, fmt.Errorf("failed to parse JSON line %d of %s: %w", lineN, cachePath, unmarshalErr)
			}
			if checkErr := checkExample(&e, k); checkErr != nil {
				return nil, fmt.Errorf("line %d of %s: %w", lineN, cachePath, checkErr)
			}
			examples = append(examples, e)
		}
		if errors.Is(readErr, io.EOF) {
			return examples, nil
		}
	}
}

func writeCache(ctx context.Context, cachePath string, examples []Example) error {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i := range examples {
		if err := encoder.Encode(&examples[i]); err != nil {
			return err
		}
	}
	return fileutil.WriteFileBytes(ctx, cachePath, buf.Bytes())
}

// Len is the number of examples, one per target token.
func (d *Dataset) Len() int {
	return len(d.examples)
}

// Get returns example i.
func (d *Dataset) Get(i int) (Example, error) {
	if i < 0 || i >= len(d.examples) {
		return Example{}, fmt.Errorf("index %d out of range for dataset of %d examples", i, len(d.examples))
	}
	return d.examples[i], nil
}

// Examples returns the examples in extraction order. The slice must not be modified.
func (d *Dataset) Examples() []Example {
	return d.examples
}

// NumFunctions is the number of function pairs the examples were extracted from. It is zero for
// datasets read from a cache or built in memory.
func (d *Dataset) NumFunctions() int {
	return d.numFuncs
}

// KNNHitRate is the share of examples whose reference token was retrieved by the datastore.
func (d *Dataset) KNNHitRate() float64 {
	if len(d.examples) == 0 {
		return 0
	}
	hits := 0
	for i := range d.examples {
		if d.examples[i].KNNHit {
			hits++
		}
	}
	return float64(hits) / float64(len(d.examples))
}
