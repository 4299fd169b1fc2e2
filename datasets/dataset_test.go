package datasets

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/knnmt/datastore"
	"github.com/knights-analytics/knnmt/langpair"
	"github.com/knights-analytics/knnmt/options"
	"github.com/knights-analytics/knnmt/parallel"
	"github.com/knights-analytics/knnmt/translator"
	"github.com/knights-analytics/knnmt/util/fileutil"
)

var javaCpp = langpair.Pair{Source: "java", Target: "cpp"}

// lengthExtractor uses word lengths as token ids and [id, position] as decoder states.
type lengthExtractor struct {
	calls atomic.Int64
	err   error
}

func (l *lengthExtractor) Features(_ context.Context, _ string, target string) (*translator.Features, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	f := &translator.Features{}
	words := strings.Fields(target)
	for i, w := range words {
		id := int64(len(w))
		f.Targets = append(f.Targets, id)
		f.States = append(f.States, []float32{float32(id), float32(i)})
		f.Probabilities = append(f.Probabilities, 0.5)
		f.Predictions = append(f.Predictions, id)
	}
	f.Targets = append(f.Targets, 1)
	f.States = append(f.States, []float32{1, float32(len(words))})
	f.Probabilities = append(f.Probabilities, 0.9)
	f.Predictions = append(f.Predictions, 1)
	return f, nil
}

// fixedSearcher returns the same neighbors for every query.
type fixedSearcher struct {
	neighbors datastore.Neighbors
}

func (f *fixedSearcher) Search(_ context.Context, _ langpair.Pair, queries [][]float32, _ int) ([]datastore.Neighbors, error) {
	out := make([]datastore.Neighbors, len(queries))
	for i := range out {
		out[i] = f.neighbors
	}
	return out, nil
}

// versionedSearcher reports version as its content fingerprint.
type versionedSearcher struct {
	fixedSearcher
	version string
}

func (v *versionedSearcher) Fingerprint(context.Context, langpair.Pair) (string, error) {
	return v.version, nil
}

func testFunctions() *parallel.Functions {
	return parallel.NewFunctions(javaCpp, map[parallel.Phase][]parallel.FunctionPair{
		parallel.Train: {
			{ID: "a", Source: "a", Target: "int x ;"},
			{ID: "b", Source: "b", Target: "return 0 ;"},
			{ID: "c", Source: "c", Target: "x ++"},
			{ID: "d", Source: "d", Target: "int y = 1 ;"},
		},
		parallel.Val: {
			{ID: "v", Source: "v", Target: "x"},
		},
	})
}

func testOptions(t *testing.T, k int) *options.Options {
	t.Helper()
	o, err := options.Apply(options.WithNeighbors(k), options.WithWorkers(2))
	require.NoError(t, err)
	return o
}

func TestNewExtractsExamples(t *testing.T) {
	searcher := &fixedSearcher{neighbors: datastore.Neighbors{
		Indices:   []int{4, 0, 2, 9},
		Distances: []float32{0.5, 1, 2, 4},
		Values:    []int64{3, 3, 1, 6},
	}}
	d, err := New(context.Background(), 8, testFunctions(), "", searcher, &lengthExtractor{}, javaCpp, parallel.Train, 3, testOptions(t, 4))
	require.NoError(t, err)

	// three functions with 3, 3 and 2 tokens, each closed by an end of sequence token
	assert.Equal(t, 11, d.Len())
	assert.Equal(t, 3, d.NumFunctions())

	first, err := d.Get(0)
	require.NoError(t, err)
	assert.Equal(t, "a", first.FunctionID)
	assert.Equal(t, 0, first.Position)
	assert.Equal(t, int64(3), first.Target)
	assert.Equal(t, []float32{0.5, 1, 2, 4}, first.Distances)
	assert.Equal(t, []float32{1, 1, 2, 3}, first.ValueCounts)
	assert.True(t, first.KNNHit)
	assert.InDelta(t, 0.5, first.ModelProbability, 1e-6)

	second, err := d.Get(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Target)
	assert.True(t, second.KNNHit)

	// "return" has length 6
	fourth, err := d.Get(4)
	require.NoError(t, err)
	assert.Equal(t, "b", fourth.FunctionID)
	assert.Equal(t, int64(6), fourth.Target)
	assert.True(t, fourth.KNNHit)

	last, err := d.Get(10)
	require.NoError(t, err)
	assert.Equal(t, "c", last.FunctionID)
	assert.Equal(t, 2, last.Position)

	_, err = d.Get(11)
	assert.Error(t, err)
	_, err = d.Get(-1)
	assert.Error(t, err)
}

func TestNewPadsShortNeighborLists(t *testing.T) {
	searcher := &fixedSearcher{neighbors: datastore.Neighbors{
		Indices:   []int{0, 1},
		Distances: []float32{0.25, 1.5},
		Values:    []int64{8, 9},
	}}
	d, err := New(context.Background(), 2, testFunctions(), "", searcher, &lengthExtractor{}, javaCpp, parallel.Val, 10, testOptions(t, 4))
	require.NoError(t, err)
	require.Equal(t, 2, d.Len())
	e, err := d.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 1.5, 1.5, 1.5}, e.Distances)
	assert.Equal(t, []float32{1, 2, 2, 2}, e.ValueCounts)
	assert.False(t, e.KNNHit)
	assert.Len(t, e.AppendFeatures(nil), FeatureSize(4))
}

func TestNewWithDatastore(t *testing.T) {
	ctx := context.Background()
	store := datastore.New(t.TempDir())
	// keys are [token id, position] so the closest key of each query is itself
	require.NoError(t, store.Add(ctx, javaCpp,
		[][]float32{{3, 0}, {1, 3}, {3, 1}, {1, 2}, {6, 0}},
		[]int64{3, 1, 1, 1, 6}))

	d, err := New(ctx, 4, testFunctions(), "", store, &lengthExtractor{}, javaCpp, parallel.Train, 1, testOptions(t, 2))
	require.NoError(t, err)
	require.Equal(t, 4, d.Len())

	e, err := d.Get(0)
	require.NoError(t, err)
	assert.InDelta(t, 0, e.Distances[0], 1e-5)
	assert.True(t, e.KNNHit)
	assert.InDelta(t, 1, d.KNNHitRate(), 1e-9)
}

func TestNewZeroSamples(t *testing.T) {
	extractor := &lengthExtractor{}
	d, err := New(context.Background(), 4, testFunctions(), "", &fixedSearcher{}, extractor, javaCpp, parallel.Test, 0, testOptions(t, 2))
	require.NoError(t, err)
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, int64(0), extractor.calls.Load())
	assert.Equal(t, 0.0, d.KNNHitRate())
}

func TestNewCache(t *testing.T) {
	ctx := context.Background()
	cacheDir := t.TempDir()
	searcher := &fixedSearcher{neighbors: datastore.Neighbors{
		Indices:   []int{0, 1},
		Distances: []float32{0.25, 1.5},
		Values:    []int64{3, 1},
	}}
	d, err := New(ctx, 4, testFunctions(), cacheDir, searcher, &lengthExtractor{}, javaCpp, parallel.Train, 2, testOptions(t, 2))
	require.NoError(t, err)
	assert.Equal(t, CachePath(cacheDir, javaCpp, parallel.Train, 2, 2, ""), d.CachePath)
	assert.True(t, strings.HasSuffix(d.CachePath, "java_cpp/train_2_k2.jsonl"))
	exists, err := fileutil.FileExists(ctx, d.CachePath)
	require.NoError(t, err)
	assert.True(t, exists)

	// the second build must come from the cache and never call the translator
	failing := &lengthExtractor{err: errors.New("translator must not run")}
	cached, err := New(ctx, 4, testFunctions(), cacheDir, searcher, failing, javaCpp, parallel.Train, 2, testOptions(t, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(0), failing.calls.Load())
	assert.Equal(t, d.Examples(), cached.Examples())

	// another neighbor count is another cache entry
	_, err = New(ctx, 4, testFunctions(), cacheDir, searcher, failing, javaCpp, parallel.Train, 2, testOptions(t, 3))
	assert.Error(t, err)
}

func TestNewExtractionError(t *testing.T) {
	_, err := New(context.Background(), 4, testFunctions(), "", &fixedSearcher{}, &lengthExtractor{err: errors.New("boom")},
		javaCpp, parallel.Train, 4, testOptions(t, 2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestValidate(t *testing.T) {
	_, err := New(context.Background(), 0, nil, "", nil, nil, javaCpp, parallel.Phase("dev"), -1, nil)
	require.Error(t, err)
	for _, msg := range []string{"batch size", "samples", "unknown phase", "parallel functions", "datastore", "translator"} {
		assert.Contains(t, err.Error(), msg)
	}
}

func TestNewInMemory(t *testing.T) {
	examples := []Example{{Distances: []float32{1, 2}, ValueCounts: []float32{1, 1}, Target: 4}}
	d, err := NewInMemory(1, javaCpp, parallel.Train, 2, examples)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Len())

	_, err = NewInMemory(1, javaCpp, parallel.Train, 3, examples)
	assert.Error(t, err)
	_, err = NewInMemory(0, javaCpp, parallel.Train, 2, examples)
	assert.Error(t, err)
}

func TestNewCacheFollowsDatastore(t *testing.T) {
	ctx := context.Background()
	cacheDir := t.TempDir()
	searcher := &versionedSearcher{
		fixedSearcher: fixedSearcher{neighbors: datastore.Neighbors{
			Indices: []int{0}, Distances: []float32{0.5}, Values: []int64{3},
		}},
		version: "first",
	}
	extractor := &lengthExtractor{}
	first, err := New(ctx, 4, testFunctions(), cacheDir, searcher, extractor, javaCpp, parallel.Train, 2, testOptions(t, 1))
	require.NoError(t, err)
	assert.NotEqual(t, CachePath(cacheDir, javaCpp, parallel.Train, 2, 1, ""), first.CachePath)
	calls := extractor.calls.Load()

	_, err = New(ctx, 4, testFunctions(), cacheDir, searcher, extractor, javaCpp, parallel.Train, 2, testOptions(t, 1))
	require.NoError(t, err)
	assert.Equal(t, calls, extractor.calls.Load())

	// a rebuilt datastore must not be served stale examples
	searcher.version = "second"
	rebuilt, err := New(ctx, 4, testFunctions(), cacheDir, searcher, extractor, javaCpp, parallel.Train, 2, testOptions(t, 1))
	require.NoError(t, err)
	assert.NotEqual(t, first.CachePath, rebuilt.CachePath)
	assert.Equal(t, 2*calls, extractor.calls.Load())
}

func TestNewCacheWithRealDatastore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := datastore.New(dir)
	require.NoError(t, store.Add(ctx, javaCpp, [][]float32{{3, 0}, {1, 1}}, []int64{3, 1}))
	require.NoError(t, store.Save(ctx, javaCpp))
	fingerprint, err := datastore.New(dir).Fingerprint(ctx, javaCpp)
	require.NoError(t, err)

	require.NoError(t, store.Add(ctx, javaCpp, [][]float32{{2, 2}}, []int64{2}))
	changed, err := store.Fingerprint(ctx, javaCpp)
	require.NoError(t, err)
	assert.NotEqual(t, fingerprint, changed)

	d, err := New(ctx, 4, testFunctions(), t.TempDir(), store, &lengthExtractor{}, javaCpp, parallel.Train, 1, testOptions(t, 2))
	require.NoError(t, err)
	assert.Positive(t, d.Len())
}
