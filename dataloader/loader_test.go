package dataloader

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/knnmt/datasets"
	"github.com/knights-analytics/knnmt/langpair"
	"github.com/knights-analytics/knnmt/parallel"
)

// examples returns n examples with two neighbors whose target is their index.
func examples(n int) []datasets.Example {
	out := make([]datasets.Example, n)
	for i := range out {
		out[i] = datasets.Example{
			Distances:        []float32{float32(i), float32(i) + 0.5},
			ValueCounts:      []float32{1, 2},
			ModelProbability: 0.25,
			KNNHit:           i%2 == 0,
			Target:           int64(i),
		}
	}
	return out
}

func testSource(t *testing.T, n int) *datasets.Dataset {
	t.Helper()
	d, err := datasets.NewInMemory(4, langpair.Pair{Source: "java", Target: "cpp"}, parallel.Train, 2, examples(n))
	require.NoError(t, err)
	return d
}

func collectTargets(t *testing.T, l *Loader) ([]int64, []int) {
	t.Helper()
	var targets []int64
	var sizes []int
	for {
		batch, err := l.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return targets, sizes
		}
		require.NoError(t, err)
		targets = append(targets, batch.TargetValues()...)
		sizes = append(sizes, batch.Size())
	}
}

func TestLoaderSequential(t *testing.T) {
	l, err := New(testSource(t, 10), WithBatchSize(4), WithWorkers(3))
	require.NoError(t, err)
	assert.Equal(t, 3, l.NumBatches())
	assert.Equal(t, 10, l.Len())
	assert.False(t, l.Shuffle())

	targets, sizes := collectTargets(t, l)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, targets)
	assert.Equal(t, []int{4, 4, 2}, sizes)

	_, err = l.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	l.Reset()
	assert.Equal(t, 1, l.Epoch())
	again, _ := collectTargets(t, l)
	assert.Equal(t, targets, again)
}

func TestLoaderBatchTensors(t *testing.T) {
	l, err := New(testSource(t, 3), WithBatchSize(2))
	require.NoError(t, err)
	batch, err := l.Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{2, 5}, []int(batch.Inputs.Shape()))
	assert.Equal(t, []int{2}, []int(batch.Targets.Shape()))
	assert.Equal(t, []float32{0, 0.5, 1, 2, 0.25, 1, 1.5, 1, 2, 0.25}, batch.InputValues())
	assert.Equal(t, []bool{true, false}, batch.KNNHits)
	assert.Equal(t, 0, batch.Index)

	batch, err = l.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Index)
	assert.Equal(t, []int64{2}, batch.TargetValues())
}

func TestLoaderDropLast(t *testing.T) {
	l, err := New(testSource(t, 10), WithBatchSize(4), WithDropLast(true))
	require.NoError(t, err)
	assert.Equal(t, 2, l.NumBatches())
	targets, sizes := collectTargets(t, l)
	assert.Len(t, targets, 8)
	assert.Equal(t, []int{4, 4}, sizes)
}

func TestLoaderShuffle(t *testing.T) {
	newLoader := func(seed uint64) *Loader {
		l, err := New(testSource(t, 50), WithBatchSize(8), WithShuffle(true), WithSeed(seed))
		require.NoError(t, err)
		return l
	}
	first, _ := collectTargets(t, newLoader(7))
	second, _ := collectTargets(t, newLoader(7))
	assert.Equal(t, first, second, "same seed gives the same order")

	sorted := slices.Clone(first)
	slices.Sort(sorted)
	expected := make([]int64, 50)
	for i := range expected {
		expected[i] = int64(i)
	}
	assert.Equal(t, expected, sorted, "every example appears once per epoch")
	assert.NotEqual(t, expected, first)

	l := newLoader(7)
	epochOne, _ := collectTargets(t, l)
	l.Reset()
	epochTwo, _ := collectTargets(t, l)
	assert.NotEqual(t, epochOne, epochTwo, "a new epoch draws a new order")
}

func TestLoaderEmpty(t *testing.T) {
	l, err := New(testSource(t, 0), WithBatchSize(4))
	require.NoError(t, err)
	assert.Equal(t, 0, l.NumBatches())
	_, err = l.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

type failingSource struct{}

func (failingSource) Len() int { return 3 }

func (failingSource) Get(i int) (datasets.Example, error) {
	return datasets.Example{}, errors.New("read failed")
}

func TestLoaderErrors(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(testSource(t, 1), WithBatchSize(0))
	assert.Error(t, err)
	_, err = New(testSource(t, 1), WithWorkers(-1))
	assert.Error(t, err)

	l, err := New(failingSource{}, WithBatchSize(2))
	require.NoError(t, err)
	_, err = l.Next(context.Background())
	assert.EqualError(t, err, "read failed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l, err = New(testSource(t, 4), WithBatchSize(2))
	require.NoError(t, err)
	_, err = l.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollateMismatch(t *testing.T) {
	ex := examples(2)
	ex[1].Distances = []float32{1}
	_, err := Collate(ex)
	assert.Error(t, err)
	_, err = Collate(nil)
	assert.Error(t, err)
}
