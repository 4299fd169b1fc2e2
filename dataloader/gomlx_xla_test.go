//go:build XLA || ALL

package dataloader

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoMLXDataset(t *testing.T) {
	l, err := New(testSource(t, 5), WithBatchSize(2))
	require.NoError(t, err)
	ds, err := NewGoMLXDataset(context.Background(), "train", l, false)
	require.NoError(t, err)
	assert.Equal(t, "train", ds.Name())

	batches := 0
	for {
		_, inputs, labels, yieldErr := ds.Yield()
		if errors.Is(yieldErr, io.EOF) {
			break
		}
		require.NoError(t, yieldErr)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 2)
		assert.Equal(t, 5, inputs[0].Shape().Dimensions[1])
		batches++
	}
	assert.Equal(t, 3, batches)

	ds.Reset()
	_, _, _, err = ds.Yield()
	assert.NoError(t, err)
}
