//go:build XLA || ALL

package dataloader

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/phuslu/log"
)

// GoMLXDataset feeds a Loader into a gomlx training loop. Inputs are [batch, 2k+1] float32,
// labels are the [batch] int64 targets followed by the [batch, 1] float32 kNN hit flags.
type GoMLXDataset struct {
	name    string
	loader  *Loader
	ctx     context.Context
	verbose bool
}

var _ train.Dataset = &GoMLXDataset{}

func NewGoMLXDataset(ctx context.Context, name string, loader *Loader, verbose bool) (*GoMLXDataset, error) {
	if loader == nil {
		return nil, errors.New("loader is required")
	}
	if loader.Len() == 0 {
		return nil, fmt.Errorf("dataset %s has no examples", name)
	}
	return &GoMLXDataset{name: name, loader: loader, ctx: ctx, verbose: verbose}, nil
}

func (d *GoMLXDataset) Name() string {
	return d.name
}

func (d *GoMLXDataset) Reset() {
	if d.verbose {
		log.Info().Str("dataset", d.name).Int("epoch", d.loader.Epoch()).Int("batches", d.loader.NumBatches()).
			Msg("completed epoch, resetting dataset")
	}
	d.loader.Reset()
}

func (d *GoMLXDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batch, err := d.loader.Next(d.ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil, io.EOF // return error for reset
		}
		return nil, nil, nil, err
	}
	size := batch.Size()
	width := batch.Inputs.Shape()[1]
	hits := make([]float32, size)
	for i, hit := range batch.KNNHits {
		if hit {
			hits[i] = 1
		}
	}
	if d.verbose {
		log.Debug().Str("dataset", d.name).Int("batch", batch.Index).Msg("processing batch")
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batch.InputValues(), size, width)}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(batch.TargetValues(), size),
		tensors.FromFlatDataAndDimensions(hits, size, 1),
	}
	return d, inputs, labels, nil
}
