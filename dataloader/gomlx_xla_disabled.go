//go:build !XLA && !ALL

package dataloader

import (
	"context"
	"errors"
)

type GoMLXDataset struct{}

func NewGoMLXDataset(_ context.Context, _ string, _ *Loader, _ bool) (*GoMLXDataset, error) {
	return nil, errors.New("the gomlx dataset adapter requires building with -tags XLA")
}
