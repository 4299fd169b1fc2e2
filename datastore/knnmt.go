// Package datastore implements the kNN-MT datastore: for every language pair, a flat index mapping
// translator decoder states to the target token that followed them.
//
// Stores are persisted below the datastore folder as
//
//	<dir>/<pair>/keys.npy    float32 [size, dimension]
//	<dir>/<pair>/values.npy  int32   [size]
//
// and are loaded lazily on first use.
package datastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/knnmt/langpair"
	"github.com/knights-analytics/knnmt/util/fileutil"
	"github.com/knights-analytics/knnmt/util/safeconv"
)

// ErrNotFound is returned when no datastore exists on disk for a language pair.
var ErrNotFound = errors.New("datastore not found")

const (
	keysFile   = "keys.npy"
	valuesFile = "values.npy"
)

// KNNMT holds the datastores of every language pair, keyed by pair.
type KNNMT struct {
	dir    string
	mu     sync.Mutex
	stores map[string]*Store
}

// New creates a KNNMT rooted at dir. Nothing is read until a pair is first searched.
func New(dir string) *KNNMT {
	return &KNNMT{dir: dir, stores: map[string]*Store{}}
}

func (k *KNNMT) Dir() string {
	return k.dir
}

// Store returns the store of pair, loading it from disk when needed.
func (k *KNNMT) Store(ctx context.Context, pair langpair.Pair) (*Store, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if s, ok := k.stores[pair.String()]; ok {
		return s, nil
	}
	s, err := load(ctx, fileutil.PathJoinSafe(k.dir, pair.String()))
	if err != nil {
		return nil, fmt.Errorf("loading datastore for %s: %w", pair, err)
	}
	k.stores[pair.String()] = s
	log.Info().Str("pair", pair.String()).Int("size", s.Len()).Int("dimension", s.Dimension()).Msg("datastore loaded")
	return s, nil
}

// Search returns the k nearest neighbors of every query in the datastore of pair.
func (k *KNNMT) Search(ctx context.Context, pair langpair.Pair, queries [][]float32, neighbors int) ([]Neighbors, error) {
	s, err := k.Store(ctx, pair)
	if err != nil {
		return nil, err
	}
	return s.Search(queries, neighbors)
}

// Fingerprint identifies the content of the datastore of pair, loading it when needed.
func (k *KNNMT) Fingerprint(ctx context.Context, pair langpair.Pair) (string, error) {
	s, err := k.Store(ctx, pair)
	if err != nil {
		return "", err
	}
	return s.Fingerprint(), nil
}

// Add appends entries to the in memory store of pair. The store is created on first use with the
// dimension of the first key, or loaded from disk when one already exists there.
func (k *KNNMT) Add(ctx context.Context, pair langpair.Pair, keys [][]float32, values []int64) error {
	if len(keys) == 0 {
		return nil
	}
	s, err := k.Store(ctx, pair)
	if errors.Is(err, ErrNotFound) {
		k.mu.Lock()
		s, err = k.stores[pair.String()], nil
		if s == nil {
			s, err = NewStore(len(keys[0]))
			if err == nil {
				k.stores[pair.String()] = s
			}
		}
		k.mu.Unlock()
	}
	if err != nil {
		return err
	}
	return s.Add(keys, values)
}

// Save writes the store of pair to disk, replacing any previous version.
func (k *KNNMT) Save(ctx context.Context, pair langpair.Pair) error {
	k.mu.Lock()
	s, ok := k.stores[pair.String()]
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: nothing to save for %s", ErrNotFound, pair)
	}
	keys, values := s.snapshot()
	if len(values) == 0 {
		return fmt.Errorf("datastore for %s is empty", pair)
	}
	dir := fileutil.PathJoinSafe(k.dir, pair.String())

	var keysBuf, valuesBuf bytes.Buffer
	keysTensor := tensor.New(tensor.WithShape(len(values), s.Dimension()), tensor.WithBacking(keys))
	if err := keysTensor.WriteNpy(&keysBuf); err != nil {
		return fmt.Errorf("encoding keys: %w", err)
	}
	// token ids are stored as <i4: ReadNpy decodes <i8 into int, which it cannot read
	ids := make([]int32, len(values))
	for i, v := range values {
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("value %d at %d does not fit an int32 token id", v, i)
		}
		ids[i] = int32(v)
	}
	valuesTensor := tensor.New(tensor.WithShape(len(ids)), tensor.WithBacking(ids))
	if err := valuesTensor.WriteNpy(&valuesBuf); err != nil {
		return fmt.Errorf("encoding values: %w", err)
	}
	if err := fileutil.WriteFileBytes(ctx, fileutil.PathJoinSafe(dir, keysFile), keysBuf.Bytes()); err != nil {
		return err
	}
	if err := fileutil.WriteFileBytes(ctx, fileutil.PathJoinSafe(dir, valuesFile), valuesBuf.Bytes()); err != nil {
		return err
	}
	log.Info().Str("pair", pair.String()).Int("size", len(values)).Str("dir", dir).Msg("datastore saved")
	return nil
}

func load(ctx context.Context, dir string) (*Store, error) {
	keysPath := fileutil.PathJoinSafe(dir, keysFile)
	valuesPath := fileutil.PathJoinSafe(dir, valuesFile)
	for _, path := range []string{keysPath, valuesPath} {
		exists, err := fileutil.FileExists(ctx, path)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: missing %s", ErrNotFound, path)
		}
	}

	keysTensor, err := readNpy(ctx, keysPath)
	if err != nil {
		return nil, err
	}
	valuesTensor, err := readNpy(ctx, valuesPath)
	if err != nil {
		return nil, err
	}

	shape := keysTensor.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("%s must be a matrix, got shape %v", keysPath, shape)
	}
	var keys []float32
	switch v := keysTensor.Data().(type) {
	case []float32:
		keys = v
	case float32:
		keys = []float32{v}
	default:
		return nil, fmt.Errorf("%s must hold float32 values, got %v", keysPath, keysTensor.Dtype())
	}
	var values []int64
	switch v := valuesTensor.Data().(type) {
	case []int32:
		values = safeconv.Int32SliceToInt64Slice(v)
	case int32:
		// single entry stores may come back as scalars
		values = []int64{int64(v)}
	default:
		return nil, fmt.Errorf("%s must hold int32 values, got %v", valuesPath, valuesTensor.Dtype())
	}
	if shape[0] != len(values) {
		return nil, fmt.Errorf("%s has %d keys but %s has %d values", keysPath, shape[0], valuesPath, len(values))
	}
	return newStoreFromFlat(shape[1], keys, values)
}

func readNpy(ctx context.Context, path string) (*tensor.Dense, error) {
	data, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return nil, err
	}
	t := new(tensor.Dense)
	if err := t.ReadNpy(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return t, nil
}
