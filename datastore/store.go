package datastore

import (
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"slices"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ErrDimensionMismatch is returned when keys or queries do not match the store dimension.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// searchBlockRows is the number of keys scored per matrix multiplication.
const searchBlockRows = 4096

// Neighbors are the k closest datastore entries of one query, closest first.
type Neighbors struct {
	Indices   []int     `json:"indices"`
	Distances []float32 `json:"distances"`
	Values    []int64   `json:"values"`
}

// Store is a flat index of decoder states (keys) and the target tokens that followed them (values).
// Search is exact squared L2.
type Store struct {
	mu        sync.RWMutex
	dimension int
	keys      []float32 // row major [size, dimension]
	norms     []float32
	values    []int64

	// fingerprint caches Fingerprint until the next Add.
	fingerprint string
}

// NewStore creates an empty store for keys of the given dimension.
func NewStore(dimension int) (*Store, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("store dimension must be greater than 0, got %d", dimension)
	}
	return &Store{dimension: dimension}, nil
}

func newStoreFromFlat(dimension int, keys []float32, values []int64) (*Store, error) {
	if len(keys) != dimension*len(values) {
		return nil, fmt.Errorf("%w: %d key values for %d entries of dimension %d", ErrDimensionMismatch, len(keys), len(values), dimension)
	}
	s := &Store{dimension: dimension, keys: keys, values: values, norms: make([]float32, len(values))}
	for i := range values {
		s.norms[i] = squaredNorm(keys[i*dimension : (i+1)*dimension])
	}
	return s, nil
}

func (s *Store) Dimension() int {
	return s.dimension
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Add appends entries. keys[i] is the decoder state that produced token values[i].
func (s *Store) Add(keys [][]float32, values []int64) error {
	if len(keys) != len(values) {
		return fmt.Errorf("got %d keys and %d values", len(keys), len(values))
	}
	for i, key := range keys {
		if len(key) != s.dimension {
			return fmt.Errorf("%w: key %d has dimension %d, store has %d", ErrDimensionMismatch, i, len(key), s.dimension)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprint = ""
	for i, key := range keys {
		s.keys = append(s.keys, key...)
		s.norms = append(s.norms, squaredNorm(key))
		s.values = append(s.values, values[i])
	}
	return nil
}

// Fingerprint identifies the store content: an fnv-64a hash of dimension, keys and values.
func (s *Store) Fingerprint() string {
	s.mu.RLock()
	cached := s.fingerprint
	s.mu.RUnlock()
	if cached != "" {
		return cached
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fingerprint != "" {
		return s.fingerprint
	}
	h := fnv.New64a()
	buf := binary.LittleEndian.AppendUint64(nil, uint64(s.dimension))
	for _, k := range s.keys {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(k))
		if len(buf) >= 1<<16 {
			_, _ = h.Write(buf)
			buf = buf[:0]
		}
	}
	for _, v := range s.values {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
		if len(buf) >= 1<<16 {
			_, _ = h.Write(buf)
			buf = buf[:0]
		}
	}
	_, _ = h.Write(buf)
	s.fingerprint = fmt.Sprintf("%016x", h.Sum64())
	return s.fingerprint
}

// Search returns the k nearest entries for every query. k is clamped to the store size.
func (s *Store) Search(queries [][]float32, k int) ([]Neighbors, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be greater than 0, got %d", k)
	}
	for i, q := range queries {
		if len(q) != s.dimension {
			return nil, fmt.Errorf("%w: query %d has dimension %d, store has %d", ErrDimensionMismatch, i, len(q), s.dimension)
		}
	}
	results := make([]Neighbors, len(queries))
	if len(queries) == 0 {
		return results, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	size := len(s.values)
	k = min(k, size)
	if k == 0 {
		return results, nil
	}

	d := s.dimension
	flatQueries := make([]float32, 0, len(queries)*d)
	queryNorms := make([]float32, len(queries))
	for i, q := range queries {
		flatQueries = append(flatQueries, q...)
		queryNorms[i] = squaredNorm(q)
	}
	a := blas32.General{Rows: len(queries), Cols: d, Stride: d, Data: flatQueries}

	heaps := make([]maxHeap, len(queries))
	for i := range heaps {
		heaps[i] = make(maxHeap, 0, k)
	}
	scores := make([]float32, len(queries)*min(searchBlockRows, size))

	for start := 0; start < size; start += searchBlockRows {
		end := min(start+searchBlockRows, size)
		rows := end - start
		b := blas32.General{Rows: rows, Cols: d, Stride: d, Data: s.keys[start*d : end*d]}
		c := blas32.General{Rows: len(queries), Cols: rows, Stride: rows, Data: scores[:len(queries)*rows]}
		// c = queries · keysᵀ
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, b, 0, c)

		for qi := range queries {
			h := &heaps[qi]
			row := c.Data[qi*rows : (qi+1)*rows]
			for j, dot := range row {
				dist := queryNorms[qi] + s.norms[start+j] - 2*dot
				if dist < 0 {
					dist = 0
				}
				if h.Len() < k {
					heap.Push(h, candidate{index: start + j, distance: dist})
				} else if dist < (*h)[0].distance {
					(*h)[0] = candidate{index: start + j, distance: dist}
					heap.Fix(h, 0)
				}
			}
		}
	}

	for qi := range queries {
		h := heaps[qi]
		n := Neighbors{
			Indices:   make([]int, h.Len()),
			Distances: make([]float32, h.Len()),
			Values:    make([]int64, h.Len()),
		}
		for pos := h.Len() - 1; pos >= 0; pos-- {
			c := heap.Pop(&h).(candidate)
			n.Indices[pos] = c.index
			n.Distances[pos] = c.distance
			n.Values[pos] = s.values[c.index]
		}
		results[qi] = n
	}
	return results, nil
}

// snapshot returns the flat keys and values, for persistence.
func (s *Store) snapshot() ([]float32, []int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.keys), slices.Clone(s.values)
}

func squaredNorm(v []float32) float32 {
	var sum float64
	for _, e := range v {
		sum += float64(e) * float64(e)
	}
	if sum > math.MaxFloat32 {
		return math.MaxFloat32
	}
	return float32(sum)
}

type candidate struct {
	index    int
	distance float32
}

// maxHeap keeps the k best candidates with the worst on top.
type maxHeap []candidate

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool {
	if h[i].distance == h[j].distance {
		return h[i].index > h[j].index
	}
	return h[i].distance > h[j].distance
}
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)   { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
