package options

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	o, err := Apply()
	require.NoError(t, err)
	assert.Equal(t, "GO", o.Backend)
	assert.Equal(t, DefaultWorkers, o.Workers)
	assert.Equal(t, DefaultNeighbors, o.Neighbors)
	assert.Equal(t, DefaultMaxDecodeTokens, o.MaxDecodeTokens)
	assert.Equal(t, uint64(1), o.Seed)
	assert.NotNil(t, o.ORTOptions.LibraryPath)
	assert.NoError(t, o.Destroy())
}

func TestApply(t *testing.T) {
	o, err := Apply(
		WithWorkers(2),
		WithNeighbors(16),
		WithMaxDecodeTokens(64),
		WithSeed(42),
		WithVerbose(true),
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 2, o.Workers)
	assert.Equal(t, 16, o.Neighbors)
	assert.Equal(t, 64, o.MaxDecodeTokens)
	assert.Equal(t, uint64(42), o.Seed)
	assert.True(t, o.Verbose)
}

func TestInvalidOptions(t *testing.T) {
	for name, opt := range map[string]WithOption{
		"backend":          WithBackend("XLA"),
		"workers":          WithWorkers(0),
		"neighbors":        WithNeighbors(-1),
		"max decode":       WithMaxDecodeTokens(0),
		"ort only library": WithOnnxLibraryPath("/usr/lib/libonnxruntime.so"),
		"ort only threads": WithIntraOpNumThreads(2),
		"ort only inter":   WithInterOpNumThreads(2),
		"ort only cuda":    WithCuda(nil),
		"ort only telem":   WithTelemetry(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Apply(opt)
			assert.Error(t, err)
		})
	}
}

func TestOrtOptions(t *testing.T) {
	library := filepath.Join(t.TempDir(), "libonnxruntime.so")
	require.NoError(t, os.WriteFile(library, []byte{}, 0o600))

	o, err := Apply(
		WithBackend("ORT"),
		WithOnnxLibraryPath(library),
		WithTelemetry(),
		WithIntraOpNumThreads(3),
		WithInterOpNumThreads(1),
		WithCuda(nil),
	)
	require.NoError(t, err)
	assert.Equal(t, "ORT", o.Backend)
	assert.Equal(t, library, *o.ORTOptions.LibraryPath)
	assert.True(t, *o.ORTOptions.Telemetry)
	assert.Equal(t, 3, *o.ORTOptions.IntraOpNumThreads)
	assert.Equal(t, 1, *o.ORTOptions.InterOpNumThreads)
	assert.NotNil(t, o.ORTOptions.CudaOptions)

	_, err = Apply(WithBackend("ORT"), WithOnnxLibraryPath(filepath.Join(t.TempDir(), "missing.so")))
	assert.Error(t, err)
}

func TestOnDestroy(t *testing.T) {
	o, err := Apply()
	require.NoError(t, err)

	var order []string
	o.OnDestroy(func() error {
		order = append(order, "environment")
		return nil
	})
	o.OnDestroy(func() error {
		order = append(order, "cache")
		return errors.New("cache busy")
	})

	assert.ErrorContains(t, o.Destroy(), "cache busy")
	assert.Equal(t, []string{"cache", "environment"}, order)

	// teardown runs once
	assert.ErrorContains(t, o.Destroy(), "cache busy")
	assert.Len(t, order, 2)

	manual := &Options{}
	manual.OnDestroy(func() error { return nil })
	assert.NoError(t, manual.Destroy())
}
