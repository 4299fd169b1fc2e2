package options

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/knights-analytics/knnmt/util/fileutil"
)

const (
	// DefaultWorkers is the number of loader workers used for every split.
	DefaultWorkers = 4
	// DefaultNeighbors is the number of datastore neighbors retrieved per target token.
	DefaultNeighbors = 8
	// DefaultMaxDecodeTokens bounds greedy decoding in the translator.
	DefaultMaxDecodeTokens = 512
)

// Options is shared by the translator, the datastore, the datasets and the loaders
// so that one set of flags configures the whole data module.
type Options struct {
	ORTOptions      *OrtOptions
	// Destroy releases backend resources shared by every translator, such as the onnxruntime
	// environment. Register teardown with OnDestroy.
	Destroy         func() error
	Backend         string
	Workers         int
	Neighbors       int
	MaxDecodeTokens int
	Seed            uint64
	Verbose         bool
}

func Defaults() *Options {
	libraryPathDefault := defaultLibraryPath()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryPath: &libraryPathDefault,
		},
		Backend:         "GO",
		Workers:         DefaultWorkers,
		Neighbors:       DefaultNeighbors,
		MaxDecodeTokens: DefaultMaxDecodeTokens,
		Seed:            1,
		Destroy: func() error {
			return nil
		},
	}
}

// OnDestroy registers fn to run, ahead of the teardown registered before it, on Destroy. The
// combined teardown runs once.
func (o *Options) OnDestroy(fn func() error) {
	previous := o.Destroy
	var once sync.Once
	var err error
	o.Destroy = func() error {
		once.Do(func() {
			err = fn()
			if previous != nil {
				err = errors.Join(err, previous())
			}
		})
		return err
	}
}

// Apply builds Options from the defaults and the given option functions, in order.
func Apply(opts ...WithOption) (*Options, error) {
	o := Defaults()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func defaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return `.\onnxruntime.dll`
	case "darwin":
		return "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CudaOptions       map[string]string
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithBackend selects the inference backend of the translator: "GO" (pure go, default) or "ORT".
// It must come before any ORT specific option.
func WithBackend(backend string) WithOption {
	return func(o *Options) error {
		switch backend {
		case "GO", "ORT":
			o.Backend = backend
			return nil
		default:
			return fmt.Errorf("backend %s is not supported, use GO or ORT", backend)
		}
	}
}

// WithOnnxLibraryPath (ORT only) sets the path to the onnxruntime shared library file.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		exists, err := fileutil.FileExists(context.Background(), ortLibraryPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library does not exist at %q", ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithTelemetry is only supported for ORT backend")
		}
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithCuda (ORT only) enables the CUDA execution provider with the given provider options.
func WithCuda(cudaOptions map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCuda is only supported for ORT backend")
		}
		if cudaOptions == nil {
			cudaOptions = map[string]string{}
		}
		o.ORTOptions.CudaOptions = cudaOptions
		return nil
	}
}

// WithWorkers sets the number of goroutines used by loaders and by feature extraction.
func WithWorkers(workers int) WithOption {
	return func(o *Options) error {
		if workers <= 0 {
			return fmt.Errorf("workers must be greater than 0")
		}
		o.Workers = workers
		return nil
	}
}

// WithNeighbors sets k, the number of datastore neighbors retrieved for every target token.
func WithNeighbors(k int) WithOption {
	return func(o *Options) error {
		if k <= 0 {
			return fmt.Errorf("neighbors must be greater than 0")
		}
		o.Neighbors = k
		return nil
	}
}

// WithMaxDecodeTokens bounds the number of tokens produced by greedy translation.
func WithMaxDecodeTokens(n int) WithOption {
	return func(o *Options) error {
		if n <= 0 {
			return fmt.Errorf("max decode tokens must be greater than 0")
		}
		o.MaxDecodeTokens = n
		return nil
	}
}

// WithSeed sets the seed of the train loader shuffling.
func WithSeed(seed uint64) WithOption {
	return func(o *Options) error {
		o.Seed = seed
		return nil
	}
}

// WithVerbose switches the data module logging to debug level.
func WithVerbose(verbose bool) WithOption {
	return func(o *Options) error {
		o.Verbose = verbose
		return nil
	}
}
