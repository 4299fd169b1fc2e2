package knnmt

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/knnmt/langpair"
	"github.com/knights-analytics/knnmt/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the settings of a DataModule. Paths may be local or s3:// URLs.
type Config struct {
	// BatchSize is the number of examples per batch.
	BatchSize int `json:"batch_size"`
	// Samples is the number of training functions. Validation and test use a tenth of it.
	Samples int `json:"samples"`
	// DatasetDir holds the parallel functions, one folder per language pair.
	DatasetDir string `json:"dataset_dir"`
	// DatastoreDir holds the kNN datastores, one folder per language pair.
	DatastoreDir string `json:"datastore_dir"`
	// ModelDir holds the translator checkpoints and their onnx exports.
	ModelDir string `json:"model_dir"`
	// CacheDir receives the extracted examples. Empty disables caching.
	CacheDir string `json:"cache_dir"`
	// BPEPath is the translator tokenizer, a tokenizer.json file or a folder holding one.
	BPEPath string `json:"bpe_path"`
	// LanguagePair is the underscore joined pair, for instance java_cpp.
	LanguagePair string `json:"language_pair"`
}

// Validate reports every problem of the config at once.
func (c Config) Validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be greater than 0, got %d", c.BatchSize))
	}
	if c.Samples <= 0 {
		errs = append(errs, fmt.Errorf("samples must be greater than 0, got %d", c.Samples))
	}
	for _, required := range []struct{ name, value string }{
		{"dataset dir", c.DatasetDir},
		{"datastore dir", c.DatastoreDir},
		{"model dir", c.ModelDir},
		{"bpe path", c.BPEPath},
	} {
		if required.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", required.name))
		}
	}
	if _, err := langpair.Parse(c.LanguagePair); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// EvalSamples is the sample budget of the validation and test splits: a tenth of the training budget,
// rounded down.
func (c Config) EvalSamples() int {
	return int(0.1 * float64(c.Samples))
}

// LoadConfig reads a json config file, for instance
// {"batch_size": 32, "samples": 1000, "language_pair": "java_cpp", ...}.
func LoadConfig(ctx context.Context, path string) (Config, error) {
	var c Config
	data, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return c, nil
}
