package knnmt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/knnmt/langpair"
)

func validConfig() Config {
	return Config{
		BatchSize:    4,
		Samples:      20,
		DatasetDir:   "data/functions",
		DatastoreDir: "data/datastores",
		ModelDir:     "models",
		CacheDir:     "cache",
		BPEPath:      "models/tokenizer.json",
		LanguagePair: "java_cpp",
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr []string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no cache dir", mutate: func(c *Config) { c.CacheDir = "" }},
		{name: "zero batch size", mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: []string{"batch size"}},
		{name: "negative samples", mutate: func(c *Config) { c.Samples = -3 }, wantErr: []string{"samples"}},
		{name: "missing paths", mutate: func(c *Config) {
			c.DatasetDir, c.DatastoreDir, c.ModelDir, c.BPEPath = "", "", "", ""
		}, wantErr: []string{"dataset dir", "datastore dir", "model dir", "bpe path"}},
		{name: "bad pair", mutate: func(c *Config) { c.LanguagePair = "java" }, wantErr: []string{"invalid language pair"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, msg := range tt.wantErr {
				assert.Contains(t, err.Error(), msg)
			}
		})
	}

	c := validConfig()
	c.LanguagePair = "java_cpp_python"
	assert.ErrorIs(t, c.Validate(), langpair.ErrInvalidPair)
}

func TestEvalSamples(t *testing.T) {
	for samples, want := range map[int]int{1: 0, 9: 0, 10: 1, 15: 1, 30: 3, 70: 7, 1000: 100, 12345: 1234} {
		c := Config{Samples: samples}
		assert.Equal(t, want, c.EvalSamples(), "samples %d", samples)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knnmt.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"batch_size": 32,
		"samples": 1000,
		"dataset_dir": "s3://bucket/functions",
		"datastore_dir": "/data/datastores",
		"model_dir": "/models",
		"cache_dir": "/tmp/cache",
		"bpe_path": "/models/tokenizer.json",
		"language_pair": "python_java"
	}`), 0o600))

	c, err := LoadConfig(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 32, c.BatchSize)
	assert.Equal(t, 1000, c.Samples)
	assert.Equal(t, "s3://bucket/functions", c.DatasetDir)
	assert.Equal(t, "python_java", c.LanguagePair)
	assert.NoError(t, c.Validate())

	require.NoError(t, os.WriteFile(path, []byte(`{"batch_size": "many"}`), 0o600))
	_, err = LoadConfig(context.Background(), path)
	assert.Error(t, err)
}
