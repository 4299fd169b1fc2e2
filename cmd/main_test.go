package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upperTranslator struct{}

func (upperTranslator) Translate(_ context.Context, source string, maxTokens int) (string, error) {
	out := strings.ToUpper(source)
	if len(out) > maxTokens {
		out = out[:maxTokens]
	}
	return out, nil
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"knnmt"}, args...))
	return out.String(), err
}

func TestTranslateLines(t *testing.T) {
	input := strings.NewReader(`{"input": "int x = 0;"}` + "\n\n" + `{"input": "return x;"}`)
	var out bytes.Buffer
	require.NoError(t, translateLines(context.Background(), upperTranslator{}, input, &out, 100))
	assert.Equal(t,
		`{"input":"int x = 0;","output":"INT X = 0;"}`+"\n"+`{"input":"return x;","output":"RETURN X;"}`+"\n",
		out.String())

	err := translateLines(context.Background(), upperTranslator{}, strings.NewReader("not json"), &out, 100)
	assert.ErrorContains(t, err, "line 1")
}

func TestSetupCommandValidation(t *testing.T) {
	_, err := runApp(t, "setup", "--languagePair", "java")
	require.Error(t, err)
	for _, msg := range []string{"invalid language pair", "dataset dir", "bpe path"} {
		assert.Contains(t, err.Error(), msg)
	}
}

func TestSetupCommandConfigFile(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "knnmt.json")
	require.NoError(t, os.WriteFile(configFile, []byte(`{
		"batch_size": 8,
		"samples": 100,
		"dataset_dir": "`+filepath.ToSlash(filepath.Join(dir, "functions"))+`",
		"datastore_dir": "`+filepath.ToSlash(filepath.Join(dir, "datastores"))+`",
		"model_dir": "`+filepath.ToSlash(filepath.Join(dir, "models"))+`",
		"bpe_path": "`+filepath.ToSlash(filepath.Join(dir, "models"))+`",
		"language_pair": "python_java"
	}`), 0o600))

	// the language pair flag overrides the file, and no translator export exists
	_, err := runApp(t, "setup", "--config", configFile, "--languagePair", "java_cpp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Online_ST_Java_CPP.pth")
}

func TestSetupCommandRejectsOrtLibraryWithGoBackend(t *testing.T) {
	dir := t.TempDir()
	_, err := runApp(t, "setup",
		"--datasetDir", dir, "--datastoreDir", dir, "--modelDir", dir, "--bpePath", dir,
		"--languagePair", "java_cpp", "--onnxruntimeSharedLibrary", "/usr/lib/libonnxruntime.so")
	assert.ErrorContains(t, err, "requires --backend ORT")
}

func TestBuildDatastoreCommandValidation(t *testing.T) {
	_, err := runApp(t, "build-datastore", "--languagePair", "java_cpp")
	assert.ErrorContains(t, err, "datasetDir and datastoreDir are required")

	_, err = runApp(t, "build-datastore", "--languagePair", "cpp")
	assert.ErrorContains(t, err, "invalid language pair")
}

func TestDownloadCommandRequiresRepo(t *testing.T) {
	_, err := runApp(t, "download", "--modelDir", t.TempDir(), "--languagePair", "java_cpp")
	assert.Error(t, err)
}
