//go:build !NODOWNLOAD

package knnmt

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/knights-analytics/knnmt/langpair"
	"github.com/knights-analytics/knnmt/translator"
	"github.com/knights-analytics/knnmt/util/fileutil"
)

// DownloadOptions is a struct of options that can be passed to DownloadTranslator.
type DownloadOptions struct {
	AuthToken             string
	OnnxFilePath          string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	return DownloadOptions{
		Branch:                "main",
		MaxRetries:            5,
		RetryInterval:         5,
		ConcurrentConnections: 5,
	}
}

// DownloadTranslator fetches the onnx export of a translator from a huggingface repository into modelDir,
// named after the checkpoint Setup looks for (Online_ST_Java_CPP.onnx for java_cpp). The repository
// tokenizer.json and config.json are copied next to it. It returns the path of the onnx file.
func DownloadTranslator(ctx context.Context, repoName, modelDir string, pair langpair.Pair, options DownloadOptions) (string, error) {
	repo := newTranslatorRepo(repoName, options)

	onnxFile, extraFiles, err := listTranslatorFiles(repo, options)
	if err != nil {
		return "", err
	}
	onnxDest := translator.OnnxPath(langpair.CheckpointPath(modelDir, pair))
	downloadFiles := append([]string{onnxFile}, extraFiles...)
	destinations := []string{onnxDest}
	for _, f := range extraFiles {
		destinations = append(destinations, fileutil.PathJoinSafe(modelDir, path.Base(f)))
	}

	if err := fileutil.CreateDir(ctx, modelDir); err != nil {
		return "", err
	}
	for i := 0; i < max(1, options.MaxRetries); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			log.Warn().Int("attempt", i+1).Int("max", options.MaxRetries).Err(downloadErr).Str("repo", repoName).
				Msg("download attempt failed")
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
			continue
		}
		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			if copyErr := fileutil.CopyFile(ctx, truePath, destinations[j]); copyErr != nil {
				return "", copyErr
			}
		}
		log.Info().Str("repo", repoName).Str("onnx", onnxDest).Msg("translator downloaded")
		return onnxDest, nil
	}
	return "", fmt.Errorf("failed to download %s after %d attempts", repoName, options.MaxRetries)
}

// newTranslatorRepo applies the download options to a hub repository handle.
func newTranslatorRepo(repoName string, options DownloadOptions) *hub.Repo {
	repo := hub.New(repoName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		// the hub API types revisions as RepoType
		repo.WithRevision(hub.RepoType(options.Branch))
	}
	return repo
}

// listTranslatorFiles makes sure the repository holds exactly one usable .onnx export and a tokenizer.
func listTranslatorFiles(repo *hub.Repo, options DownloadOptions) (string, []string, error) {
	for i := 0; i < max(1, options.MaxRetries); i++ {
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		if i+1 >= options.MaxRetries {
			return "", nil, err
		}
		log.Warn().Int("attempt", i+1).Int("max", options.MaxRetries).Err(err).Msg("list repo attempt failed")
		time.Sleep(time.Duration(options.RetryInterval) * time.Second)
	}

	var onnxPath, tokenizerPath string
	var extra, allOnnx []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return "", nil, err
		}
		switch baseFileName := filepath.Base(fileName); {
		case baseFileName == "tokenizer.json":
			tokenizerPath = fileName
		case baseFileName == "config.json":
			extra = append(extra, fileName)
		case filepath.Ext(baseFileName) == ".onnx":
			if options.OnnxFilePath == "" || fileName == options.OnnxFilePath {
				onnxPath = fileName
			}
			allOnnx = append(allOnnx, fileName)
		}
	}

	var errs []error
	if options.OnnxFilePath != "" {
		if onnxPath == "" {
			errs = append(errs, fmt.Errorf("model .onnx file not found at %s", options.OnnxFilePath))
		}
	} else {
		switch len(allOnnx) {
		case 0:
			errs = append(errs, errors.New("repository does not have a .onnx file, translators must be exported to onnx"))
		case 1:
		default:
			errs = append(errs, fmt.Errorf("repository has multiple .onnx files, please specify one of: %s", strings.Join(allOnnx, " ")))
		}
	}
	if tokenizerPath == "" {
		errs = append(errs, errors.New("repository does not have a tokenizer.json file"))
	}
	if err := errors.Join(errs...); err != nil {
		return "", nil, err
	}
	return onnxPath, append(extra, tokenizerPath), nil
}
