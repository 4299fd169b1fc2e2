//go:build NODOWNLOAD

package knnmt

import (
	"context"
	"errors"

	"github.com/knights-analytics/knnmt/langpair"
)

type DownloadOptions struct {
	AuthToken             string
	OnnxFilePath          string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
}

func NewDownloadOptions() DownloadOptions {
	return DownloadOptions{}
}

func DownloadTranslator(_ context.Context, _, _ string, _ langpair.Pair, _ DownloadOptions) (string, error) {
	return "", errors.New("downloads are disabled in builds with -tags NODOWNLOAD")
}
