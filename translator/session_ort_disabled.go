//go:build !ORT && !ALL

package translator

import (
	"errors"

	"github.com/knights-analytics/knnmt/options"
)

func createORTSession(_ []byte, _ *options.Options) (session, error) {
	return nil, errors.New("the ORT backend requires building with -tags ORT")
}
