//go:build !ORT && !ALL

package translator

import "errors"

func loadRustTokenizer(_ []byte) (textTokenizer, error) {
	return nil, errors.New("the rust tokenizer requires building with -tags ORT")
}
