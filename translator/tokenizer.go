package translator

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/knnmt/util/fileutil"
	"github.com/knights-analytics/knnmt/util/safeconv"
)

// textTokenizer turns source code into model token ids and back.
type textTokenizer interface {
	Encode(text string, addSpecialTokens bool) ([]int64, error)
	Decode(ids []int64, skipSpecialTokens bool) string
	Runtime() string
	Destroy() error
}

// loadTokenizer picks the tokenizer implementation matching the backend: the pure go tokenizer for GO,
// the rust tokenizers bindings for ORT.
func loadTokenizer(ctx context.Context, bpePath string, backend string) (textTokenizer, error) {
	tkPath, err := tokenizerPath(ctx, bpePath)
	if err != nil {
		return nil, err
	}
	exists, err := fileutil.FileExists(ctx, tkPath)
	if err != nil {
		return nil, fmt.Errorf("error checking for existence of %s: %w", tkPath, err)
	}
	if !exists {
		return nil, fmt.Errorf("tokenizer not found at %s", tkPath)
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(ctx, tkPath)
	if err != nil {
		return nil, err
	}
	switch backend {
	case "GO":
		tk, goErr := loadGoTokenizer(tokenizerBytes)
		if goErr != nil {
			return nil, goErr
		}
		return tk, nil
	case "ORT":
		tk, rustErr := loadRustTokenizer(tokenizerBytes)
		if rustErr != nil {
			return nil, rustErr
		}
		return tk, nil
	default:
		return nil, fmt.Errorf("runtime %s not recognized", backend)
	}
}

type goTokenizer struct {
	tk *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte) (*goTokenizer, error) {
	tk, err := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if err != nil {
		return nil, err
	}
	return &goTokenizer{tk: tk}, nil
}

func (g *goTokenizer) Encode(text string, addSpecialTokens bool) ([]int64, error) {
	encoding, err := g.tk.EncodeSingle(text, addSpecialTokens)
	if err != nil {
		return nil, err
	}
	return safeconv.IntSliceToInt64Slice(encoding.Ids), nil
}

func (g *goTokenizer) Decode(ids []int64, skipSpecialTokens bool) string {
	return g.tk.Decode(safeconv.Int64SliceToIntSlice(ids), skipSpecialTokens)
}

func (g *goTokenizer) Runtime() string {
	return "GO"
}

func (g *goTokenizer) Destroy() error {
	return nil
}
