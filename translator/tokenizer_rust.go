//go:build ORT || ALL

package translator

import (
	"github.com/daulet/tokenizers"

	"github.com/knights-analytics/knnmt/util/safeconv"
)

type rustTokenizer struct {
	tk *tokenizers.Tokenizer
}

func loadRustTokenizer(tokenizerBytes []byte) (*rustTokenizer, error) {
	tk, err := tokenizers.FromBytes(tokenizerBytes)
	if err != nil {
		return nil, err
	}
	return &rustTokenizer{tk: tk}, nil
}

func (r *rustTokenizer) Encode(text string, addSpecialTokens bool) ([]int64, error) {
	ids, _ := r.tk.Encode(text, addSpecialTokens)
	return safeconv.Uint32SliceToInt64Slice(ids), nil
}

func (r *rustTokenizer) Decode(ids []int64, skipSpecialTokens bool) string {
	return r.tk.Decode(safeconv.Int64SliceToUint32Slice(ids), skipSpecialTokens)
}

func (r *rustTokenizer) Runtime() string {
	return "RUST"
}

func (r *rustTokenizer) Destroy() error {
	return r.tk.Close()
}
