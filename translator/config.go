package translator

import (
	"context"
	"fmt"
	"path"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/knnmt/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the special tokens of the exported seq2seq model.
type Config struct {
	DecoderStartTokenID int64
	EosTokenIDs         map[int64]bool
	PadTokenID          int64
	VocabSize           int
	HiddenSize          int
}

// defaultConfig matches the fairseq style dictionaries of the TransCoder checkpoints,
// where </s> doubles as the decoder start token.
func defaultConfig() *Config {
	return &Config{
		DecoderStartTokenID: 1,
		EosTokenIDs:         map[int64]bool{1: true},
		PadTokenID:          2,
	}
}

// IsEos reports whether id ends a sequence.
func (c *Config) IsEos(id int64) bool {
	return c.EosTokenIDs[id]
}

// firstEos is the token appended to teacher forced targets.
func (c *Config) firstEos() int64 {
	first := int64(-1)
	for id := range c.EosTokenIDs {
		if first == -1 || id < first {
			first = id
		}
	}
	return first
}

// loadConfig reads config.json from the folder of the onnx export. A missing file gives the defaults.
func loadConfig(ctx context.Context, modelDir string) (*Config, error) {
	config := defaultConfig()
	configPath := fileutil.PathJoinSafe(modelDir, "config.json")
	exists, err := fileutil.FileExists(ctx, configPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return config, nil
	}
	configBytes, err := fileutil.ReadFileBytes(ctx, configPath)
	if err != nil {
		return nil, err
	}
	var configMap map[string]any
	if err := json.Unmarshal(configBytes, &configMap); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	if v, ok := configMap["decoder_start_token_id"].(float64); ok {
		config.DecoderStartTokenID = int64(v)
	}
	if eosRaw, ok := configMap["eos_token_id"]; ok {
		eos := map[int64]bool{}
		switch v := eosRaw.(type) {
		case []any:
			for _, item := range v {
				if num, isNum := item.(float64); isNum {
					eos[int64(num)] = true
				}
			}
		case float64:
			eos[int64(v)] = true
		}
		if len(eos) > 0 {
			config.EosTokenIDs = eos
		}
	}
	if v, ok := configMap["pad_token_id"].(float64); ok {
		config.PadTokenID = int64(v)
	}
	if v, ok := configMap["vocab_size"].(float64); ok {
		config.VocabSize = int(v)
	}
	if v, ok := configMap["d_model"].(float64); ok {
		config.HiddenSize = int(v)
	} else if v, ok := configMap["hidden_size"].(float64); ok {
		config.HiddenSize = int(v)
	}
	return config, nil
}

// OnnxPath maps a checkpoint path onto its onnx export: Online_ST_Java_CPP.pth is served from
// Online_ST_Java_CPP.onnx in the same folder. Paths that already name an .onnx file are kept.
func OnnxPath(checkpointPath string) string {
	ext := path.Ext(checkpointPath)
	if ext == ".onnx" {
		return checkpointPath
	}
	return strings.TrimSuffix(checkpointPath, ext) + ".onnx"
}

// tokenizerPath accepts either a tokenizer.json file or a folder holding one.
func tokenizerPath(ctx context.Context, bpePath string) (string, error) {
	isDir, err := fileutil.IsDir(ctx, bpePath)
	if err != nil {
		return "", err
	}
	if isDir {
		return fileutil.PathJoinSafe(bpePath, "tokenizer.json"), nil
	}
	return bpePath, nil
}
