package translator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/knnmt/options"
	"github.com/knights-analytics/knnmt/util/fileutil"
	"github.com/knights-analytics/knnmt/util/vectorutil"
)

// Features are the decoder representations of one teacher forced (source, target) pass.
// Entry i describes the prediction of Targets[i] given the source and Targets[:i].
type Features struct {
	States        [][]float32
	Targets       []int64
	Probabilities []float32
	Predictions   []int64
}

// Len is the number of target positions.
func (f *Features) Len() int {
	return len(f.Targets)
}

// Translator wraps a seq2seq code translation model exported to onnx together with its BPE tokenizer.
type Translator struct {
	CheckpointPath   string
	OnnxPath         string
	Config           *Config
	Runtime          string
	tokenizer        textTokenizer
	session          session
	maxDecodeTokens  int
	fingerprint      string
	tokenizerTimings *timings
	onnxTimings      *timings
	featureCalls     uint64
	translateCalls   uint64
}

// New loads the translator served for checkpointPath. The model graph is read from the .onnx
// export next to the checkpoint, and the tokenizer from bpePath.
func New(ctx context.Context, checkpointPath, bpePath string, opts *options.Options) (*Translator, error) {
	if opts == nil {
		opts = options.Defaults()
	}
	onnxPath := OnnxPath(checkpointPath)
	exists, err := fileutil.FileExists(ctx, onnxPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("no onnx export found for checkpoint %s (looked for %s)", checkpointPath, onnxPath)
	}
	config, err := loadConfig(ctx, path.Dir(onnxPath))
	if err != nil {
		return nil, err
	}
	onnxBytes, err := fileutil.ReadFileBytes(ctx, onnxPath)
	if err != nil {
		return nil, err
	}

	tk, err := loadTokenizer(ctx, bpePath, opts.Backend)
	if err != nil {
		return nil, err
	}

	var s session
	switch opts.Backend {
	case "GO":
		goS, goErr := createGoSession(onnxBytes)
		if goErr != nil {
			return nil, errors.Join(goErr, tk.Destroy())
		}
		s = goS
	case "ORT":
		ortS, ortErr := createORTSession(onnxBytes, opts)
		if ortErr != nil {
			return nil, errors.Join(ortErr, tk.Destroy())
		}
		s = ortS
	default:
		return nil, errors.Join(fmt.Errorf("backend %s not recognized", opts.Backend), tk.Destroy())
	}

	log.Debug().Str("checkpoint", checkpointPath).Str("onnx", onnxPath).Str("backend", opts.Backend).
		Str("tokenizer", tk.Runtime()).Msg("translator loaded")

	t := newTranslator(checkpointPath, onnxPath, config, tk, s, opts)
	t.fingerprint = modelFingerprint(onnxBytes, bpePath)
	return t, nil
}

func modelFingerprint(onnxBytes []byte, bpePath string) string {
	h := fnv.New64a()
	_, _ = h.Write(onnxBytes)
	_, _ = h.Write([]byte(bpePath))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Fingerprint identifies the loaded model graph and tokenizer path. It is empty for translators not
// built by New.
func (t *Translator) Fingerprint() string {
	return t.fingerprint
}

func newTranslator(checkpointPath, onnxPath string, config *Config, tk textTokenizer, s session, opts *options.Options) *Translator {
	return &Translator{
		CheckpointPath:   checkpointPath,
		OnnxPath:         onnxPath,
		Config:           config,
		Runtime:          opts.Backend,
		tokenizer:        tk,
		session:          s,
		maxDecodeTokens:  opts.MaxDecodeTokens,
		tokenizerTimings: &timings{},
		onnxTimings:      &timings{},
	}
}

func (t *Translator) encode(text string, addSpecialTokens bool) ([]int64, error) {
	start := time.Now()
	ids, err := t.tokenizer.Encode(text, addSpecialTokens)
	t.tokenizerTimings.record(start)
	return ids, err
}

func (t *Translator) run(inputIDs, decoderInputIDs []int64) (*seq2seqOutput, error) {
	start := time.Now()
	out, err := t.session.Run(inputIDs, decoderInputIDs)
	t.onnxTimings.record(start)
	return out, err
}

// Features runs the decoder teacher forced on target and returns, for every target token, the
// final decoder state (the datastore key), the model probability of the reference token, and the
// model's own argmax prediction. The target is terminated with the end of sequence token.
func (t *Translator) Features(ctx context.Context, source, target string) (*Features, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sourceIDs, err := t.encode(source, true)
	if err != nil {
		return nil, fmt.Errorf("tokenizing source: %w", err)
	}
	targetIDs, err := t.encode(target, false)
	if err != nil {
		return nil, fmt.Errorf("tokenizing target: %w", err)
	}
	if len(sourceIDs) == 0 {
		return nil, errors.New("source has no tokens")
	}

	labels := make([]int64, 0, len(targetIDs)+1)
	labels = append(labels, targetIDs...)
	labels = append(labels, t.Config.firstEos())
	if t.maxDecodeTokens > 0 && len(labels) > t.maxDecodeTokens {
		labels = labels[:t.maxDecodeTokens]
	}
	decoderInput := make([]int64, 0, len(labels))
	decoderInput = append(decoderInput, t.Config.DecoderStartTokenID)
	decoderInput = append(decoderInput, labels[:len(labels)-1]...)

	out, err := t.run(sourceIDs, decoderInput)
	if err != nil {
		return nil, err
	}
	if out.Steps != len(labels) {
		return nil, fmt.Errorf("translator returned %d steps for %d decoder inputs", out.Steps, len(labels))
	}

	features := &Features{
		States:        make([][]float32, len(labels)),
		Targets:       labels,
		Probabilities: make([]float32, len(labels)),
		Predictions:   make([]int64, len(labels)),
	}
	for i, label := range labels {
		if label < 0 || int(label) >= out.VocabSize {
			return nil, fmt.Errorf("target token %d is outside the vocabulary of size %d", label, out.VocabSize)
		}
		probs := vectorutil.SoftMax(out.logitsAt(i))
		prediction, _, argErr := vectorutil.ArgMax(probs)
		if argErr != nil {
			return nil, argErr
		}
		state := make([]float32, out.Dimension)
		copy(state, out.stateAt(i))
		features.States[i] = state
		features.Probabilities[i] = probs[label]
		features.Predictions[i] = int64(prediction)
	}
	atomic.AddUint64(&t.featureCalls, 1)
	return features, nil
}

// Translate greedily decodes source until an end of sequence token or maxTokens new tokens.
// A maxTokens of zero or less uses the configured limit.
func (t *Translator) Translate(ctx context.Context, source string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = t.maxDecodeTokens
	}
	sourceIDs, err := t.encode(source, true)
	if err != nil {
		return "", fmt.Errorf("tokenizing source: %w", err)
	}
	if len(sourceIDs) == 0 {
		return "", errors.New("source has no tokens")
	}

	decoderInput := []int64{t.Config.DecoderStartTokenID}
	for len(decoderInput) <= maxTokens {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out, runErr := t.run(sourceIDs, decoderInput)
		if runErr != nil {
			return "", runErr
		}
		if out.Steps == 0 {
			return "", errors.New("translator returned no decoder steps")
		}
		next, _, argErr := vectorutil.ArgMax(out.logitsAt(out.Steps - 1))
		if argErr != nil {
			return "", argErr
		}
		if t.Config.IsEos(int64(next)) {
			break
		}
		decoderInput = append(decoderInput, int64(next))
	}
	atomic.AddUint64(&t.translateCalls, 1)
	return t.tokenizer.Decode(decoderInput[1:], true), nil
}

// Statistics returns the timings collected since the translator was created.
func (t *Translator) Statistics() Statistics {
	statistics := Statistics{
		FeatureCalls:   atomic.LoadUint64(&t.featureCalls),
		TranslateCalls: atomic.LoadUint64(&t.translateCalls),
	}
	statistics.computeTokenizerStatistics(t.tokenizerTimings)
	statistics.computeOnnxStatistics(t.onnxTimings)
	return statistics
}

// Destroy releases the tokenizer and the backend session.
func (t *Translator) Destroy() error {
	var err error
	if t.tokenizer != nil {
		err = errors.Join(err, t.tokenizer.Destroy())
		t.tokenizer = nil
	}
	if t.session != nil {
		err = errors.Join(err, t.session.Destroy())
		t.session = nil
	}
	return err
}
