package translator

import "fmt"

const (
	inputIDsName        = "input_ids"
	decoderInputIDsName = "decoder_input_ids"
	logitsName          = "logits"
	hiddenStatesName    = "hidden_states"
)

// seq2seqOutput holds one teacher forced decoder pass for a single sequence.
// Logits are [steps, vocab] and HiddenStates are [steps, dimension], both row major.
type seq2seqOutput struct {
	Logits       []float32
	HiddenStates []float32
	Steps        int
	VocabSize    int
	Dimension    int
}

func (o *seq2seqOutput) logitsAt(step int) []float32 {
	return o.Logits[step*o.VocabSize : (step+1)*o.VocabSize]
}

func (o *seq2seqOutput) stateAt(step int) []float32 {
	return o.HiddenStates[step*o.Dimension : (step+1)*o.Dimension]
}

// session runs the exported translator graph: input_ids [1, S] and decoder_input_ids [1, T]
// (int64) in, logits [1, T, V] and hidden_states [1, T, D] (float32) out.
type session interface {
	Run(inputIDs, decoderInputIDs []int64) (*seq2seqOutput, error)
	Destroy() error
}

// newOutput validates raw output buffers against their shapes.
func newOutput(logits []float32, logitsShape []int, hidden []float32, hiddenShape []int) (*seq2seqOutput, error) {
	if len(logitsShape) != 3 || len(hiddenShape) != 3 {
		return nil, fmt.Errorf("expected rank 3 outputs, got logits %v and hidden states %v", logitsShape, hiddenShape)
	}
	if logitsShape[0] != 1 || hiddenShape[0] != 1 {
		return nil, fmt.Errorf("expected a batch of one, got logits %v and hidden states %v", logitsShape, hiddenShape)
	}
	if logitsShape[1] != hiddenShape[1] {
		return nil, fmt.Errorf("logits cover %d steps but hidden states cover %d", logitsShape[1], hiddenShape[1])
	}
	out := &seq2seqOutput{
		Logits:       logits,
		HiddenStates: hidden,
		Steps:        logitsShape[1],
		VocabSize:    logitsShape[2],
		Dimension:    hiddenShape[2],
	}
	if len(logits) != out.Steps*out.VocabSize || len(hidden) != out.Steps*out.Dimension {
		return nil, fmt.Errorf("output buffers do not match shapes %v and %v", logitsShape, hiddenShape)
	}
	return out, nil
}
