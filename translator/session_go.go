package translator

import (
	"fmt"
	"slices"
	"sync"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

// goSession runs the graph with the pure go onnx interpreter. The interpreter is not safe for
// concurrent use, so runs are serialized.
type goSession struct {
	mu    sync.Mutex
	model *gonnx.Model
}

func createGoSession(onnxBytes []byte) (*goSession, error) {
	model, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, err
	}
	inputNames := model.InputNames()
	for _, name := range []string{inputIDsName, decoderInputIDsName} {
		if !slices.Contains(inputNames, name) {
			return nil, fmt.Errorf("translator graph has no %s input, found %v", name, inputNames)
		}
	}
	outputNames := model.OutputNames()
	for _, name := range []string{logitsName, hiddenStatesName} {
		if !slices.Contains(outputNames, name) {
			return nil, fmt.Errorf("translator graph has no %s output, found %v", name, outputNames)
		}
	}
	return &goSession{model: model}, nil
}

func (s *goSession) Run(inputIDs, decoderInputIDs []int64) (*seq2seqOutput, error) {
	inputs := map[string]tensor.Tensor{
		inputIDsName: tensor.New(
			tensor.Of(tensor.Int64),
			tensor.WithShape(1, len(inputIDs)),
			tensor.WithBacking(slices.Clone(inputIDs)),
		),
		decoderInputIDsName: tensor.New(
			tensor.Of(tensor.Int64),
			tensor.WithShape(1, len(decoderInputIDs)),
			tensor.WithBacking(slices.Clone(decoderInputIDs)),
		),
	}

	s.mu.Lock()
	outputs, err := s.model.Run(inputs)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	logits, logitsShape, err := float32Output(outputs, logitsName)
	if err != nil {
		return nil, err
	}
	hidden, hiddenShape, err := float32Output(outputs, hiddenStatesName)
	if err != nil {
		return nil, err
	}
	return newOutput(logits, logitsShape, hidden, hiddenShape)
}

func float32Output(outputs map[string]tensor.Tensor, name string) ([]float32, []int, error) {
	t, ok := outputs[name]
	if !ok {
		return nil, nil, fmt.Errorf("output %s missing from translator results", name)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, nil, fmt.Errorf("output %s has type %v, expected float32", name, t.Dtype())
	}
	return data, []int(t.Shape()), nil
}

func (s *goSession) Destroy() error {
	return nil
}
