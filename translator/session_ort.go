//go:build ORT || ALL

package translator

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/knnmt/options"
)

type ortSession struct {
	session        *ort.DynamicAdvancedSession
	sessionOptions *ort.SessionOptions
}

// createORTSession starts the onnxruntime environment, unless another component already did, and
// loads the translator graph. The environment outlives the session: it is torn down by opts.Destroy.
func createORTSession(onnxBytes []byte, opts *options.Options) (*ortSession, error) {
	s := &ortSession{}
	if !ort.IsInitialized() {
		if p := opts.ORTOptions.LibraryPath; p != nil {
			ort.SetSharedLibraryPath(*p)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, err
		}
		opts.OnDestroy(ort.DestroyEnvironment)
		var telemetryErr error
		if t := opts.ORTOptions.Telemetry; t != nil && *t {
			telemetryErr = ort.EnableTelemetry()
		} else {
			telemetryErr = ort.DisableTelemetry()
		}
		if telemetryErr != nil {
			return nil, errors.Join(telemetryErr, s.Destroy())
		}
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Join(err, s.Destroy())
	}
	s.sessionOptions = sessionOptions
	if err := applySessionOptions(sessionOptions, opts.ORTOptions); err != nil {
		return nil, errors.Join(err, s.Destroy())
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		onnxBytes,
		[]string{inputIDsName, decoderInputIDsName},
		[]string{logitsName, hiddenStatesName},
		sessionOptions,
	)
	if err != nil {
		return nil, errors.Join(err, s.Destroy())
	}
	s.session = session
	return s, nil
}

func applySessionOptions(sessionOptions *ort.SessionOptions, o *options.OrtOptions) error {
	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return err
		}
	}
	if o.CudaOptions != nil {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer cudaOptions.Destroy()
		if len(o.CudaOptions) > 0 {
			if err := cudaOptions.Update(o.CudaOptions); err != nil {
				return err
			}
		}
		if err := sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return err
		}
	}
	return nil
}

func (s *ortSession) Run(inputIDs, decoderInputIDs []int64) (out *seq2seqOutput, err error) {
	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(inputIDs))), inputIDs)
	if err != nil {
		return nil, err
	}
	decoderTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(decoderInputIDs))), decoderInputIDs)
	if err != nil {
		return nil, errors.Join(err, inputTensor.Destroy())
	}
	outputs := make([]ort.Value, 2)
	defer func() {
		err = errors.Join(err, inputTensor.Destroy(), decoderTensor.Destroy())
		for _, o := range outputs {
			if o != nil {
				err = errors.Join(err, o.Destroy())
			}
		}
		if err != nil {
			out = nil
		}
	}()

	if err = s.session.Run([]ort.Value{inputTensor, decoderTensor}, outputs); err != nil {
		return nil, err
	}
	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output %s is not a float32 tensor", logitsName)
	}
	hidden, ok := outputs[1].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output %s is not a float32 tensor", hiddenStatesName)
	}
	// copy out of ort owned memory before the deferred destroy
	logitsData := append([]float32(nil), logits.GetData()...)
	hiddenData := append([]float32(nil), hidden.GetData()...)
	return newOutput(logitsData, shapeToInts(logits.GetShape()), hiddenData, shapeToInts(hidden.GetShape()))
}

func shapeToInts(shape ort.Shape) []int {
	out := make([]int, len(shape))
	for i, v := range shape {
		out[i] = int(v)
	}
	return out
}

func (s *ortSession) Destroy() error {
	var err error
	if s.session != nil {
		err = errors.Join(err, s.session.Destroy())
		s.session = nil
	}
	if s.sessionOptions != nil {
		err = errors.Join(err, s.sessionOptions.Destroy())
		s.sessionOptions = nil
	}
	return err
}
