package model

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Brownie44l1/chest-cancer-api/internal/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

// ortEnv manages global ONNX Runtime initialization (process-wide singleton).
var ortEnv struct {
	once sync.Once
	err  error
}

// InitRuntime initializes the ONNX Runtime environment. An empty libPath
// leaves the library lookup to onnxruntime_go's default. Only the first
// call has any effect.
func InitRuntime(libPath string) error {
	ortEnv.once.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// ShutdownRuntime releases the ONNX Runtime environment. Call it once at
// process exit after every backbone is closed.
func ShutdownRuntime() {
	if ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Warn("onnx: failed to destroy environment", "error", err)
		}
	}
}

// ONNXOptions configures ONNX backbones.
type ONNXOptions struct {
	LibraryPath    string
	IntraOpThreads int
}

// ONNXOpener returns a BackboneOpener bound to opts.
func ONNXOpener(opts ONNXOptions) BackboneOpener {
	return func(path string) (Backbone, error) {
		return OpenONNXBackbone(path, opts)
	}
}

// ONNXBackbone runs a convolutional feature extractor exported to ONNX with
// an NHWC float32 input of shape [N, H, W, 3].
type ONNXBackbone struct {
	session     *ort.DynamicAdvancedSession
	inputName   string
	outputName  string
	height      int64
	width       int64
	outputShape []int64 // without batch dimension
	featureDim  int
}

// OpenONNXBackbone loads the model and validates its input/output shapes.
func OpenONNXBackbone(modelPath string, opts ONNXOptions) (*ONNXBackbone, error) {
	if err := InitRuntime(opts.LibraryPath); err != nil {
		return nil, fmt.Errorf("onnx: failed to initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("onnx: expected one input and at least one output, got %d and %d: %w",
			len(inputs), len(outputs), ErrShapeMismatch)
	}

	in := inputs[0].Dimensions
	if len(in) != 4 || in[3] != imaging.Channels {
		return nil, fmt.Errorf("onnx: expected [N,H,W,3] input, got %v: %w", in, ErrShapeMismatch)
	}

	out := outputs[0].Dimensions
	if len(out) < 2 {
		return nil, fmt.Errorf("onnx: expected batched output, got %v: %w", out, ErrShapeMismatch)
	}
	featureDim := int64(1)
	for _, d := range out[1:] {
		if d <= 0 {
			return nil, fmt.Errorf("onnx: output shape %v has dynamic feature dimensions: %w", out, ErrShapeMismatch)
		}
		featureDim *= d
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session options: %w", err)
	}
	defer sessOpts.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("onnx: failed to set threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, sessOpts)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session: %w", err)
	}

	return &ONNXBackbone{
		session:     session,
		inputName:   inputs[0].Name,
		outputName:  outputs[0].Name,
		height:      in[1],
		width:       in[2],
		outputShape: append([]int64(nil), out[1:]...),
		featureDim:  int(featureDim),
	}, nil
}

func (b *ONNXBackbone) FeatureDim() int {
	return b.featureDim
}

// InputSize returns the static input size, or zero for dynamic dimensions.
func (b *ONNXBackbone) InputSize() (int, int) {
	return int(max(b.height, 0)), int(max(b.width, 0))
}

func (b *ONNXBackbone) Features(batch imaging.Tensor) ([][]float32, error) {
	n, h, w := int64(batch.Shape[0]), int64(batch.Shape[1]), int64(batch.Shape[2])
	if (b.height > 0 && h != b.height) || (b.width > 0 && w != b.width) {
		return nil, fmt.Errorf("onnx: batch is %dx%d, model expects %dx%d: %w", h, w, b.height, b.width, ErrShapeMismatch)
	}

	input, err := ort.NewTensor(ort.NewShape(n, h, w, imaging.Channels), batch.Data)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outShape := append([]int64{n}, b.outputShape...)
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(outShape...))
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := b.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("onnx: inference failed: %w", err)
	}

	// Copy data out before tensor is destroyed.
	data := output.GetData()
	features := make([][]float32, n)
	for i := range features {
		features[i] = append([]float32(nil), data[i*b.featureDim:(i+1)*b.featureDim]...)
	}
	return features, nil
}

func (b *ONNXBackbone) Close() error {
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	return err
}
