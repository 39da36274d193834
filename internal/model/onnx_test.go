package model_test

import (
	"os"
	"testing"

	"github.com/Brownie44l1/chest-cancer-api/internal/imaging"
	"github.com/Brownie44l1/chest-cancer-api/internal/model"
)

const testBackbonePath = "../../models/base_model.onnx"

func skipIfNoBackbone(t *testing.T) {
	t.Helper()
	if _, err := os.Stat(testBackbonePath); os.IsNotExist(err) {
		t.Skip("ONNX backbone not found; run 'chestctl prepare' and copy base_model.onnx into models/")
	}
	if os.Getenv("ONNXRUNTIME_LIB") == "" {
		t.Skip("ONNXRUNTIME_LIB not set")
	}
}

func TestONNXBackbone_Features(t *testing.T) {
	skipIfNoBackbone(t)

	b, err := model.OpenONNXBackbone(testBackbonePath, model.ONNXOptions{
		LibraryPath:    os.Getenv("ONNXRUNTIME_LIB"),
		IntraOpThreads: 2,
	})
	if err != nil {
		t.Fatalf("failed to open backbone: %v", err)
	}
	defer b.Close()

	h, w := b.InputSize()
	if h == 0 {
		h, w = 224, 224
	}
	batch := imaging.Tensor{
		Data:  make([]float32, 2*h*w*3),
		Shape: [4]int{2, h, w, 3},
	}
	for i := range batch.Data {
		batch.Data[i] = float32(i%255) / 255
	}

	features, err := b.Features(batch)
	if err != nil {
		t.Fatalf("features failed: %v", err)
	}
	if len(features) != 2 {
		t.Fatalf("expected 2 feature vectors, got %d", len(features))
	}
	if len(features[0]) != b.FeatureDim() {
		t.Errorf("expected %d features, got %d", b.FeatureDim(), len(features[0]))
	}
}
