package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

const (
	weightTensor = "dense.weight"
	biasTensor   = "dense.bias"
)

// Artifact is a dense head plus the metadata needed to rebuild the full model.
type Artifact struct {
	Head     *Head
	Metadata Metadata
}

type tensorInfo struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

func (m Metadata) strings() (map[string]string, error) {
	enc := func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	imageSize, err := enc(m.ImageSize)
	if err != nil {
		return nil, err
	}
	classes, err := enc(m.Classes)
	if err != nil {
		return nil, err
	}
	labels, err := enc(m.Labels)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"format":      "chest-cancer-head",
		"backbone":    m.Backbone,
		"image_size":  imageSize,
		"classes":     classes,
		"labels":      labels,
		"weights":     m.Weights,
		"freeze_all":  strconv.FormatBool(m.FreezeAll),
		"freeze_till": strconv.Itoa(m.FreezeTill),
		"stage":       m.Stage,
	}, nil
}

func metadataFromStrings(s map[string]string) (Metadata, error) {
	m := Metadata{
		Backbone: s["backbone"],
		Weights:  s["weights"],
		Stage:    s["stage"],
	}
	if err := json.Unmarshal([]byte(s["image_size"]), &m.ImageSize); err != nil {
		return Metadata{}, fmt.Errorf("image_size: %w", err)
	}
	if v := s["classes"]; v != "" {
		if err := json.Unmarshal([]byte(v), &m.Classes); err != nil {
			return Metadata{}, fmt.Errorf("classes: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(s["labels"]), &m.Labels); err != nil {
		return Metadata{}, fmt.Errorf("labels: %w", err)
	}
	var err error
	if v := s["freeze_all"]; v != "" {
		if m.FreezeAll, err = strconv.ParseBool(v); err != nil {
			return Metadata{}, fmt.Errorf("freeze_all: %w", err)
		}
	}
	if v := s["freeze_till"]; v != "" {
		if m.FreezeTill, err = strconv.Atoi(v); err != nil {
			return Metadata{}, fmt.Errorf("freeze_till: %w", err)
		}
	}
	return m, nil
}

// Encode serializes a into safetensors bytes. The output is a pure
// function of a: header keys are sorted and tensors are laid out in
// key order.
func (a *Artifact) Encode() ([]byte, error) {
	h := a.Head
	if len(h.Weights) != h.Classes*h.Dim || len(h.Bias) != h.Classes {
		return nil, fmt.Errorf("artifact: head tensors do not match %dx%d: %w", h.Classes, h.Dim, ErrShapeMismatch)
	}
	meta, err := a.Metadata.strings()
	if err != nil {
		return nil, fmt.Errorf("artifact: failed to encode metadata: %w", err)
	}

	biasBytes := len(h.Bias) * 4
	header := map[string]any{
		"__metadata__": meta,
		biasTensor: tensorInfo{
			Dtype:       "F32",
			Shape:       []int{h.Classes},
			DataOffsets: [2]int{0, biasBytes},
		},
		weightTensor: tensorInfo{
			Dtype:       "F32",
			Shape:       []int{h.Classes, h.Dim},
			DataOffsets: [2]int{biasBytes, biasBytes + len(h.Weights)*4},
		},
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("artifact: failed to encode header: %w", err)
	}
	// Pad the header with spaces so tensor data is 8-byte aligned.
	if pad := len(headerJSON) % 8; pad != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	var buf bytes.Buffer
	buf.Grow(8 + len(headerJSON) + biasBytes + len(h.Weights)*4)
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(headerJSON)))
	buf.Write(headerJSON)
	writeFloats(&buf, h.Bias)
	writeFloats(&buf, h.Weights)
	return buf.Bytes(), nil
}

func writeFloats(buf *bytes.Buffer, v []float32) {
	var b [4]byte
	for _, f := range v {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		buf.Write(b[:])
	}
}

// Save writes a to path, creating the parent directory. Any existing file
// is replaced.
func (a *Artifact) Save(path string) error {
	data, err := a.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	return nil
}

// LoadArtifact reads a safetensors file written by Save.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	return DecodeArtifact(data)
}

// DecodeArtifact parses safetensors bytes holding a dense head.
func DecodeArtifact(data []byte) (*Artifact, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("artifact: file too small: %d bytes", len(data))
	}

	// Parse safetensors header: 8-byte LE uint64 header length, then JSON.
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("artifact: header length %d exceeds file size", headerLen)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("artifact: failed to parse header: %w", err)
	}

	var metaStrings map[string]string
	if raw, ok := header["__metadata__"]; ok {
		if err := json.Unmarshal(raw, &metaStrings); err != nil {
			return nil, fmt.Errorf("artifact: failed to parse metadata: %w", err)
		}
	}
	meta, err := metadataFromStrings(metaStrings)
	if err != nil {
		return nil, fmt.Errorf("artifact: invalid metadata: %w", err)
	}

	body := data[8+headerLen:]
	weights, wShape, err := readTensor(header, weightTensor, body)
	if err != nil {
		return nil, err
	}
	bias, bShape, err := readTensor(header, biasTensor, body)
	if err != nil {
		return nil, err
	}
	if len(wShape) != 2 || len(bShape) != 1 || bShape[0] != wShape[0] {
		return nil, fmt.Errorf("artifact: weight shape %v and bias shape %v disagree: %w", wShape, bShape, ErrShapeMismatch)
	}

	return &Artifact{
		Head: &Head{
			Weights: weights,
			Bias:    bias,
			Classes: wShape[0],
			Dim:     wShape[1],
		},
		Metadata: meta,
	}, nil
}

func readTensor(header map[string]json.RawMessage, name string, body []byte) ([]float32, []int, error) {
	raw, ok := header[name]
	if !ok {
		return nil, nil, fmt.Errorf("artifact: tensor %q not found in header", name)
	}
	var info tensorInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, nil, fmt.Errorf("artifact: failed to parse %q metadata: %w", name, err)
	}
	if info.Dtype != "F32" {
		return nil, nil, fmt.Errorf("artifact: %q: expected dtype F32, got %s", name, info.Dtype)
	}

	n := 1
	for _, d := range info.Shape {
		if d < 0 || (d > 0 && n > len(body)/d) {
			return nil, nil, fmt.Errorf("artifact: %q: invalid shape %v: %w", name, info.Shape, ErrShapeMismatch)
		}
		n *= d
	}
	start, end := info.DataOffsets[0], info.DataOffsets[1]
	if start < 0 || start > end || end > len(body) || end-start != n*4 {
		return nil, nil, fmt.Errorf("artifact: %q: data range [%d:%d] does not fit shape %v: %w",
			name, start, end, info.Shape, ErrShapeMismatch)
	}

	// Reinterpret raw bytes as float32 slice.
	values := make([]float32, n)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[start+i*4:]))
	}
	return values, info.Shape, nil
}
