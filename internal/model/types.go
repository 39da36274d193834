package model

// Metadata describes a saved model artifact. It is stored in the
// safetensors __metadata__ block next to the head weights.
type Metadata struct {
	// Backbone is the path of the ONNX feature extractor.
	Backbone   string   `json:"backbone"`
	ImageSize  [3]int   `json:"image_size"`
	Classes    []string `json:"classes"`
	Labels     []string `json:"labels"`
	Weights    string   `json:"weights"`
	FreezeAll  bool     `json:"freeze_all"`
	FreezeTill int      `json:"freeze_till"`
	Stage      string   `json:"stage"`
}

type PredictionRequest struct {
	Image string `json:"image"`
}

type PredictionResponse struct {
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// Prediction is the result of classifying one image. Confidence is in [0, 100].
type Prediction struct {
	Index         int
	Label         string
	Confidence    float64
	Probabilities []float64
}

// Response converts p into the JSON shape served over HTTP.
func (p Prediction) Response(labels []string) PredictionResponse {
	probs := make(map[string]float64, len(p.Probabilities))
	for i, v := range p.Probabilities {
		if i < len(labels) {
			probs[labels[i]] = v
		}
	}
	return PredictionResponse{
		Label:         p.Label,
		Confidence:    p.Confidence,
		Probabilities: probs,
	}
}
