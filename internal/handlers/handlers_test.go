package handlers_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Brownie44l1/chest-cancer-api/internal/handlers"
	"github.com/Brownie44l1/chest-cancer-api/internal/model"
	"github.com/Brownie44l1/chest-cancer-api/internal/model/modeltest"
	"github.com/Brownie44l1/chest-cancer-api/internal/testutils"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var labels = []string{"Adenocarcinoma Cancer", "Normal"}

type fakeTrainer struct {
	err     error
	started chan struct{}
	release chan struct{}
	ctxErr  error
}

func (f *fakeTrainer) Train(ctx context.Context) error {
	f.ctxErr = ctx.Err()
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	return f.err
}

type testServer struct {
	e       *echo.Echo
	metrics *handlers.Metrics
	service *handlers.ModelService
}

// writeModel saves a head that maps red images to class 0 and blue images
// to class 1 on top of the per-channel mean backbone.
func writeModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	backbone := filepath.Join(dir, "base_model.onnx")
	require.NoError(t, os.WriteFile(backbone, []byte("onnx"), 0o644))

	art := &model.Artifact{
		Head: &model.Head{
			Weights: []float32{10, 0, -10, -10, 0, 10},
			Bias:    []float32{0, 0},
			Classes: 2,
			Dim:     3,
		},
		Metadata: model.Metadata{
			Backbone:  backbone,
			ImageSize: [3]int{8, 8, 3},
			Classes:   []string{"adenocarcinoma", "normal"},
			Labels:    labels,
			FreezeAll: true,
			Stage:     "trained",
		},
	}
	path := filepath.Join(dir, "model.safetensors")
	require.NoError(t, art.Save(path))
	return path
}

func newTestServer(t *testing.T, trainer handlers.Trainer, loaded bool) *testServer {
	t.Helper()
	service := handlers.NewModelService(writeModel(t), modeltest.Opener(8, 8))
	if loaded {
		require.NoError(t, service.Reload())
	}
	t.Cleanup(func() { service.Close() })

	reg := prometheus.NewRegistry()
	metrics := handlers.NewMetrics(reg)

	e := echo.New()
	e.HTTPErrorHandler = handlers.ErrorHandler
	handlers.NewHandler(service, trainer, metrics, reg).Register(e)
	return &testServer{e: e, metrics: metrics, service: service}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jsonRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func decodePrediction(t *testing.T, rec *httptest.ResponseRecorder) model.PredictionResponse {
	t.Helper()
	var resp model.PredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeTrainer{}, true)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestHome(t *testing.T) {
	s := newTestServer(t, &fakeTrainer{}, true)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/html")
	assert.Contains(t, rec.Body.String(), "<html")
}

func TestPredict_Base64(t *testing.T) {
	s := newTestServer(t, &fakeTrainer{}, true)

	body, err := json.Marshal(model.PredictionRequest{Image: base64.StdEncoding.EncodeToString(pngBytes(t, testutils.ClassColor(0)))})
	require.NoError(t, err)
	rec := s.do(jsonRequest(string(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodePrediction(t, rec)
	assert.Equal(t, "Adenocarcinoma Cancer", resp.Label)
	assert.GreaterOrEqual(t, resp.Confidence, 50.0)
	assert.LessOrEqual(t, resp.Confidence, 100.0)
	assert.InDelta(t, 1.0, resp.Probabilities["Adenocarcinoma Cancer"]+resp.Probabilities["Normal"], 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Predictions.WithLabelValues("Adenocarcinoma Cancer")))

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t, testutils.ClassColor(1)))
	body, err = json.Marshal(model.PredictionRequest{Image: dataURL})
	require.NoError(t, err)
	rec = s.do(jsonRequest(string(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Normal", decodePrediction(t, rec).Label)
}

func TestPredict_BadInput(t *testing.T) {
	s := newTestServer(t, &fakeTrainer{}, true)
	notImage := base64.StdEncoding.EncodeToString([]byte("definitely not an image"))

	for name, body := range map[string]string{
		"missing image": `{}`,
		"empty image":   `{"image": ""}`,
		"bad base64":    `{"image": "%%%not-base64%%%"}`,
		"not an image":  `{"image": "` + notImage + `"}`,
		"invalid json":  `{"image":`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := s.do(jsonRequest(body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var msg map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
			assert.NotEmpty(t, msg["message"])
		})
	}
}

func TestPredict_ModelNotLoaded(t *testing.T) {
	s := newTestServer(t, &fakeTrainer{}, false)
	body, err := json.Marshal(model.PredictionRequest{Image: base64.StdEncoding.EncodeToString(pngBytes(t, color.White))})
	require.NoError(t, err)
	rec := s.do(jsonRequest(string(body)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPredictFromImage(t *testing.T) {
	s := newTestServer(t, &fakeTrainer{}, true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "scan.png")
	require.NoError(t, err)
	_, err = fw.Write(pngBytes(t, testutils.ClassColor(1)))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict/image", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Normal", decodePrediction(t, rec).Label)
}

func TestPredictFromImage_NoFile(t *testing.T) {
	s := newTestServer(t, &fakeTrainer{}, true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict/image", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, s.do(req).Code)
}

func TestTrain_Success(t *testing.T) {
	s := newTestServer(t, &fakeTrainer{}, false)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/train", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Training done successfully!", rec.Body.String())
	assert.True(t, s.service.Loaded())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.TrainingRuns.WithLabelValues("success")))
}

func TestTrain_OutlivesClient(t *testing.T) {
	trainer := &fakeTrainer{}
	s := newTestServer(t, trainer, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/train", nil).WithContext(ctx)
	require.Equal(t, http.StatusOK, s.do(req).Code)
	assert.NoError(t, trainer.ctxErr)
}

func TestTrain_Failure(t *testing.T) {
	s := newTestServer(t, &fakeTrainer{err: errors.New("exit status 1")}, true)

	rec := s.do(httptest.NewRequest(http.MethodPost, "/train", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "training failed")
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.TrainingRuns.WithLabelValues("failure")))
}

func TestTrain_Busy(t *testing.T) {
	trainer := &fakeTrainer{started: make(chan struct{}), release: make(chan struct{})}
	s := newTestServer(t, trainer, true)

	done := make(chan int)
	go func() {
		done <- s.do(httptest.NewRequest(http.MethodPost, "/train", nil)).Code
	}()
	<-trainer.started

	assert.Equal(t, http.StatusConflict, s.do(httptest.NewRequest(http.MethodPost, "/train", nil)).Code)
	close(trainer.release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeTrainer{}, true)
	s.metrics.Predictions.WithLabelValues("Normal").Inc()

	rec := s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `chest_cancer_predictions_total{label="Normal"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, &fakeTrainer{}, true)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"message":"Not Found"}`, rec.Body.String())
}
