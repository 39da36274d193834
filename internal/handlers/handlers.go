package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/chest-cancer-api/internal/imaging"
	"github.com/Brownie44l1/chest-cancer-api/internal/model"
	"github.com/Brownie44l1/chest-cancer-api/web"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxUploadBytes = 10 << 20

var (
	ErrImageRequired = echo.NewHTTPError(http.StatusBadRequest, "image is required")
	ErrInvalidBase64 = echo.NewHTTPError(http.StatusBadRequest, "image is not valid base64")
	ErrInvalidImage  = echo.NewHTTPError(http.StatusBadRequest, "invalid image format; supported: JPEG, PNG, GIF, BMP, TIFF, WebP")
	ErrNoUpload      = echo.NewHTTPError(http.StatusBadRequest, "no image file provided; use 'image' as the form field name")
	ErrTrainingBusy  = echo.NewHTTPError(http.StatusConflict, "training is already running")
	ErrNotReady      = echo.NewHTTPError(http.StatusServiceUnavailable, "model is not loaded; run /train first")
)

type Handler struct {
	service  *ModelService
	trainer  Trainer
	metrics  *Metrics
	gatherer prometheus.Gatherer
	training atomic.Bool
}

func NewHandler(service *ModelService, trainer Trainer, metrics *Metrics, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		service:  service,
		trainer:  trainer,
		metrics:  metrics,
		gatherer: gatherer,
	}
}

// Register mounts every route on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/", h.Home)
	e.GET("/health", h.Health)
	e.GET("/train", h.Train)
	e.POST("/train", h.Train)
	e.POST("/predict", h.Predict)
	e.POST("/predict/image", h.PredictFromImage)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
}

func (h *Handler) Home(c echo.Context) error {
	return c.HTMLBlob(http.StatusOK, web.Index)
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// Train runs the training pipeline and reloads the served model. Only one
// run may be in progress. The run is not canceled when the client goes away.
func (h *Handler) Train(c echo.Context) error {
	if !h.training.CompareAndSwap(false, true) {
		return ErrTrainingBusy
	}
	defer h.training.Store(false)

	start := time.Now()
	slog.Info("training started from API")
	if err := h.trainer.Train(context.WithoutCancel(c.Request().Context())); err != nil {
		h.metrics.TrainingRuns.WithLabelValues("failure").Inc()
		return echo.NewHTTPError(http.StatusInternalServerError, "training failed: "+err.Error()).SetInternal(err)
	}
	if err := h.service.Reload(); err != nil {
		h.metrics.TrainingRuns.WithLabelValues("failure").Inc()
		return echo.NewHTTPError(http.StatusInternalServerError, "training finished but the model could not be loaded: "+err.Error()).SetInternal(err)
	}
	h.metrics.TrainingRuns.WithLabelValues("success").Inc()
	slog.Info("training finished", "elapsed", time.Since(start).Round(time.Second))
	return c.String(http.StatusOK, "Training done successfully!")
}

// Predict classifies a base64-encoded image sent as {"image": "..."}.
func (h *Handler) Predict(c echo.Context) error {
	var req model.PredictionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON").SetInternal(err)
	}
	if req.Image == "" {
		return ErrImageRequired
	}
	data, err := decodeBase64(req.Image)
	if err != nil {
		return ErrInvalidBase64
	}
	return h.classify(c, bytes.NewReader(data))
}

// PredictFromImage classifies a multipart upload in the "image" field.
func (h *Handler) PredictFromImage(c echo.Context) error {
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxUploadBytes)
	file, err := c.FormFile("image")
	if err != nil {
		return ErrNoUpload
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read upload").SetInternal(err)
	}
	defer src.Close()

	slog.Debug("received file", "name", file.Filename, "bytes", file.Size)
	return h.classify(c, src)
}

func (h *Handler) classify(c echo.Context, r io.Reader) error {
	start := time.Now()
	img, format, err := imaging.Decode(r)
	if err != nil {
		return ErrInvalidImage
	}
	slog.Debug("decoded image", "format", format, "bounds", img.Bounds().Size())

	resp, err := h.service.Predict(img)
	if err != nil {
		if errors.Is(err, ErrModelNotLoaded) {
			return ErrNotReady
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "prediction failed").SetInternal(err)
	}
	h.metrics.PredictionLatency.Observe(time.Since(start).Seconds())
	h.metrics.Predictions.WithLabelValues(resp.Label).Inc()
	return c.JSON(http.StatusOK, resp)
}

// decodeBase64 accepts standard or URL-safe base64, padded or not, with an
// optional data URL prefix.
func decodeBase64(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	s = strings.TrimSpace(s)
	var firstErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
