package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/chest-cancer-api/internal/config"
)

// APIError is a non-2xx response from the tracking server.
type APIError struct {
	Status    int
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracking server returned %d %s: %s", e.Status, e.ErrorCode, e.Message)
}

func isCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == code
}

// RESTClient logs runs through the MLflow REST API and registers the model.
type RESTClient struct {
	cfg    config.TrackingConfig
	base   string
	client *http.Client
}

func NewRESTClient(cfg config.TrackingConfig, client *http.Client) *RESTClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &RESTClient{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.URI, "/"),
		client: client,
	}
}

func (c *RESTClient) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+endpoint, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	switch {
	case c.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return fmt.Errorf("%s %s: %w", method, endpoint, apiErr)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: failed to decode response: %w", method, endpoint, err)
		}
	}
	return nil
}

func (c *RESTClient) postJSON(ctx context.Context, endpoint string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(b), "application/json", out)
}

func (c *RESTClient) experimentID(ctx context.Context) (string, error) {
	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	q := url.Values{"experiment_name": {c.cfg.ExperimentName}}
	err := c.do(ctx, http.MethodGet, "/api/2.0/mlflow/experiments/get-by-name?"+q.Encode(), nil, "", &got)
	if err == nil {
		return got.Experiment.ExperimentID, nil
	}
	if !isCode(err, "RESOURCE_DOES_NOT_EXIST") {
		return "", err
	}

	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.postJSON(ctx, "/api/2.0/mlflow/experiments/create", map[string]string{"name": c.cfg.ExperimentName}, &created); err != nil {
		return "", err
	}
	return created.ExperimentID, nil
}

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// LogRun creates a run, logs params, metrics and model files, registers
// the model and marks the run finished. A failure after the run exists
// marks it FAILED.
func (c *RESTClient) LogRun(ctx context.Context, rec RunRecord) (string, error) {
	expID, err := c.experimentID(ctx)
	if err != nil {
		return "", fmt.Errorf("tracking: failed to resolve experiment: %w", err)
	}

	var created struct {
		Run struct {
			Info struct {
				RunID       string `json:"run_id"`
				ArtifactURI string `json:"artifact_uri"`
			} `json:"info"`
		} `json:"run"`
	}
	err = c.postJSON(ctx, "/api/2.0/mlflow/runs/create", map[string]any{
		"experiment_id": expID,
		"run_name":      c.cfg.RunName,
		"start_time":    nowMillis(),
		"tags":          []keyValue{{Key: "mlflow.runName", Value: c.cfg.RunName}},
	}, &created)
	if err != nil {
		return "", fmt.Errorf("tracking: failed to create run: %w", err)
	}
	info := created.Run.Info

	if err := c.logRun(ctx, expID, info.RunID, info.ArtifactURI, rec); err != nil {
		if uerr := c.finish(context.WithoutCancel(ctx), info.RunID, "FAILED"); uerr != nil {
			slog.Warn("failed to mark run as failed", "run_id", info.RunID, "error", uerr)
		}
		return "", fmt.Errorf("tracking: run %s: %w", info.RunID, err)
	}
	if err := c.finish(ctx, info.RunID, "FINISHED"); err != nil {
		return "", fmt.Errorf("tracking: run %s: %w", info.RunID, err)
	}
	slog.Info("run logged to tracking server", "uri", c.base, "experiment_id", expID, "run_id", info.RunID)
	return info.RunID, nil
}

func (c *RESTClient) logRun(ctx context.Context, expID, runID, artifactURI string, rec RunRecord) error {
	batch := struct {
		RunID   string     `json:"run_id"`
		Params  []keyValue `json:"params"`
		Metrics []metric   `json:"metrics"`
	}{RunID: runID}
	for _, k := range sortedKeys(rec.Params) {
		batch.Params = append(batch.Params, keyValue{Key: k, Value: rec.Params[k]})
	}
	ts := nowMillis()
	for _, k := range sortedKeys(rec.Metrics) {
		batch.Metrics = append(batch.Metrics, metric{Key: k, Value: rec.Metrics[k], Timestamp: ts})
	}
	if err := c.postJSON(ctx, "/api/2.0/mlflow/runs/log-batch", batch, nil); err != nil {
		return fmt.Errorf("failed to log params and metrics: %w", err)
	}

	root := artifactRoot(artifactURI, expID, runID)
	for _, f := range rec.ModelFiles {
		if err := c.uploadFile(ctx, path.Join(root, "model", filepath.Base(f)), f); err != nil {
			return fmt.Errorf("failed to upload %s: %w", f, err)
		}
	}
	mlmodel, err := mlModelYAML(runID, rec.ModelFiles, rec.ModelMeta)
	if err != nil {
		return err
	}
	if err := c.upload(ctx, path.Join(root, "model", "MLmodel"), bytes.NewReader(mlmodel)); err != nil {
		return fmt.Errorf("failed to upload MLmodel: %w", err)
	}

	return c.register(ctx, runID, strings.TrimRight(artifactURI, "/")+"/model")
}

// artifactRoot maps a run's artifact URI onto the proxied artifact API path.
func artifactRoot(artifactURI, expID, runID string) string {
	if rest, ok := strings.CutPrefix(artifactURI, "mlflow-artifacts:"); ok {
		if u, err := url.Parse(artifactURI); err == nil && u.Host != "" {
			rest = u.Path
		}
		return strings.Trim(rest, "/")
	}
	return path.Join(expID, runID, "artifacts")
}

func (c *RESTClient) uploadFile(ctx context.Context, artifactPath, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.upload(ctx, artifactPath, f)
}

func (c *RESTClient) upload(ctx context.Context, artifactPath string, body io.Reader) error {
	return c.do(ctx, http.MethodPut, "/api/2.0/mlflow-artifacts/artifacts/"+artifactPath, body, "application/octet-stream", nil)
}

func (c *RESTClient) register(ctx context.Context, runID, source string) error {
	name := c.cfg.RegisteredModelName
	err := c.postJSON(ctx, "/api/2.0/mlflow/registered-models/create", map[string]string{"name": name}, nil)
	if err != nil && !isCode(err, "RESOURCE_ALREADY_EXISTS") {
		return fmt.Errorf("failed to register model %s: %w", name, err)
	}
	var version struct {
		ModelVersion struct {
			Version string `json:"version"`
		} `json:"model_version"`
	}
	err = c.postJSON(ctx, "/api/2.0/mlflow/model-versions/create", map[string]string{
		"name":   name,
		"source": source,
		"run_id": runID,
	}, &version)
	if err != nil {
		return fmt.Errorf("failed to create model version for %s: %w", name, err)
	}
	slog.Info("model registered", "name", name, "version", version.ModelVersion.Version)
	return nil
}

func (c *RESTClient) finish(ctx context.Context, runID, status string) error {
	return c.postJSON(ctx, "/api/2.0/mlflow/runs/update", map[string]any{
		"run_id":   runID,
		"status":   status,
		"end_time": nowMillis(),
	}, nil)
}
