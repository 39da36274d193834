package tracking

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// runStatusFinished is MLflow's RunStatus.FINISHED.
const runStatusFinished = 3

type experimentMeta struct {
	ArtifactLocation string `yaml:"artifact_location"`
	CreationTime     int64  `yaml:"creation_time"`
	ExperimentID     string `yaml:"experiment_id"`
	LastUpdateTime   int64  `yaml:"last_update_time"`
	LifecycleStage   string `yaml:"lifecycle_stage"`
	Name             string `yaml:"name"`
}

type runMeta struct {
	ArtifactURI    string `yaml:"artifact_uri"`
	EndTime        int64  `yaml:"end_time"`
	EntryPointName string `yaml:"entry_point_name"`
	ExperimentID   string `yaml:"experiment_id"`
	LifecycleStage string `yaml:"lifecycle_stage"`
	RunID          string `yaml:"run_id"`
	RunName        string `yaml:"run_name"`
	RunUUID        string `yaml:"run_uuid"`
	SourceName     string `yaml:"source_name"`
	SourceType     int    `yaml:"source_type"`
	SourceVersion  string `yaml:"source_version"`
	StartTime      int64  `yaml:"start_time"`
	Status         int    `yaml:"status"`
	Tags           []any  `yaml:"tags"`
	UserID         string `yaml:"user_id"`
}

// FileStore writes runs in the MLflow file store layout under Root.
type FileStore struct {
	Root           string
	ExperimentName string
	RunName        string
}

func NewFileStore(root, experimentName, runName string) *FileStore {
	return &FileStore{Root: root, ExperimentName: experimentName, RunName: runName}
}

func writeYAML(path string, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// experimentID finds the experiment by name or creates it with the next
// free integer ID.
func (s *FileStore) experimentID() (string, error) {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return "", err
	}
	next := 1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.Root, e.Name(), "meta.yaml"))
		if err != nil {
			continue
		}
		var meta experimentMeta
		if err := yaml.Unmarshal(b, &meta); err != nil {
			continue
		}
		if meta.Name == s.ExperimentName && meta.LifecycleStage != "deleted" {
			return meta.ExperimentID, nil
		}
		if n, err := strconv.Atoi(meta.ExperimentID); err == nil && n >= next {
			next = n + 1
		}
	}

	id := strconv.Itoa(next)
	dir := filepath.Join(s.Root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	now := nowMillis()
	err = writeYAML(filepath.Join(dir, "meta.yaml"), experimentMeta{
		ArtifactLocation: "file://" + filepath.ToSlash(abs),
		CreationTime:     now,
		ExperimentID:     id,
		LastUpdateTime:   now,
		LifecycleStage:   "active",
		Name:             s.ExperimentName,
	})
	return id, err
}

// LogRun writes params, metrics and model files for one run. Models are
// never registered in the file store.
func (s *FileStore) LogRun(ctx context.Context, rec RunRecord) (string, error) {
	expID, err := s.experimentID()
	if err != nil {
		return "", fmt.Errorf("tracking: failed to resolve experiment: %w", err)
	}

	runID := strings.ReplaceAll(uuid.NewString(), "-", "")
	runDir := filepath.Join(s.Root, expID, runID)
	for _, sub := range []string{"params", "metrics", "tags", filepath.Join("artifacts", "model")} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return "", fmt.Errorf("tracking: %w", err)
		}
	}
	abs, err := filepath.Abs(runDir)
	if err != nil {
		return "", fmt.Errorf("tracking: %w", err)
	}

	start := nowMillis()
	for _, k := range sortedKeys(rec.Params) {
		if err := os.WriteFile(filepath.Join(runDir, "params", k), []byte(rec.Params[k]), 0o644); err != nil {
			return "", fmt.Errorf("tracking: failed to log param %s: %w", k, err)
		}
	}
	for _, k := range sortedKeys(rec.Metrics) {
		line := fmt.Sprintf("%d %s 0\n", start, strconv.FormatFloat(rec.Metrics[k], 'g', -1, 64))
		if err := os.WriteFile(filepath.Join(runDir, "metrics", k), []byte(line), 0o644); err != nil {
			return "", fmt.Errorf("tracking: failed to log metric %s: %w", k, err)
		}
	}
	if err := os.WriteFile(filepath.Join(runDir, "tags", "mlflow.runName"), []byte(s.RunName), 0o644); err != nil {
		return "", fmt.Errorf("tracking: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	modelDir := filepath.Join(runDir, "artifacts", "model")
	for _, f := range rec.ModelFiles {
		if err := copyFile(f, filepath.Join(modelDir, filepath.Base(f))); err != nil {
			return "", fmt.Errorf("tracking: failed to log model file %s: %w", f, err)
		}
	}
	mlmodel, err := mlModelYAML(runID, rec.ModelFiles, rec.ModelMeta)
	if err != nil {
		return "", fmt.Errorf("tracking: %w", err)
	}
	if err := os.WriteFile(filepath.Join(modelDir, "MLmodel"), mlmodel, 0o644); err != nil {
		return "", fmt.Errorf("tracking: %w", err)
	}

	err = writeYAML(filepath.Join(runDir, "meta.yaml"), runMeta{
		ArtifactURI:    "file://" + filepath.ToSlash(filepath.Join(abs, "artifacts")),
		EndTime:        nowMillis(),
		ExperimentID:   expID,
		LifecycleStage: "active",
		RunID:          runID,
		RunName:        s.RunName,
		RunUUID:        runID,
		SourceType:     4,
		StartTime:      start,
		Status:         runStatusFinished,
		Tags:           []any{},
		UserID:         currentUser(),
	})
	if err != nil {
		return "", fmt.Errorf("tracking: %w", err)
	}

	slog.Info("run logged to local file store", "root", s.Root, "experiment_id", expID, "run_id", runID)
	return runID, nil
}

func currentUser() string {
	for _, k := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "unknown"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
