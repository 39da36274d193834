// Package tracking records evaluation runs in an MLflow-compatible
// experiment tracker: a local file store for file: URIs, the MLflow REST
// API otherwise.
package tracking

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Brownie44l1/chest-cancer-api/internal/config"
	"gopkg.in/yaml.v3"
)

// RunRecord is everything logged for one evaluation run.
type RunRecord struct {
	Params  map[string]string
	Metrics map[string]float64
	// ModelFiles are logged under the "model" artifact directory.
	ModelFiles []string
	ModelMeta  map[string]string
}

// Tracker logs a run and returns its ID.
type Tracker interface {
	LogRun(ctx context.Context, rec RunRecord) (string, error)
}

// New picks the tracker for cfg.URI. Models are registered under
// cfg.RegisteredModelName only on the remote tracker.
func New(cfg config.TrackingConfig, client *http.Client) (Tracker, error) {
	scheme := Scheme(cfg.URI)
	switch scheme {
	case "", "file":
		return NewFileStore(LocalPath(cfg.URI), cfg.ExperimentName, cfg.RunName), nil
	case "http", "https":
		return NewRESTClient(cfg, client), nil
	default:
		return nil, fmt.Errorf("tracking: unsupported tracking URI scheme %q", scheme)
	}
}

// Scheme returns the lower-cased URI scheme, or "" for a plain path.
func Scheme(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// LocalPath converts a file: URI ("file:./mlruns", "file:///abs") or plain
// path into a filesystem path.
func LocalPath(uri string) string {
	if uri == "" {
		return "mlruns"
	}
	if !strings.HasPrefix(uri, "file:") {
		return uri
	}
	p := strings.TrimPrefix(uri, "file:")
	if strings.HasPrefix(p, "//") {
		p = strings.TrimPrefix(p, "//")
	}
	return p
}

// StringParams renders arbitrary parameter values the way they appear in
// the tracker UI.
func StringParams(params map[string]any) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		switch t := v.(type) {
		case string:
			out[k] = t
		case []any, []int, map[string]any:
			b, err := yaml.Marshal(t)
			if err != nil {
				out[k] = fmt.Sprint(t)
				continue
			}
			out[k] = strings.TrimSpace(flowYAML(b))
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

// flowYAML collapses a block sequence ("- 224\n- 224\n- 3\n") to "[224, 224, 3]".
func flowYAML(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	items := make([]string, 0, len(lines))
	for _, l := range lines {
		if !strings.HasPrefix(l, "- ") {
			return string(b)
		}
		items = append(items, strings.TrimPrefix(l, "- "))
	}
	return "[" + strings.Join(items, ", ") + "]"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// mlModel is the descriptor written next to logged model files.
type mlModel struct {
	ArtifactPath   string                       `yaml:"artifact_path"`
	Flavors        map[string]map[string]string `yaml:"flavors"`
	RunID          string                       `yaml:"run_id"`
	UTCTimeCreated string                       `yaml:"utc_time_created"`
}

func mlModelYAML(runID string, files []string, meta map[string]string) ([]byte, error) {
	flavor := map[string]string{}
	for k, v := range meta {
		flavor[k] = v
	}
	for i, f := range files {
		flavor[fmt.Sprintf("file_%d", i)] = filepath.Base(f)
	}
	return yaml.Marshal(mlModel{
		ArtifactPath:   "model",
		Flavors:        map[string]map[string]string{"chest_cancer_head": flavor},
		RunID:          runID,
		UTCTimeCreated: time.Now().UTC().Format("2006-01-02 15:04:05.000000"),
	})
}
