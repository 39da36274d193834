package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Brownie44l1/chest-cancer-api/internal/config"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testParams = `
augmentation: true
image_size: [224, 224, 3]
batch_size: 16
include_top: false
epochs: 2
classes: 2
weights: imagenet
learning_rate: 0.01
freeze_all: true
seed: 7
`

func testConfigYaml(root string) string {
	r := filepath.ToSlash(root)
	return strings.NewReplacer("ROOT", r).Replace(`
artifacts_root: ROOT/artifacts
data_ingestion:
  root_dir: ROOT/artifacts/data_ingestion
  source_url: file:///tmp/data.zip
  local_data_file: ROOT/artifacts/data_ingestion/data.zip
  unzip_dir: ROOT/artifacts/data_ingestion
  dataset_dir: Chest-CT-Scan-data
prepare_base_model:
  root_dir: ROOT/artifacts/prepare_base_model
  base_model_path: ROOT/artifacts/prepare_base_model/base_model.onnx
  updated_base_model_path: ROOT/artifacts/prepare_base_model/updated_base_model.safetensors
training:
  root_dir: ROOT/artifacts/training
  trained_model_path: ROOT/artifacts/training/model.safetensors
evaluation:
  scores_path: ROOT/out/scores.json
tracking:
  enabled: true
  uri: https://tracking.example.com
`)
}

func newManager(t *testing.T, cfgYaml, paramsYaml string) (*config.Manager, error) {
	t.Helper()
	m := &config.Manager{
		ConfigProvider: rawbytes.Provider([]byte(cfgYaml)),
		ParamsProvider: rawbytes.Provider([]byte(paramsYaml)),
	}
	return m, m.Load()
}

func TestLoad_StageConfigs(t *testing.T) {
	root := t.TempDir()
	m, err := newManager(t, testConfigYaml(root), testParams)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "artifacts"))
	require.NoError(t, err, "artifacts root should be created on load")

	ing, err := m.GetDataIngestionConfig()
	require.NoError(t, err)
	assert.Equal(t, "file:///tmp/data.zip", ing.SourceURL)
	assert.DirExists(t, ing.RootDir)

	prep, err := m.GetPrepareBaseModelConfig()
	require.NoError(t, err)
	assert.Equal(t, [3]int{224, 224, 3}, prep.ImageSize)
	assert.Equal(t, 2, prep.Classes)
	assert.True(t, prep.FreezeAll)
	assert.Equal(t, []string{"Adenocarcinoma Cancer", "Normal"}, prep.Labels)
	assert.Equal(t, int64(7), prep.Seed)
	assert.DirExists(t, prep.RootDir)

	tr, err := m.GetTrainingConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Epochs)
	assert.Equal(t, 16, tr.BatchSize)
	assert.True(t, tr.Augmentation)
	assert.Equal(t, "adam", tr.Optimizer, "optimizer defaults to adam")
	assert.InDelta(t, 0.2, tr.ValidationSplit, 1e-9, "validation split defaults to 0.2")
	assert.Equal(t, filepath.Join(root, "artifacts", "data_ingestion", "Chest-CT-Scan-data"), filepath.Clean(tr.TrainingData))
	assert.Equal(t, prep.UpdatedBaseModelPath, tr.UpdatedBaseModelPath)

	ev, err := m.GetEvaluationConfig()
	require.NoError(t, err)
	assert.Equal(t, tr.TrainedModelPath, ev.ModelPath)
	assert.DirExists(t, filepath.Join(root, "out"))
	assert.True(t, ev.Tracking.Enabled)
	assert.Equal(t, "VGG16Model", ev.Tracking.RegisteredModelName)
	assert.Equal(t, 2, toInt(ev.AllParams["epochs"]))
	assert.Equal(t, "imagenet", ev.AllParams["weights"])
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return -1
}

func TestLoad_DirectoryCreationIsIdempotent(t *testing.T) {
	root := t.TempDir()
	m, err := newManager(t, testConfigYaml(root), testParams)
	require.NoError(t, err)

	_, err = m.GetTrainingConfig()
	require.NoError(t, err)
	_, err = m.GetTrainingConfig()
	require.NoError(t, err)
}

func TestLoad_ServerDefaults(t *testing.T) {
	m, err := newManager(t, testConfigYaml(t.TempDir()), testParams)
	require.NoError(t, err)

	s := m.GetServerConfig()
	assert.Equal(t, "8080", s.Port)
	assert.Equal(t, []string{"chestctl", "all"}, s.TrainCommand)
	tr, err := m.GetTrainingConfig()
	require.NoError(t, err)
	assert.Equal(t, tr.TrainedModelPath, s.ModelPath)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CC_PARAMS__EPOCHS", "9")
	t.Setenv("CC_TRACKING__URI", "file:./elsewhere")

	m, err := newManager(t, testConfigYaml(t.TempDir()), testParams)
	require.NoError(t, err)

	tr, err := m.GetTrainingConfig()
	require.NoError(t, err)
	assert.Equal(t, 9, tr.Epochs)

	ev, err := m.GetEvaluationConfig()
	require.NoError(t, err)
	assert.Equal(t, "file:./elsewhere", ev.Tracking.URI)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"two channels":   strings.Replace(testParams, "[224, 224, 3]", "[224, 224, 2]", 1),
		"zero batch":     strings.Replace(testParams, "batch_size: 16", "batch_size: 0", 1),
		"bad optimizer":  testParams + "optimizer: rmsprop\n",
		"split too big":  testParams + "validation_split: 1.5\n",
		"zero split":     testParams + "validation_split: 0\n",
		"label mismatch": strings.Replace(testParams, "classes: 2", "classes: 3", 1),
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newManager(t, testConfigYaml(t.TempDir()), params)
			require.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestLoad_MalformedYaml(t *testing.T) {
	_, err := newManager(t, "artifacts_root: [unterminated", testParams)
	require.Error(t, err)
	assert.NotErrorIs(t, err, config.ErrInvalidConfig)
}

func TestNewManager_MissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := config.NewManager(filepath.Join(dir, "nope.yaml"), filepath.Join(dir, "params.yaml"))
	require.Error(t, err)
}

func TestNewManager_Files(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	paramsPath := filepath.Join(dir, "params.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfigYaml(dir)), 0o644))
	require.NoError(t, os.WriteFile(paramsPath, []byte(testParams), 0o644))

	m, err := config.NewManager(cfgPath, paramsPath)
	require.NoError(t, err)
	assert.Equal(t, [3]int{224, 224, 3}, m.ImageSize())
}

func TestNewManager_PathEnvIsNotAKey(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	paramsPath := filepath.Join(dir, "params.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfigYaml(dir)), 0o644))
	require.NoError(t, os.WriteFile(paramsPath, []byte(testParams), 0o644))

	t.Setenv(config.ConfigPathEnv, cfgPath)
	t.Setenv(config.ParamsPathEnv, paramsPath)
	gotCfg, gotParams := config.Paths()
	assert.Equal(t, cfgPath, gotCfg)
	assert.Equal(t, paramsPath, gotParams)

	// A bare CC_PARAMS must not replace the params section.
	t.Setenv("CC_PARAMS", paramsPath)
	m, err := config.NewManager(config.Paths())
	require.NoError(t, err)
	tr, err := m.GetTrainingConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Epochs)
}

func TestPaths_Defaults(t *testing.T) {
	t.Setenv(config.ConfigPathEnv, "")
	t.Setenv(config.ParamsPathEnv, "")
	cfgPath, paramsPath := config.Paths()
	assert.Equal(t, "config/config.yaml", cfgPath)
	assert.Equal(t, "config/params.yaml", paramsPath)
}
