package main

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Brownie44l1/chest-cancer-api/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testParams = `
augmentation: false
image_size: [224, 224, 3]
batch_size: 16
include_top: false
epochs: 1
classes: 2
weights: imagenet
learning_rate: 0.01
optimizer: adam
freeze_all: true
validation_split: 0.2
seed: 42
`

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func writeConfig(t *testing.T, dir, source string) (string, string) {
	t.Helper()
	root := filepath.ToSlash(dir)
	cfg := strings.NewReplacer("ROOT", root, "SOURCE", filepath.ToSlash(source)).Replace(`
artifacts_root: ROOT/artifacts
data_ingestion:
  root_dir: ROOT/artifacts/data_ingestion
  source_url: SOURCE
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
  scores_path: ROOT/scores.json
`)
	cfgPath := filepath.Join(dir, "config.yaml")
	paramsPath := filepath.Join(dir, "params.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	require.NoError(t, os.WriteFile(paramsPath, []byte(testParams), 0o644))
	return cfgPath, paramsPath
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := rootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"ingest", "prepare", "train", "evaluate", "all"}, names)
	for _, f := range []string{"config", "params", "log-level", "log-format"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(f), f)
	}
}

func TestRootCommand_PathsFromEnv(t *testing.T) {
	t.Setenv(config.ConfigPathEnv, "/etc/chest/config.yaml")
	t.Setenv(config.ParamsPathEnv, "/etc/chest/params.yaml")
	t.Setenv("CC_PARAMS", "/etc/chest/params.yaml")

	root := rootCommand()
	assert.Equal(t, "/etc/chest/config.yaml", root.PersistentFlags().Lookup("config").DefValue)
	assert.Equal(t, "/etc/chest/params.yaml", root.PersistentFlags().Lookup("params").DefValue)
}

func TestIngestCommand(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.zip")
	writeZip(t, src, map[string]string{
		"Chest-CT-Scan-data/normal/a.png":         "n",
		"Chest-CT-Scan-data/adenocarcinoma/b.png": "c",
	})
	cfgPath, paramsPath := writeConfig(t, dir, src)

	root := rootCommand()
	root.SetArgs([]string{"--config", cfgPath, "--params", paramsPath, "--log-level", "error", "ingest"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	assert.FileExists(t, filepath.Join(dir, "artifacts", "data_ingestion", "data.zip"))
	assert.FileExists(t, filepath.Join(dir, "artifacts", "data_ingestion", "Chest-CT-Scan-data", "normal", "a.png"))
}

func TestPrepareCommand_MissingBackbone(t *testing.T) {
	dir := t.TempDir()
	cfgPath, paramsPath := writeConfig(t, dir, "")

	root := rootCommand()
	root.SetArgs([]string{"--config", cfgPath, "--params", paramsPath, "--log-level", "error", "prepare"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage Prepare base model")
}

func TestRun_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath, paramsPath := writeConfig(t, dir, "")
	require.NoError(t, os.WriteFile(paramsPath, []byte("batch_size: 0\n"), 0o644))

	root := rootCommand()
	root.SetArgs([]string{"--config", cfgPath, "--params", paramsPath, "train"})
	require.ErrorIs(t, root.ExecuteContext(context.Background()), config.ErrInvalidConfig)
}
