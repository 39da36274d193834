package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ErrInvalidConfig is returned (wrapped) when a loaded value fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix is the prefix of environment variables that override file values.
// A double underscore separates nesting levels: CC_PARAMS__EPOCHS -> params.epochs.
const EnvPrefix = "CC_"

// Environment variables that locate config.yaml and params.yaml. They sit
// outside EnvPrefix so they are never read back as configuration keys.
const (
	ConfigPathEnv = "CHEST_CONFIG"
	ParamsPathEnv = "CHEST_PARAMS"
)

// Paths returns the config and params file locations, honouring
// ConfigPathEnv and ParamsPathEnv.
func Paths() (configPath, paramsPath string) {
	configPath, paramsPath = "config/config.yaml", "config/params.yaml"
	if v := os.Getenv(ConfigPathEnv); v != "" {
		configPath = v
	}
	if v := os.Getenv(ParamsPathEnv); v != "" {
		paramsPath = v
	}
	return configPath, paramsPath
}

// fileConfig mirrors config.yaml.
type fileConfig struct {
	ArtifactsRoot string `koanf:"artifacts_root"`

	DataIngestion struct {
		RootDir       string `koanf:"root_dir"`
		SourceURL     string `koanf:"source_url"`
		LocalDataFile string `koanf:"local_data_file"`
		UnzipDir      string `koanf:"unzip_dir"`
		DatasetDir    string `koanf:"dataset_dir"`
	} `koanf:"data_ingestion"`

	PrepareBaseModel struct {
		RootDir              string `koanf:"root_dir"`
		BaseModelPath        string `koanf:"base_model_path"`
		UpdatedBaseModelPath string `koanf:"updated_base_model_path"`
		WeightsURL           string `koanf:"weights_url"`
	} `koanf:"prepare_base_model"`

	Training struct {
		RootDir          string `koanf:"root_dir"`
		TrainedModelPath string `koanf:"trained_model_path"`
	} `koanf:"training"`

	Evaluation struct {
		ScoresPath string `koanf:"scores_path"`
	} `koanf:"evaluation"`

	Labels []string `koanf:"labels"`

	Tracking TrackingConfig `koanf:"tracking"`
	Server   ServerConfig   `koanf:"server"`
	ONNX     ONNXConfig     `koanf:"onnx"`

	Params Params `koanf:"params"`
}

// Params mirrors params.yaml. It is mounted under the "params" key.
type Params struct {
	Augmentation    bool    `koanf:"augmentation"`
	ImageSize       []int   `koanf:"image_size"`
	BatchSize       int     `koanf:"batch_size"`
	IncludeTop      bool    `koanf:"include_top"`
	Epochs          int     `koanf:"epochs"`
	Classes         int     `koanf:"classes"`
	Weights         string  `koanf:"weights"`
	LearningRate    float64 `koanf:"learning_rate"`
	Optimizer       string  `koanf:"optimizer"`
	FreezeAll       bool    `koanf:"freeze_all"`
	FreezeTill      int     `koanf:"freeze_till"`
	ValidationSplit float64 `koanf:"validation_split"`
	Seed            int64   `koanf:"seed"`
}

// TrackingConfig selects and authenticates the experiment tracker.
type TrackingConfig struct {
	Enabled             bool   `koanf:"enabled"`
	URI                 string `koanf:"uri"`
	ExperimentName      string `koanf:"experiment_name"`
	RunName             string `koanf:"run_name"`
	RegisteredModelName string `koanf:"registered_model_name"`
	Username            string `koanf:"username"`
	Password            string `koanf:"password"`
	Token               string `koanf:"token"`
}

// ServerConfig holds HTTP front end settings.
type ServerConfig struct {
	Port         string   `koanf:"port"`
	ModelPath    string   `koanf:"model_path"`
	TrainCommand []string `koanf:"train_command"`
	LogFormat    string   `koanf:"log_format"`
	LogLevel     string   `koanf:"log_level"`
}

// ONNXConfig locates the ONNX Runtime shared library.
type ONNXConfig struct {
	LibraryPath    string `koanf:"library_path"`
	IntraOpThreads int    `koanf:"intra_op_threads"`
}

// DataIngestionConfig is the immutable configuration of the ingestion stage.
type DataIngestionConfig struct {
	RootDir       string
	SourceURL     string
	LocalDataFile string
	UnzipDir      string
}

// PrepareBaseModelConfig is the immutable configuration of the base model stage.
type PrepareBaseModelConfig struct {
	RootDir              string
	BaseModelPath        string
	UpdatedBaseModelPath string
	WeightsURL           string
	Weights              string
	ImageSize            [3]int
	IncludeTop           bool
	Classes              int
	Labels               []string
	FreezeAll            bool
	FreezeTill           int
	Seed                 int64
	ONNX                 ONNXConfig
}

// TrainingConfig is the immutable configuration of the training stage.
type TrainingConfig struct {
	RootDir              string
	TrainedModelPath     string
	UpdatedBaseModelPath string
	TrainingData         string
	Epochs               int
	BatchSize            int
	Augmentation         bool
	ImageSize            [3]int
	ValidationSplit      float64
	Optimizer            string
	LearningRate         float64
	Seed                 int64
	ONNX                 ONNXConfig
}

// EvaluationConfig is the immutable configuration of the evaluation stage.
type EvaluationConfig struct {
	ModelPath       string
	TrainingData    string
	ScoresPath      string
	ImageSize       [3]int
	BatchSize       int
	ValidationSplit float64
	AllParams       map[string]any
	Tracking        TrackingConfig
	ONNX            ONNXConfig
}

// Manager loads config.yaml and params.yaml and hands out per-stage records.
type Manager struct {
	ConfigProvider koanf.Provider
	ParamsProvider koanf.Provider

	cfg       fileConfig
	allParams map[string]any
}

// NewManager loads the two files at the given paths.
func NewManager(configPath, paramsPath string) (*Manager, error) {
	m := &Manager{
		ConfigProvider: file.Provider(configPath),
		ParamsProvider: file.Provider(paramsPath),
	}
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load (re)reads both providers, applies CC_ environment overrides,
// validates the result and creates the artifacts root.
func (m *Manager) Load() error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(m.ConfigProvider, parser); err != nil {
		return fmt.Errorf("config: failed to load config file: %w", err)
	}

	p := koanf.New(".")
	if err := p.Load(m.ParamsProvider, parser); err != nil {
		return fmt.Errorf("config: failed to load params file: %w", err)
	}
	if err := k.MergeAt(p, "params"); err != nil {
		return fmt.Errorf("config: failed to merge params: %w", err)
	}

	err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil)
	if err != nil {
		return fmt.Errorf("config: failed to load env: %w", err)
	}

	var cfg fileConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	applyDefaults(&cfg)
	if !k.Exists("params.validation_split") {
		cfg.Params.ValidationSplit = 0.2
	}
	if err := validate(&cfg); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.ArtifactsRoot, 0o755); err != nil {
		return fmt.Errorf("config: failed to create artifacts root: %w", err)
	}

	m.cfg = cfg
	m.allParams = k.Cut("params").All()
	return nil
}

// envKey maps CC_PARAMS__EPOCHS to params.epochs. A bare CC_PARAMS would
// replace the whole params map, so it is skipped.
func envKey(s string) string {
	key := strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	if key == "params" {
		return ""
	}
	return key
}

func applyDefaults(cfg *fileConfig) {
	if cfg.ArtifactsRoot == "" {
		cfg.ArtifactsRoot = "artifacts"
	}
	if cfg.Params.Optimizer == "" {
		cfg.Params.Optimizer = "adam"
	}
	if cfg.Evaluation.ScoresPath == "" {
		cfg.Evaluation.ScoresPath = "scores.json"
	}
	if cfg.Tracking.URI == "" {
		cfg.Tracking.URI = "file:./mlruns"
	}
	if cfg.Tracking.ExperimentName == "" {
		cfg.Tracking.ExperimentName = "Multi Class Classification Model Evaluation"
	}
	if cfg.Tracking.RunName == "" {
		cfg.Tracking.RunName = "Multi Class Classification"
	}
	if cfg.Tracking.RegisteredModelName == "" {
		cfg.Tracking.RegisteredModelName = "VGG16Model"
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ModelPath == "" {
		cfg.Server.ModelPath = cfg.Training.TrainedModelPath
	}
	if len(cfg.Server.TrainCommand) == 0 {
		cfg.Server.TrainCommand = []string{"chestctl", "all"}
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = []string{"Adenocarcinoma Cancer", "Normal"}
	}
}

func validate(cfg *fileConfig) error {
	p := cfg.Params
	if len(p.ImageSize) != 3 || p.ImageSize[0] <= 0 || p.ImageSize[1] <= 0 || p.ImageSize[2] != 3 {
		return fmt.Errorf("%w: image_size must be [height, width, 3], got %v", ErrInvalidConfig, p.ImageSize)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalidConfig, p.BatchSize)
	}
	if p.Epochs <= 0 {
		return fmt.Errorf("%w: epochs must be positive, got %d", ErrInvalidConfig, p.Epochs)
	}
	if p.Classes < 2 {
		return fmt.Errorf("%w: classes must be at least 2, got %d", ErrInvalidConfig, p.Classes)
	}
	if len(cfg.Labels) != p.Classes {
		return fmt.Errorf("%w: %d labels configured for %d classes", ErrInvalidConfig, len(cfg.Labels), p.Classes)
	}
	if p.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be positive, got %v", ErrInvalidConfig, p.LearningRate)
	}
	if p.ValidationSplit <= 0 || p.ValidationSplit >= 1 {
		return fmt.Errorf("%w: validation_split must be in (0, 1), got %v", ErrInvalidConfig, p.ValidationSplit)
	}
	switch strings.ToLower(p.Optimizer) {
	case "adam", "sgd":
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, p.Optimizer)
	}
	if cfg.DataIngestion.UnzipDir == "" || cfg.PrepareBaseModel.UpdatedBaseModelPath == "" || cfg.Training.TrainedModelPath == "" {
		return fmt.Errorf("%w: unzip_dir, updated_base_model_path and trained_model_path are required", ErrInvalidConfig)
	}
	return nil
}

func imageSize(p Params) [3]int {
	return [3]int{p.ImageSize[0], p.ImageSize[1], p.ImageSize[2]}
}

func (m *Manager) trainingData() string {
	return filepath.Join(m.cfg.DataIngestion.UnzipDir, m.cfg.DataIngestion.DatasetDir)
}

func createDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// GetDataIngestionConfig returns the ingestion record and creates its root directory.
func (m *Manager) GetDataIngestionConfig() (DataIngestionConfig, error) {
	c := m.cfg.DataIngestion
	if err := createDirectories(c.RootDir); err != nil {
		return DataIngestionConfig{}, err
	}
	return DataIngestionConfig{
		RootDir:       c.RootDir,
		SourceURL:     c.SourceURL,
		LocalDataFile: c.LocalDataFile,
		UnzipDir:      c.UnzipDir,
	}, nil
}

// GetPrepareBaseModelConfig returns the base model record and creates its root directory.
func (m *Manager) GetPrepareBaseModelConfig() (PrepareBaseModelConfig, error) {
	c := m.cfg.PrepareBaseModel
	if err := createDirectories(c.RootDir); err != nil {
		return PrepareBaseModelConfig{}, err
	}
	p := m.cfg.Params
	return PrepareBaseModelConfig{
		RootDir:              c.RootDir,
		BaseModelPath:        c.BaseModelPath,
		UpdatedBaseModelPath: c.UpdatedBaseModelPath,
		WeightsURL:           c.WeightsURL,
		Weights:              p.Weights,
		ImageSize:            imageSize(p),
		IncludeTop:           p.IncludeTop,
		Classes:              p.Classes,
		Labels:               append([]string(nil), m.cfg.Labels...),
		FreezeAll:            p.FreezeAll,
		FreezeTill:           p.FreezeTill,
		Seed:                 p.Seed,
		ONNX:                 m.cfg.ONNX,
	}, nil
}

// GetTrainingConfig returns the training record and creates its root directory.
func (m *Manager) GetTrainingConfig() (TrainingConfig, error) {
	c := m.cfg.Training
	if err := createDirectories(c.RootDir); err != nil {
		return TrainingConfig{}, err
	}
	p := m.cfg.Params
	return TrainingConfig{
		RootDir:              c.RootDir,
		TrainedModelPath:     c.TrainedModelPath,
		UpdatedBaseModelPath: m.cfg.PrepareBaseModel.UpdatedBaseModelPath,
		TrainingData:         m.trainingData(),
		Epochs:               p.Epochs,
		BatchSize:            p.BatchSize,
		Augmentation:         p.Augmentation,
		ImageSize:            imageSize(p),
		ValidationSplit:      p.ValidationSplit,
		Optimizer:            strings.ToLower(p.Optimizer),
		LearningRate:         p.LearningRate,
		Seed:                 p.Seed,
		ONNX:                 m.cfg.ONNX,
	}, nil
}

// GetEvaluationConfig returns the evaluation record and creates the scores directory.
func (m *Manager) GetEvaluationConfig() (EvaluationConfig, error) {
	c := m.cfg.Evaluation
	if err := createDirectories(filepath.Dir(c.ScoresPath)); err != nil {
		return EvaluationConfig{}, err
	}
	p := m.cfg.Params
	return EvaluationConfig{
		ModelPath:       m.cfg.Training.TrainedModelPath,
		TrainingData:    m.trainingData(),
		ScoresPath:      c.ScoresPath,
		ImageSize:       imageSize(p),
		BatchSize:       p.BatchSize,
		ValidationSplit: p.ValidationSplit,
		AllParams:       m.AllParams(),
		Tracking:        m.cfg.Tracking,
		ONNX:            m.cfg.ONNX,
	}, nil
}

// GetServerConfig returns the HTTP front end settings.
func (m *Manager) GetServerConfig() ServerConfig {
	s := m.cfg.Server
	s.TrainCommand = append([]string(nil), s.TrainCommand...)
	return s
}

// GetONNXConfig returns the ONNX Runtime settings.
func (m *Manager) GetONNXConfig() ONNXConfig {
	return m.cfg.ONNX
}

// ImageSize returns the configured model input size as [height, width, channels].
func (m *Manager) ImageSize() [3]int {
	return imageSize(m.cfg.Params)
}

// AllParams returns a copy of the flattened hyperparameters.
func (m *Manager) AllParams() map[string]any {
	out := make(map[string]any, len(m.allParams))
	for k, v := range m.allParams {
		out[k] = v
	}
	return out
}
