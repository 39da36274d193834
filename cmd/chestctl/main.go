// Command chestctl runs the training pipeline stages.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Brownie44l1/chest-cancer-api/internal/config"
	"github.com/Brownie44l1/chest-cancer-api/internal/ingest"
	"github.com/Brownie44l1/chest-cancer-api/internal/logging"
	"github.com/Brownie44l1/chest-cancer-api/internal/model"
	"github.com/Brownie44l1/chest-cancer-api/internal/pipeline"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	paramsPath string
	logLevel   string
	logFormat  string
}

// stageFactory builds a stage from the loaded configuration.
type stageFactory func(cm *config.Manager) (pipeline.Stage, error)

func openerFor(cm *config.Manager) model.BackboneOpener {
	onnx := cm.GetONNXConfig()
	return model.ONNXOpener(model.ONNXOptions{LibraryPath: onnx.LibraryPath, IntraOpThreads: onnx.IntraOpThreads})
}

func ingestionStage(cm *config.Manager) (pipeline.Stage, error) {
	cfg, err := cm.GetDataIngestionConfig()
	if err != nil {
		return nil, err
	}
	return &pipeline.DataIngestion{Config: cfg, Fetcher: ingest.NewFetcher(os.Stderr)}, nil
}

func prepareStage(cm *config.Manager) (pipeline.Stage, error) {
	cfg, err := cm.GetPrepareBaseModelConfig()
	if err != nil {
		return nil, err
	}
	return &pipeline.PrepareBaseModel{Config: cfg, Fetcher: ingest.NewFetcher(os.Stderr), Open: openerFor(cm)}, nil
}

func trainingStage(cm *config.Manager) (pipeline.Stage, error) {
	cfg, err := cm.GetTrainingConfig()
	if err != nil {
		return nil, err
	}
	return &pipeline.Training{Config: cfg, Open: openerFor(cm)}, nil
}

func evaluationStage(cm *config.Manager) (pipeline.Stage, error) {
	cfg, err := cm.GetEvaluationConfig()
	if err != nil {
		return nil, err
	}
	return &pipeline.Evaluation{Config: cfg, Open: openerFor(cm)}, nil
}

func run(ctx context.Context, opts *options, factories ...stageFactory) error {
	logging.Init(opts.logFormat, logging.ParseLevel(opts.logLevel))

	cm, err := config.NewManager(opts.configPath, opts.paramsPath)
	if err != nil {
		return err
	}
	defer model.ShutdownRuntime()

	stages := make([]pipeline.Stage, 0, len(factories))
	for _, f := range factories {
		s, err := f(cm)
		if err != nil {
			return err
		}
		stages = append(stages, s)
	}
	return pipeline.NewRunner(slog.Default()).Run(ctx, stages...)
}

func stageCommand(opts *options, use, short string, factories ...stageFactory) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, factories...)
		},
	}
}

func rootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "chestctl",
		Short:         "Run the chest CT classifier training pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	configPath, paramsPath := config.Paths()
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", configPath, "path to config.yaml (env "+config.ConfigPathEnv+")")
	flags.StringVar(&opts.paramsPath, "params", paramsPath, "path to params.yaml (env "+config.ParamsPathEnv+")")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format (text or json)")

	root.AddCommand(
		stageCommand(opts, "ingest", "Download and extract the dataset", ingestionStage),
		stageCommand(opts, "prepare", "Fetch the backbone and write the untrained head", prepareStage),
		stageCommand(opts, "train", "Train the classification head", trainingStage),
		stageCommand(opts, "evaluate", "Score the trained model and log the run", evaluationStage),
		stageCommand(opts, "all", "Run every stage in order", ingestionStage, prepareStage, trainingStage, evaluationStage),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
