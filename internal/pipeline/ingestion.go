package pipeline

import (
	"context"

	"github.com/Brownie44l1/chest-cancer-api/internal/config"
	"github.com/Brownie44l1/chest-cancer-api/internal/ingest"
)

// DataIngestion downloads and unpacks the dataset archive.
type DataIngestion struct {
	Config  config.DataIngestionConfig
	Fetcher *ingest.Fetcher
}

func (d *DataIngestion) Name() string { return StageIngestion }

func (d *DataIngestion) Run(ctx context.Context) error {
	return ingest.New(d.Config, d.Fetcher).Run(ctx)
}
