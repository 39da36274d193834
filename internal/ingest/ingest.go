package ingest

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/chest-cancer-api/internal/config"
)

// Ingestor downloads the dataset archive and unpacks it.
type Ingestor struct {
	cfg     config.DataIngestionConfig
	fetcher *Fetcher
}

func New(cfg config.DataIngestionConfig, fetcher *Fetcher) *Ingestor {
	return &Ingestor{cfg: cfg, fetcher: fetcher}
}

// Run fetches the archive unless it is already present, then extracts it.
func (i *Ingestor) Run(ctx context.Context) error {
	if err := i.Download(ctx); err != nil {
		return err
	}
	return Extract(i.cfg.LocalDataFile, i.cfg.UnzipDir)
}

// Download fetches source_url to local_data_file. An existing non-empty
// file is kept as is.
func (i *Ingestor) Download(ctx context.Context) error {
	if st, err := os.Stat(i.cfg.LocalDataFile); err == nil && st.Size() > 0 {
		slog.Info("dataset archive already exists", "path", i.cfg.LocalDataFile, "bytes", st.Size())
		return nil
	}

	slog.Info("downloading dataset", "source", i.cfg.SourceURL, "dest", i.cfg.LocalDataFile)
	n, err := i.fetcher.Fetch(ctx, i.cfg.SourceURL, i.cfg.LocalDataFile)
	if err != nil {
		return err
	}
	slog.Info("dataset downloaded", "path", i.cfg.LocalDataFile, "bytes", n)
	return nil
}

// Extract unpacks the zip at zipPath into dest. Entries that would land
// outside dest are rejected.
func Extract(zipPath, dest string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("ingest: failed to open archive: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	files := 0
	for _, f := range r.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("ingest: archive entry %q escapes %s", f.Name, dest)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
		files++
	}
	slog.Info("dataset extracted", "archive", zipPath, "dest", dest, "files", files)
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("ingest: failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("ingest: failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}
