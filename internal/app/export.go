package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"arbwatch/internal/model"
	"arbwatch/internal/report"
)

// Export writes the current opportunities as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	snap, err := a.currentSnapshot(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("opportunities", len(snap.Opportunities)).Msg("exporting snapshot")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, snap, report.WriteCSV); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if len(snap.Opportunities) == 0 {
			a.Logger.Info().Msg("no opportunities; skipping chart")
			return nil
		}
		if err := writeFile(opts.PNGPath, snap, report.WritePNG); err != nil {
			return err
		}
	}

	return nil
}

func writeFile(path string, snap model.Snapshot, render func(io.Writer, model.Snapshot) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(file, snap); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
