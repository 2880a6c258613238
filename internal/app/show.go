package app

import (
	"context"
	"os"

	"arbwatch/internal/config"
	"arbwatch/internal/model"
	"arbwatch/internal/report"
)

// Show prints the cached snapshot as tables.
func (a *App) Show(ctx context.Context) error {
	snap, err := a.currentSnapshot(ctx)
	if err != nil {
		return err
	}
	return report.WriteTable(os.Stdout, snap)
}

// currentSnapshot reads the shared cache. The memory backend starts empty in every process,
// so one cycle is run in-process instead, with alerting left out.
func (a *App) currentSnapshot(ctx context.Context) (model.Snapshot, error) {
	res, err := a.openResources(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	defer res.close()

	if a.Config.Cache.Backend == config.BackendMemory {
		a.Logger.Info().Msg("memory cache selected; running one refresh cycle")
		return a.newService(res, nil, false).Refresh(ctx)
	}

	snap, ok, err := res.cache.Get(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	if !ok {
		a.Logger.Info().Msg("no snapshot cached yet")
		return model.Empty(), nil
	}
	return snap, nil
}
