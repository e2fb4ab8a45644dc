package app

import (
	"context"
	"time"
)

const retentionEvery = 24 * time.Hour

func (a *App) runRetention(ctx context.Context) {
	if a.cfg.RetentionDays <= 0 {
		return
	}

	a.cleanup(ctx, a.cfg.RetentionDays)

	ticker := time.NewTicker(retentionEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cleanup(ctx, a.cfg.RetentionDays)
		}
	}
}

// cleanup deletes readings and actuator events older than days.
func (a *App) cleanup(ctx context.Context, days int) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -days)
	deleted, err := a.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		a.logger.Error("retention cleanup failed", "days", days, "error", err)
		return 0, err
	}
	a.logger.Info("retention cleanup", "days", days, "deleted", deleted)
	return deleted, nil
}
