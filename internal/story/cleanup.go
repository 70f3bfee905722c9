// Package story содержит фоновую задачу очистки истёкших историй.
package story

import (
	"context"
	"time"

	"github.com/chatplatform/core/internal/logger"
)

// Purger удаляет истёкшие истории и возвращает число удалённых.
type Purger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// RunCleanup раз в interval удаляет истёкшие истории до отмены ctx.
// Первый проход выполняется сразу при старте (узел мог простоять выключенным).
func RunCleanup(ctx context.Context, purger Purger, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	purge(ctx, purger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge(ctx, purger)
		}
	}
}

func purge(ctx context.Context, purger Purger) {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := purger.DeleteExpired(opCtx)
	if err != nil {
		logger.Errorf("story cleanup: %v", err)
		return
	}
	if n > 0 {
		logger.Infof("story cleanup: removed %d expired", n)
	}
}
