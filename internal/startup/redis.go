package startup

import (
	"context"
	"os"
	"time"

	"github.com/chatplatform/core/internal/logger"
	"github.com/chatplatform/core/internal/pubsub"
)

// ConnectPubSubWithRetry подключает pub/sub-маршрутизатор к Redis с повторами.
func ConnectPubSubWithRetry(redisURL, instanceID string, handler pubsub.Handler, maxWait time.Duration) *pubsub.Router {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		router, err := pubsub.NewRouter(ctx, redisURL, instanceID, handler)
		cancel()
		if err != nil {
			if time.Now().After(deadline) {
				logger.Errorf("redis (gave up after %v): %v", maxWait, err)
				os.Exit(1)
			}
			logger.Errorf("redis connect failed, retry in %v: %v", backoff, err)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return router
	}
}
