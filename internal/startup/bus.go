package startup

import (
	"os"
	"time"

	"github.com/chatplatform/core/internal/bus"
	"github.com/chatplatform/core/internal/logger"
)

// ConnectBusWithRetry подключает publisher к RabbitMQ с повторами.
func ConnectBusWithRetry(url, exchange string, maxWait time.Duration) *bus.Publisher {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		pub, err := bus.NewPublisher(url, exchange)
		if err != nil {
			if time.Now().After(deadline) {
				logger.Errorf("bus (gave up after %v): %v", maxWait, err)
				os.Exit(1)
			}
			logger.Errorf("bus connect failed, retry in %v: %v", backoff, err)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return pub
	}
}
