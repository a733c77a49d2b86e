package eventbus

import (
	"github.com/taskctl/taskctl/internal/common/config"
	"github.com/taskctl/taskctl/internal/common/logger"
)

// New selects the in-memory bus by default, or a NATS-backed bus when
// cfg.URL is configured.
func New(cfg config.NATSConfig, log *logger.Logger) (Bus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(log), nil
	}
	return NewNATSBus(cfg, log)
}
