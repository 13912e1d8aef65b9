package invalidation

import (
	"time"

	"github.com/mohammed-shakir/viewport-lod/internal/core/config"
)

type Config struct {
	Enabled bool

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	// InitialOldest replays retained resets on first start. Off by default:
	// a fresh process has empty caches anyway.
	InitialOldest bool
}

func FromConfig(c config.ResetCfg) Config {
	return Config{
		Enabled:          c.Enabled,
		Brokers:          c.Brokers,
		Topic:            c.Topic,
		GroupID:          c.GroupID,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
	}
}
