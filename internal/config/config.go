// Package config assembles the registry's runtime configuration: flags for
// process-level knobs, the way the teacher's main.go does, plus an
// optional YAML overlay for everything else once the knob count outgrows
// flag sprawl.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig names the routing-store backend.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NatsConfig names the message-bus backend.
type NatsConfig struct {
	Address   string `yaml:"address"`
	ClusterID string `yaml:"clusterId"`
	ClientID  string `yaml:"clientId"`
}

// DocStoreConfig names the external document store.
type DocStoreConfig struct {
	Host  string `yaml:"host"`
	Token string `yaml:"token"`
}

// Config is the full set of tunables for one registry process.
type Config struct {
	Redis    RedisConfig    `yaml:"redis"`
	Nats     NatsConfig     `yaml:"nats"`
	DocStore DocStoreConfig `yaml:"docstore"`

	LogLevel string `yaml:"logLevel"`

	// Server Registry
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout"`
	SweepInterval    time.Duration `yaml:"sweepInterval"`

	// Active Player Tracker
	RecentSlotTTL   time.Duration `yaml:"recentSlotTtl"`
	RecentSlotLimit int64         `yaml:"recentSlotLimit"`

	// Player Routing Service
	MaxRoutingRetries int           `yaml:"maxRoutingRetries"`
	RequestMaxAge     time.Duration `yaml:"requestMaxAge"`
	MaxQueueLen       int           `yaml:"maxQueueLen"`

	// Shutdown Intent Manager
	EvictBuffer  time.Duration `yaml:"evictBuffer"`
	TicketBuffer time.Duration `yaml:"ticketBuffer"`

	// Expiry/Purge Sweeper
	SweepSchedule        string        `yaml:"sweepSchedule"`
	SocialBlockScanLimit int64         `yaml:"socialBlockScanLimit"`
	SweeperRecentSlotTTL time.Duration `yaml:"sweeperRecentSlotTtl"`
	SweeperRecentLimit   int64         `yaml:"sweeperRecentLimit"`

	// Admin live-feed
	AdminListenAddress string `yaml:"adminListenAddress"`

	// Connectivity watchdog
	StoreHealthCheckInterval time.Duration `yaml:"storeHealthCheckInterval"`
	StoreFailoverDeadline    time.Duration `yaml:"storeFailoverDeadline"`
}

// Default returns the registry's baseline configuration, matching the
// defaults each component already applies on its own (shutdown.Default*,
// sweeper.DefaultConfig, routing.DefaultConfig) so a YAML overlay only
// needs to name what it changes.
func Default() Config {
	return Config{
		Redis: RedisConfig{Address: "127.0.0.1:6379", DB: 0},
		Nats:  NatsConfig{Address: "127.0.0.1:4222", ClusterID: "fulcrum", ClientID: "fulcrum-registry"},

		LogLevel: "info",

		HeartbeatTimeout: 30 * time.Second,
		SweepInterval:    30 * time.Second,

		RecentSlotTTL:   24 * time.Hour,
		RecentSlotLimit: 20,

		MaxRoutingRetries: 3,
		RequestMaxAge:     30 * time.Second,
		MaxQueueLen:       256,

		EvictBuffer:  15 * time.Second,
		TicketBuffer: 30 * time.Second,

		SweepSchedule:        "@every 30s",
		SocialBlockScanLimit: 500,
		SweeperRecentSlotTTL: 24 * time.Hour,
		SweeperRecentLimit:   20,

		AdminListenAddress: ":8089",

		StoreHealthCheckInterval: 5 * time.Second,
		StoreFailoverDeadline:    30 * time.Second,
	}
}

// Load returns the default configuration overlaid with path's YAML
// contents, if path is non-empty. A missing or empty path is not an
// error: the registry runs on defaults, the same "no config file, just
// flags" posture the teacher's main.go takes.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
