package services

import (
	"context"
	"sync"
	"time"

	"coldchain/models"

	"go.uber.org/zap"
)

// ConfigFetcher is the slice of the store the cache needs.
type ConfigFetcher interface {
	FetchSensorConfigs(ctx context.Context) ([]models.SensorConfig, error)
}

// ConfigCache holds the sensor-config map and the secondary blocklist of
// paired physical door sensors. Both maps are replaced together by whole-map
// swap on refresh, so readers always see a consistent pair. A failed refresh
// keeps the previous cache.
type ConfigCache struct {
	store  ConfigFetcher
	logger *zap.Logger

	mu        sync.RWMutex
	configs   map[string]models.SensorConfig
	doorBlock map[string]bool
}

func NewConfigCache(store ConfigFetcher, logger *zap.Logger) *ConfigCache {
	return &ConfigCache{
		store:     store,
		logger:    logger,
		configs:   make(map[string]models.SensorConfig),
		doorBlock: make(map[string]bool),
	}
}

// Get returns the config for a canonical sensor MAC.
func (c *ConfigCache) Get(mac string) (models.SensorConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[mac]
	return cfg, ok
}

// IsDoorBlocked reports whether a MAC belongs to a paired physical door
// sensor and therefore must never be processed directly.
func (c *ConfigCache) IsDoorBlocked(mac string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doorBlock[mac]
}

// Size returns the number of cached sensor configs.
func (c *ConfigCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.configs)
}

// MaintenanceCount returns how many cached sensors are flagged em_manutencao.
func (c *ConfigCache) MaintenanceCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	count := 0
	for _, cfg := range c.configs {
		if cfg.EmManutencao {
			count++
		}
	}
	return count
}

// Refresh reloads sensor_configs and swaps both maps atomically. On error
// the previous cache is kept untouched.
func (c *ConfigCache) Refresh(ctx context.Context) error {
	rows, err := c.store.FetchSensorConfigs(ctx)
	if err != nil {
		c.logger.Error("Config refresh failed, keeping previous cache", zap.Error(err))
		return err
	}

	configs := make(map[string]models.SensorConfig, len(rows))
	doorBlock := make(map[string]bool)
	for _, row := range rows {
		mac := models.CanonicalMAC(row.MAC)
		row.MAC = mac
		configs[mac] = row
		if row.SensorPortaVinculado != nil && *row.SensorPortaVinculado != "" {
			doorBlock[models.CanonicalMAC(*row.SensorPortaVinculado)] = true
		}
	}

	c.mu.Lock()
	c.configs = configs
	c.doorBlock = doorBlock
	c.mu.Unlock()

	c.logger.Info("Sensor config cache refreshed",
		zap.Int("sensors", len(configs)),
		zap.Int("paired_door_sensors", len(doorBlock)))
	return nil
}

// Run refreshes the cache on the given interval until the context ends.
func (c *ConfigCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}
