package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coldchain/config"
	"coldchain/models"

	"go.uber.org/zap"
)

// GatewayFetcher is the slice of the store the monitor needs for reseeding.
type GatewayFetcher interface {
	FetchRecentGateways(ctx context.Context, since time.Time) (map[string]time.Time, error)
}

// GatewayMonitor tracks when each gateway was last heard and raises a
// SISTEMA alert when one goes silent. Heartbeats observed on the bus are
// LIVE; heartbeats reconstructed from recent telemetry rows are DB.
type GatewayMonitor struct {
	cfg      *config.Config
	store    GatewayFetcher
	dispatch func(models.Alert)
	loc      *time.Location
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	gateways map[string]*models.GatewayHealth
}

func NewGatewayMonitor(cfg *config.Config, store GatewayFetcher, dispatch func(models.Alert), loc *time.Location, logger *zap.Logger) *GatewayMonitor {
	return &GatewayMonitor{
		cfg:      cfg,
		store:    store,
		dispatch: dispatch,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
		gateways: make(map[string]*models.GatewayHealth),
	}
}

// Heartbeat records a live sighting of a gateway.
func (g *GatewayMonitor) Heartbeat(mac string) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	gw, ok := g.gateways[mac]
	if !ok {
		gw = &models.GatewayHealth{MAC: mac}
		g.gateways[mac] = gw
		g.logger.Info("New gateway registered", zap.String("gateway_mac", mac))
	}
	gw.LastSeen = now
	gw.Source = models.HeartbeatLive
}

// Reseed reconstructs heartbeats from recent telemetry rows, capturing
// gateways that were active before this process started. A live heartbeat
// is never overwritten by an older database one.
func (g *GatewayMonitor) Reseed(ctx context.Context) error {
	since := g.now().Add(-g.cfg.GatewayRetention)
	seen, err := g.store.FetchRecentGateways(ctx, since)
	if err != nil {
		g.logger.Error("Gateway heartbeat reseed failed", zap.Error(err))
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	added := 0
	for mac, ts := range seen {
		gw, ok := g.gateways[mac]
		if !ok {
			g.gateways[mac] = &models.GatewayHealth{
				MAC:      mac,
				LastSeen: ts,
				Source:   models.HeartbeatDB,
			}
			added++
			continue
		}
		if ts.After(gw.LastSeen) && gw.Source == models.HeartbeatDB {
			gw.LastSeen = ts
		}
	}

	g.logger.Info("Gateway heartbeats reseeded",
		zap.Int("from_db", len(seen)),
		zap.Int("new", added))
	return nil
}

// CheckOffline raises one SISTEMA alert per gateway that has been silent
// past the configured threshold, at most once per system-alert cooldown.
func (g *GatewayMonitor) CheckOffline() {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for mac, gw := range g.gateways {
		silence := now.Sub(gw.LastSeen)
		if silence < g.cfg.GatewayOfflineAfter {
			continue
		}
		if !gw.LastSystemAlert.IsZero() && now.Sub(gw.LastSystemAlert) < g.cfg.SystemAlertCooldown {
			continue
		}
		gw.LastSystemAlert = now

		minutes := int(silence.Minutes())
		alert := models.Alert{
			SensorName: "GATEWAY " + mac,
			SensorMAC:  mac,
			Priority:   models.PrioritySistema,
			Messages:   []string{fmt.Sprintf("GATEWAY OFFLINE há %d min", minutes)},
			Timestamp:  now.In(g.loc).Format("2006-01-02T15:04:05-07:00"),
			Context: map[string]interface{}{
				"last_seen": gw.LastSeen.In(g.loc).Format("2006-01-02T15:04:05-07:00"),
				"source":    string(gw.Source),
			},
		}
		g.dispatch(alert)

		g.logger.Warn("Gateway offline",
			zap.String("gateway_mac", mac),
			zap.Duration("silence", silence))
	}
}

// EvictSilent drops gateways unheard for the retention period.
func (g *GatewayMonitor) EvictSilent() {
	cutoff := g.now().Add(-g.cfg.GatewayRetention)

	g.mu.Lock()
	defer g.mu.Unlock()

	for mac, gw := range g.gateways {
		if gw.LastSeen.Before(cutoff) {
			delete(g.gateways, mac)
			g.logger.Info("Evicted silent gateway", zap.String("gateway_mac", mac))
		}
	}
}

// Run drives the periodic offline check and reseed until the context ends.
func (g *GatewayMonitor) Run(ctx context.Context) {
	check := time.NewTicker(g.cfg.OfflineCheckInterval)
	reseed := time.NewTicker(g.cfg.ReseedInterval)
	evict := time.NewTicker(g.cfg.StateGCInterval)
	defer check.Stop()
	defer reseed.Stop()
	defer evict.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			g.CheckOffline()
		case <-reseed.C:
			_ = g.Reseed(ctx)
		case <-evict.C:
			g.EvictSilent()
		}
	}
}

// Snapshot returns a copy of all gateway health records.
func (g *GatewayMonitor) Snapshot() []models.GatewayHealth {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]models.GatewayHealth, 0, len(g.gateways))
	for _, gw := range g.gateways {
		out = append(out, *gw)
	}
	return out
}
