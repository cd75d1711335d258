package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coldchain/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Store is the REST client for the backing table store. All access goes
// through /rest/v1/{table} with the service key on every request.
type Store struct {
	client *resty.Client
	logger *zap.Logger
}

// NewStore creates a table-store client for the given base URL and service
// key.
func NewStore(baseURL, key string, logger *zap.Logger) *Store {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("apikey", key).
		SetHeader("Authorization", "Bearer "+key).
		SetHeader("Content-Type", "application/json").
		SetTimeout(15 * time.Second)

	return &Store{
		client: client,
		logger: logger,
	}
}

// FetchSensorConfigs loads every row of sensor_configs.
func (s *Store) FetchSensorConfigs(ctx context.Context) ([]models.SensorConfig, error) {
	var configs []models.SensorConfig
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("select", "*").
		SetResult(&configs).
		Get("/rest/v1/sensor_configs")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sensor configs: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("sensor_configs fetch returned %s", resp.Status())
	}
	return configs, nil
}

// InsertTelemetry appends a batch of rows to telemetry_logs.
func (s *Store) InsertTelemetry(ctx context.Context, rows []models.TelemetryRecord) error {
	if len(rows) == 0 {
		return nil
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=minimal").
		SetBody(rows).
		Post("/rest/v1/telemetry_logs")
	if err != nil {
		return fmt.Errorf("failed to insert telemetry batch: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telemetry_logs insert returned %s", resp.Status())
	}
	return nil
}

// InsertDoorEvents appends a batch of rows to door_logs.
func (s *Store) InsertDoorEvents(ctx context.Context, rows []models.DoorRecord) error {
	if len(rows) == 0 {
		return nil
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=minimal").
		SetBody(rows).
		Post("/rest/v1/door_logs")
	if err != nil {
		return fmt.Errorf("failed to insert door batch: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("door_logs insert returned %s", resp.Status())
	}
	return nil
}

// FetchRecentGateways returns, per gateway MAC, the newest telemetry
// timestamp since the given instant. Used to reseed heartbeats after a
// restart.
func (s *Store) FetchRecentGateways(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	var rows []struct {
		GW string `json:"gw"`
		TS string `json:"ts"`
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("select", "gw,ts").
		SetQueryParam("ts", "gte."+since.UTC().Format("2006-01-02T15:04:05")).
		SetQueryParam("order", "ts.desc").
		SetQueryParam("limit", "2000").
		SetResult(&rows).
		Get("/rest/v1/telemetry_logs")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent telemetry: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("telemetry_logs fetch returned %s", resp.Status())
	}

	seen := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		gw := models.CanonicalMAC(row.GW)
		if _, ok := seen[gw]; ok {
			continue // rows are newest-first
		}
		ts, err := time.Parse("2006-01-02T15:04:05.000", row.TS)
		if err != nil {
			if ts, err = time.Parse("2006-01-02T15:04:05", row.TS); err != nil {
				continue
			}
		}
		seen[gw] = ts
	}
	return seen, nil
}

// FetchLastDoorStates returns the most recent is_open value per sensor MAC.
// Loaded once at startup so a restart does not replay a phantom "opened".
func (s *Store) FetchLastDoorStates(ctx context.Context) (map[string]bool, error) {
	var rows []struct {
		SensorMAC string `json:"sensor_mac"`
		IsOpen    bool   `json:"is_open"`
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("select", "sensor_mac,is_open").
		SetQueryParam("order", "timestamp_read.desc").
		SetQueryParam("limit", "2000").
		SetResult(&rows).
		Get("/rest/v1/door_logs")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch door states: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("door_logs fetch returned %s", resp.Status())
	}

	states := make(map[string]bool, len(rows))
	for _, row := range rows {
		mac := models.CanonicalMAC(row.SensorMAC)
		if _, ok := states[mac]; !ok {
			states[mac] = row.IsOpen
		}
	}
	return states, nil
}
