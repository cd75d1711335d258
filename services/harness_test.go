package services

import (
	"context"
	"testing"
	"time"

	"coldchain/analysis"
	"coldchain/config"
	"coldchain/models"

	"go.uber.org/zap"
)

const (
	testSensorMAC  = "AC:23:3F:A0:00:01"
	testGatewayMAC = "AC:23:3F:FF:00:01"
)

// testBase is a Monday, outside the high-traffic weekdays.
var testBase = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		TempMaxDefault:     -5.0,
		TempMinDefault:     -30.0,
		HighTrafficTempMax: -2.0,
		HighTrafficDays:    []time.Weekday{time.Wednesday, time.Thursday},

		Soak:               10 * time.Minute,
		PredictiveSoak:     5 * time.Minute,
		ExtremePromotion:   30 * time.Minute,
		AlertCooldown:      15 * time.Minute,
		PredictiveCooldown: 45 * time.Minute,
		ProjectionMinutes:  15.0,
		DoorMaxOpen:        5 * time.Minute,

		DeadbandTemp:   0.2,
		DeadbandHum:    2.0,
		DeadbandMaxAge: 10 * time.Minute,

		TelemetryFlushInterval: 10 * time.Second,
		DoorFlushInterval:      10 * time.Second,
		WebhookInterval:        5 * time.Minute,
		WebhookMaxAttempts:     10,
		ConfigRefreshInterval:  10 * time.Minute,
		ReseedInterval:         30 * time.Minute,
		OfflineCheckInterval:   time.Minute,
		GatewayOfflineAfter:    15 * time.Minute,
		SystemAlertCooldown:    time.Hour,
		StateGCInterval:        24 * time.Hour,
		SensorRetention:        24 * time.Hour,
		GatewayRetention:       48 * time.Hour,
		WatchlistGCInterval:    30 * time.Minute,

		TuningNormal: analysis.TuningFor(analysis.ProfileNormal),
		TuningUltra:  analysis.TuningFor(analysis.ProfileUltra),
	}
}

// harness wires a StateManager with capturing sinks and a hand-driven clock.
type harness struct {
	cfg    *config.Config
	alerts *AlertEngine
	states *StateManager

	telemetry *BatchWriter
	doors     *BatchWriter

	clock      time.Time
	dispatched []models.Alert
	telRows    []models.TelemetryRecord
	doorRows   []models.DoorRecord
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	h := &harness{cfg: testConfig(), clock: testBase}

	h.alerts = NewAlertEngine(h.cfg, time.UTC, func(a models.Alert) {
		h.dispatched = append(h.dispatched, a)
	}, logger)
	h.alerts.now = func() time.Time { return h.clock }

	h.telemetry = NewBatchWriter("telemetry_logs", h.cfg.TelemetryFlushInterval,
		func(ctx context.Context, batch []interface{}) error {
			for _, item := range batch {
				h.telRows = append(h.telRows, item.(models.TelemetryRecord))
			}
			return nil
		}, logger)

	h.doors = NewBatchWriter("door_logs", h.cfg.DoorFlushInterval,
		func(ctx context.Context, batch []interface{}) error {
			for _, item := range batch {
				h.doorRows = append(h.doorRows, item.(models.DoorRecord))
			}
			return nil
		}, logger)

	h.states = NewStateManager(h.cfg, h.alerts, h.telemetry, h.doors, logger)
	h.states.now = func() time.Time { return h.clock }

	return h
}

// feed processes one reading at the current clock, then advances it 10 s.
func (h *harness) feed(temp, hum float64, sc models.SensorConfig) {
	h.states.Process(models.SensorReading{
		GatewayMAC:     testGatewayMAC,
		MAC:            testSensorMAC,
		Temp:           temp,
		Humidity:       hum,
		BatteryPercent: 80,
		RSSI:           -60,
		ReadAt:         h.clock,
		ReceivedAt:     h.clock,
	}, sc)
	h.clock = h.clock.Add(10 * time.Second)
}

// drain flushes both persistence queues into the captured row slices.
func (h *harness) drain() {
	h.telemetry.Flush(context.Background())
	h.doors.Flush(context.Background())
}

func floatPtr(v float64) *float64 {
	return &v
}

func zapNop() *zap.Logger {
	return zap.NewNop()
}
