package services

import (
	"context"
	"sync"
	"time"

	"coldchain/analysis"
	"coldchain/config"
	"coldchain/models"

	"go.uber.org/zap"
)

// SensorState is the full in-memory record for one sensor, keyed by
// canonical MAC. All mutations happen on the ingestion goroutine; the
// health endpoint takes read snapshots.
type SensorState struct {
	MAC        string
	GatewayMAC string

	LastTemp      float64
	LastHum       float64
	LastRSSI      int
	LastBattery   int
	LastReadingTS time.Time

	// Deadband bookkeeping
	hasPersisted bool
	LastDBTemp   float64
	LastDBHum    float64
	LastDBTS     time.Time

	Window  analysis.Window
	Defrost analysis.DefrostState
	Door    analysis.DoorDetector

	DoorOpen      bool
	DoorOpenSince time.Time

	LastAlertSentTS   time.Time
	LastAlertPriority models.AlertPriority
	LastVariance      float64

	Profile      analysis.Profile
	Metrics      analysis.Metrics
	MetricsReady bool
}

// SensorSnapshot is a copy of the reportable fields for health output.
type SensorSnapshot struct {
	MAC           string
	Temp          float64
	Hum           float64
	Battery       int
	LastReadingTS time.Time
	Defrosting    bool
	DefrostSince  time.Time
	DefrostPeak   float64
	DoorOpen      bool
	DoorOpenSince time.Time
	Profile       analysis.Profile
	Metrics       analysis.Metrics
	MetricsReady  bool
}

// StateManager owns every SensorState and applies the per-sample pipeline:
// defrost detection before door detection, then alerts, then deadband
// persistence.
type StateManager struct {
	cfg       *config.Config
	alerts    *AlertEngine
	telemetry *BatchWriter
	doors     *BatchWriter
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	sensors map[string]*SensorState
}

func NewStateManager(cfg *config.Config, alerts *AlertEngine, telemetry, doors *BatchWriter, logger *zap.Logger) *StateManager {
	return &StateManager{
		cfg:       cfg,
		alerts:    alerts,
		telemetry: telemetry,
		doors:     doors,
		logger:    logger,
		now:       time.Now,
		sensors:   make(map[string]*SensorState),
	}
}

// SeedDoorStates pre-loads the last known door state per sensor so a
// restart does not log a phantom transition.
func (sm *StateManager) SeedDoorStates(states map[string]bool) {
	now := sm.now()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	for mac, open := range states {
		st, ok := sm.sensors[mac]
		if !ok {
			st = &SensorState{MAC: mac, LastReadingTS: now}
			sm.sensors[mac] = st
		}
		st.DoorOpen = open
		if open {
			st.DoorOpenSince = now
		}
	}
	sm.logger.Info("Door states seeded from store", zap.Int("sensors", len(states)))
}

// Process applies one accepted reading to its sensor's state machine.
// Must be called from a single goroutine per MAC (the ingestion consumer is
// single-threaded).
func (sm *StateManager) Process(r models.SensorReading, sc models.SensorConfig) {
	now := r.ReceivedAt
	st := sm.getOrCreate(r.MAC)
	st.GatewayMAC = r.GatewayMAC
	st.Profile = analysis.ProfileFor(sc.TempMin)
	tun := sm.cfg.TuningFor(st.Profile)

	// Maintenance mode: remember the reading for health output, touch
	// nothing else and silence any pending alert state.
	if sc.EmManutencao {
		st.LastTemp = r.Temp
		st.LastHum = r.Humidity
		st.LastRSSI = r.RSSI
		st.LastBattery = r.BatteryPercent
		st.LastReadingTS = now
		st.LastAlertSentTS = time.Time{}
		st.LastAlertPriority = ""
		sm.alerts.ClearSensor(st.MAC)
		return
	}

	st.Window.Append(now, r.Temp)
	st.LastTemp = r.Temp
	st.LastHum = r.Humidity
	st.LastRSSI = r.RSSI
	st.LastBattery = r.BatteryPercent
	st.LastReadingTS = now

	metrics, ready := analysis.Analyze(&st.Window, tun)
	st.Metrics = metrics
	st.MetricsReady = ready

	if ready {
		sm.applyDefrost(st, metrics, r.Temp, now, tun)
		sm.applyDoor(st, sc, metrics, r, now, tun)
	}

	sm.alerts.Evaluate(st, sc, metrics, ready, tun)
	sm.persistFiltered(st, r, now)
}

func (sm *StateManager) applyDefrost(st *SensorState, m analysis.Metrics, temp float64, now time.Time, tun analysis.Tuning) {
	res := analysis.EvaluateDefrost(m, st.Defrost, temp, now, tun, st.Profile)

	// The one-sample start latch has done its job once end evaluation was
	// skipped for this sample.
	if st.Defrost.Active && st.Defrost.JustStarted {
		st.Defrost.JustStarted = false
	}

	switch {
	case res.Started:
		st.Defrost = analysis.DefrostState{
			Active:      true,
			StartTS:     now,
			StartTemp:   temp,
			PeakTemp:    temp,
			JustStarted: true,
		}
		// Defrost and door-open are mutually exclusive.
		st.DoorOpen = false
		st.Door.Reset()
		sm.logger.Info("Defrost cycle started",
			zap.String("sensor_mac", st.MAC),
			zap.Int("criterion", res.Criterion),
			zap.Float64("temp", temp),
			zap.Float64("slope", m.Slope))

	case res.Ended:
		sm.logger.Info("Defrost cycle ended",
			zap.String("sensor_mac", st.MAC),
			zap.Int("criterion", res.Criterion),
			zap.Float64("temp", temp),
			zap.Float64("peak_temp", st.Defrost.PeakTemp),
			zap.Duration("duration", now.Sub(st.Defrost.StartTS)))
		st.Defrost = analysis.DefrostState{}
	}

	if st.Defrost.Active && temp > st.Defrost.PeakTemp {
		st.Defrost.PeakTemp = temp
	}
}

func (sm *StateManager) applyDoor(st *SensorState, sc models.SensorConfig, m analysis.Metrics, r models.SensorReading, now time.Time, tun analysis.Tuning) {
	limitMin, limitMax := sm.alerts.ResolveLimits(sc)

	res := st.Door.Evaluate(analysis.DoorInput{
		Metrics:       m,
		Temp:          r.Temp,
		LimitMin:      limitMin,
		LimitMax:      limitMax,
		PriorOpen:     st.DoorOpen,
		PriorVariance: st.LastVariance,
		Defrosting:    st.Defrost.Active,
	}, now, tun)

	if !res.Changed {
		return
	}

	st.DoorOpen = res.Open
	st.DoorOpenSince = now
	st.LastVariance = m.Variance

	if st.Defrost.Active {
		return // flag forced by the defrost invariant, not a real event
	}

	sm.doors.Enqueue(models.DoorRecord{
		GatewayMAC:     r.GatewayMAC,
		SensorMAC:      r.MAC,
		TimestampRead:  r.ReadAt.Format("2006-01-02T15:04:05.000"),
		IsOpen:         res.Open,
		BatteryPercent: r.BatteryPercent,
		RSSI:           r.RSSI,
	})

	sm.logger.Info("Virtual door transition",
		zap.String("sensor_mac", st.MAC),
		zap.Bool("open", res.Open),
		zap.Bool("forced", res.Forced),
		zap.Int("criteria", res.Criteria),
		zap.Float64("variance", m.Variance),
		zap.Float64("slope", m.Slope))
}

// persistFiltered applies the deadband: a row is written only when the
// reading moved enough or the last persisted row is old enough.
func (sm *StateManager) persistFiltered(st *SensorState, r models.SensorReading, now time.Time) {
	dTemp := r.Temp - st.LastDBTemp
	if dTemp < 0 {
		dTemp = -dTemp
	}
	dHum := r.Humidity - st.LastDBHum
	if dHum < 0 {
		dHum = -dHum
	}

	if st.hasPersisted &&
		dTemp < sm.cfg.DeadbandTemp &&
		dHum < sm.cfg.DeadbandHum &&
		now.Sub(st.LastDBTS) < sm.cfg.DeadbandMaxAge {
		return
	}

	sm.telemetry.Enqueue(models.TelemetryRecord{
		GW:   r.GatewayMAC,
		MAC:  r.MAC,
		TS:   r.ReadAt.Format("2006-01-02T15:04:05.000"),
		Temp: r.Temp,
		Hum:  r.Humidity,
		Batt: r.BatteryPercent,
		RSSI: r.RSSI,
	})

	st.hasPersisted = true
	st.LastDBTemp = r.Temp
	st.LastDBHum = r.Humidity
	st.LastDBTS = now
}

func (sm *StateManager) getOrCreate(mac string) *SensorState {
	sm.mu.RLock()
	st, ok := sm.sensors[mac]
	sm.mu.RUnlock()
	if ok {
		return st
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if st, ok = sm.sensors[mac]; ok {
		return st
	}
	st = &SensorState{MAC: mac}
	sm.sensors[mac] = st
	sm.logger.Info("Tracking new sensor", zap.String("sensor_mac", mac))
	return st
}

// GC evicts sensors silent past the retention window.
func (sm *StateManager) GC() {
	cutoff := sm.now().Add(-sm.cfg.SensorRetention)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	for mac, st := range sm.sensors {
		if st.LastReadingTS.Before(cutoff) {
			delete(sm.sensors, mac)
			sm.logger.Info("Evicted silent sensor", zap.String("sensor_mac", mac))
		}
	}
}

// RunGC evicts silent sensors on the configured interval.
func (sm *StateManager) RunGC(ctx context.Context) {
	ticker := time.NewTicker(sm.cfg.StateGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.GC()
		}
	}
}

// Get returns the live state for a MAC (nil when unknown). Intended for
// tests and the single-threaded ingestion path.
func (sm *StateManager) Get(mac string) *SensorState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sensors[mac]
}

// Count returns the number of tracked sensors.
func (sm *StateManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sensors)
}

// Snapshot copies the reportable state of every sensor. Map-wide reads may
// see a brief inconsistent view; that is acceptable for health reporting.
func (sm *StateManager) Snapshot() []SensorSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]SensorSnapshot, 0, len(sm.sensors))
	for _, st := range sm.sensors {
		out = append(out, SensorSnapshot{
			MAC:           st.MAC,
			Temp:          st.LastTemp,
			Hum:           st.LastHum,
			Battery:       st.LastBattery,
			LastReadingTS: st.LastReadingTS,
			Defrosting:    st.Defrost.Active,
			DefrostSince:  st.Defrost.StartTS,
			DefrostPeak:   st.Defrost.PeakTemp,
			DoorOpen:      st.DoorOpen,
			DoorOpenSince: st.DoorOpenSince,
			Profile:       st.Profile,
			Metrics:       st.Metrics,
			MetricsReady:  st.MetricsReady,
		})
	}
	return out
}
