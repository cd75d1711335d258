package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coldchain/analysis"
	"coldchain/config"
	"coldchain/models"

	"go.uber.org/zap"
)

// extremeMargin is how far beyond a limit a reading must sit to be marked
// extreme (eligible for CRITICA promotion).
const extremeMargin = 10.0

// problem is one detected anomaly, before soak/cooldown filtering.
type problem struct {
	kind     string
	message  string
	priority models.AlertPriority
	extreme  bool
}

type watchKey struct {
	mac  string
	kind string
}

type watchEntry struct {
	firstSeen time.Time
	lastSeen  time.Time
	message   string
}

// AlertEngine turns per-sample sensor anomalies into deduplicated alerts.
// First occurrences go on the watchlist and must soak before the first
// emission; emissions respect a per-sensor cooldown keyed on the last
// emitted priority; normalisation clears the watchlist entry.
type AlertEngine struct {
	cfg      *config.Config
	loc      *time.Location
	dispatch func(models.Alert)
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	watchlist map[watchKey]*watchEntry
}

func NewAlertEngine(cfg *config.Config, loc *time.Location, dispatch func(models.Alert), logger *zap.Logger) *AlertEngine {
	return &AlertEngine{
		cfg:       cfg,
		loc:       loc,
		dispatch:  dispatch,
		logger:    logger,
		now:       time.Now,
		watchlist: make(map[watchKey]*watchEntry),
	}
}

// ResolveLimits returns the effective temperature bounds for a sensor.
// Unconfigured maxima fall back to the global default, tightened on
// high-traffic weekdays (computed in the configured zone).
func (e *AlertEngine) ResolveLimits(sc models.SensorConfig) (limitMin, limitMax float64) {
	limitMax = e.cfg.TempMaxDefault
	if sc.TempMax != nil {
		limitMax = *sc.TempMax
	} else if e.isHighTrafficDay() {
		limitMax = e.cfg.HighTrafficTempMax
	}

	limitMin = e.cfg.TempMinDefault
	if sc.TempMin != nil {
		limitMin = *sc.TempMin
	}
	return limitMin, limitMax
}

func (e *AlertEngine) isHighTrafficDay() bool {
	wd := e.now().In(e.loc).Weekday()
	for _, d := range e.cfg.HighTrafficDays {
		if wd == d {
			return true
		}
	}
	return false
}

// Evaluate runs the full alert decision for one processed sample.
func (e *AlertEngine) Evaluate(st *SensorState, sc models.SensorConfig, m analysis.Metrics, ready bool, tun analysis.Tuning) {
	now := e.now()
	limitMin, limitMax := e.ResolveLimits(sc)

	var problems []problem
	var projection *float64

	if st.Defrost.Active {
		// During defrost only anomalously extreme values may alert.
		tol := tun.SuppressTolerance
		switch {
		case st.LastTemp > limitMax+tol+5:
			problems = append(problems, problem{
				kind:     models.ProblemTempAlta,
				message:  fmt.Sprintf("Temperatura %.1f°C extrema durante degelo (limite %.1f°C)", st.LastTemp, limitMax),
				priority: models.PriorityAlta,
				extreme:  true,
			})
		case st.LastTemp < limitMin-5:
			problems = append(problems, problem{
				kind:     models.ProblemTempBaixa,
				message:  fmt.Sprintf("Temperatura %.1f°C extrema durante degelo (limite %.1f°C)", st.LastTemp, limitMin),
				priority: models.PriorityAlta,
				extreme:  true,
			})
		default:
			e.ClearSensor(st.MAC)
			return
		}
	} else {
		problems, projection = e.detectProblems(st, sc, m, ready, limitMin, limitMax, now)
	}

	e.settle(st, sc, problems, m, ready, limitMin, limitMax, projection, now)
}

func (e *AlertEngine) detectProblems(st *SensorState, sc models.SensorConfig, m analysis.Metrics, ready bool, limitMin, limitMax float64, now time.Time) ([]problem, *float64) {
	var problems []problem
	var projection *float64
	temp := st.LastTemp

	if temp < limitMin {
		problems = append(problems, problem{
			kind:     models.ProblemTempBaixa,
			message:  fmt.Sprintf("Temperatura BAIXA: %.1f°C (limite %.1f°C)", temp, limitMin),
			priority: models.PriorityAlta,
			extreme:  temp < limitMin-extremeMargin,
		})
	}
	if temp > limitMax {
		problems = append(problems, problem{
			kind:     models.ProblemTempAlta,
			message:  fmt.Sprintf("Temperatura ALTA: %.1f°C (limite %.1f°C)", temp, limitMax),
			priority: models.PriorityAlta,
			extreme:  temp > limitMax+extremeMargin,
		})
	}

	// Predictive projection only makes sense on a clean rise that is not
	// a defrost cycle and before any hard limit has tripped.
	if len(problems) == 0 && ready && m.Slope > 0.1 && m.R2 > 0.6 && !m.Cycle.Tagged {
		future := temp + m.Slope*e.cfg.ProjectionMinutes
		diff := future - limitMax
		timeToLimit := (limitMax - temp) / m.Slope
		if timeToLimit > 0 && timeToLimit < 20 {
			if diff >= 10 {
				projection = &future
				problems = append(problems, problem{
					kind:     models.ProblemPreditivo,
					message:  fmt.Sprintf("Projeção crítica: %.1f°C em %.0f min (limite %.1f°C)", future, e.cfg.ProjectionMinutes, limitMax),
					priority: models.PriorityCritica,
				})
			} else if diff >= 5 {
				projection = &future
				problems = append(problems, problem{
					kind:     models.ProblemPreditivo,
					message:  fmt.Sprintf("Tendência de alta: %.1f°C em %.0f min (limite %.1f°C)", future, e.cfg.ProjectionMinutes, limitMax),
					priority: models.PriorityPreditiva,
				})
			}
		}
	}

	// Humidity only when temperature gave nothing.
	if len(problems) == 0 {
		if sc.HumMax != nil && st.LastHum > *sc.HumMax {
			problems = append(problems, problem{
				kind:     models.ProblemHumAlta,
				message:  fmt.Sprintf("Umidade ALTA: %.1f%% (limite %.1f%%)", st.LastHum, *sc.HumMax),
				priority: models.PriorityAlta,
			})
		}
		if sc.HumMin != nil && st.LastHum < *sc.HumMin {
			problems = append(problems, problem{
				kind:     models.ProblemHumBaixa,
				message:  fmt.Sprintf("Umidade BAIXA: %.1f%% (limite %.1f%%)", st.LastHum, *sc.HumMin),
				priority: models.PriorityAlta,
			})
		}
	}

	if st.DoorOpen && !st.DoorOpenSince.IsZero() {
		if open := now.Sub(st.DoorOpenSince); open > e.cfg.DoorMaxOpen {
			problems = append(problems, problem{
				kind:     models.ProblemPortaOpen,
				message:  fmt.Sprintf("PORTA ABERTA há %d min", int(open.Minutes())),
				priority: models.PriorityAlta,
			})
		}
	}

	return problems, projection
}

// settle reconciles detected problems against the watchlist and emits at
// most one alert carrying every eligible message.
func (e *AlertEngine) settle(st *SensorState, sc models.SensorConfig, problems []problem, m analysis.Metrics, ready bool, limitMin, limitMax float64, projection *float64, now time.Time) {
	e.mu.Lock()

	detected := make(map[string]bool, len(problems))
	var eligible []problem
	for _, p := range problems {
		detected[p.kind] = true

		key := watchKey{mac: st.MAC, kind: p.kind}
		entry, ok := e.watchlist[key]
		if !ok {
			e.watchlist[key] = &watchEntry{firstSeen: now, lastSeen: now, message: p.message}
			e.logger.Info("Sensor placed on watchlist",
				zap.String("sensor_mac", st.MAC),
				zap.String("problem", p.kind))
			continue
		}
		entry.lastSeen = now
		entry.message = p.message

		soak := e.cfg.Soak
		if p.kind == models.ProblemPreditivo {
			soak = e.cfg.PredictiveSoak
		}
		if now.Sub(entry.firstSeen) < soak {
			continue
		}
		if p.extreme && now.Sub(entry.firstSeen) >= e.cfg.ExtremePromotion {
			p.priority = models.PriorityCritica
		}
		eligible = append(eligible, p)
	}

	// Normalisation: conditions no longer observed leave the watchlist.
	for key := range e.watchlist {
		if key.mac == st.MAC && !detected[key.kind] {
			delete(e.watchlist, key)
		}
	}
	e.mu.Unlock()

	if len(eligible) == 0 {
		return
	}

	// Per-sensor cooldown keyed on the previously emitted priority.
	if !st.LastAlertSentTS.IsZero() {
		cd := e.cfg.CooldownFor(string(st.LastAlertPriority))
		if now.Sub(st.LastAlertSentTS) < cd {
			return
		}
	}

	priority := models.PriorityPreditiva
	messages := make([]string, 0, len(eligible))
	for _, p := range eligible {
		messages = append(messages, p.message)
		if priorityRank(p.priority) > priorityRank(priority) {
			priority = p.priority
		}
	}

	name := sc.DisplayName
	if name == "" {
		name = st.MAC
	}

	ctx := map[string]interface{}{
		"temp_atual":    st.LastTemp,
		"umidade_atual": st.LastHum,
		"limite_max":    limitMax,
		"limite_min":    limitMin,
		"em_degelo":     st.Defrost.Active,
		"porta_aberta":  st.DoorOpen,
		"perfil":        string(st.Profile),
	}
	if ready {
		ctx["slope"] = m.Slope
		ctx["r2"] = m.R2
		ctx["variancia"] = m.Variance
	}
	if projection != nil {
		ctx["temp_projetada"] = *projection
	}

	alert := models.Alert{
		SensorName: name,
		SensorMAC:  st.MAC,
		Priority:   priority,
		Messages:   messages,
		Timestamp:  now.In(e.loc).Format("2006-01-02T15:04:05-07:00"),
		Context:    ctx,
	}

	st.LastAlertSentTS = now
	st.LastAlertPriority = priority
	e.dispatch(alert)

	e.logger.Warn("Alert emitted",
		zap.String("sensor_mac", st.MAC),
		zap.String("priority", string(priority)),
		zap.Strings("messages", messages))
}

// ClearSensor drops every watchlist entry for a sensor (maintenance mode or
// defrost normalisation).
func (e *AlertEngine) ClearSensor(mac string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.watchlist {
		if key.mac == mac {
			delete(e.watchlist, key)
		}
	}
}

// GC prunes watchlist entries that stopped being refreshed without a
// normalisation pass (e.g. the sensor vanished mid-soak).
func (e *AlertEngine) GC() {
	cutoff := e.now().Add(-2 * e.cfg.Soak)

	e.mu.Lock()
	defer e.mu.Unlock()
	for key, entry := range e.watchlist {
		if entry.lastSeen.Before(cutoff) {
			delete(e.watchlist, key)
			e.logger.Info("Pruned stale watchlist entry",
				zap.String("sensor_mac", key.mac),
				zap.String("problem", key.kind))
		}
	}
}

// RunGC prunes the watchlist on the configured interval.
func (e *AlertEngine) RunGC(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.WatchlistGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.GC()
		}
	}
}

// WatchlistSize returns the number of entries currently in soak.
func (e *AlertEngine) WatchlistSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watchlist)
}

func priorityRank(p models.AlertPriority) int {
	switch p {
	case models.PriorityCritica:
		return 3
	case models.PriorityAlta:
		return 2
	case models.PriorityPreditiva:
		return 1
	default:
		return 0
	}
}
