package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"coldchain/config"

	"go.uber.org/zap"
)

// HealthServer exposes a read-only JSON projection of the in-memory state.
type HealthServer struct {
	cfg      *config.Config
	states   *StateManager
	gateways *GatewayMonitor
	cache    *ConfigCache
	alerts   *AlertEngine

	telemetry *BatchWriter
	doors     *BatchWriter
	webhook   *WebhookDispatcher

	logger  *zap.Logger
	started time.Time
	now     func() time.Time
}

func NewHealthServer(cfg *config.Config, states *StateManager, gateways *GatewayMonitor, cache *ConfigCache, alerts *AlertEngine, telemetry, doors *BatchWriter, webhook *WebhookDispatcher, logger *zap.Logger) *HealthServer {
	return &HealthServer{
		cfg:       cfg,
		states:    states,
		gateways:  gateways,
		cache:     cache,
		alerts:    alerts,
		telemetry: telemetry,
		doors:     doors,
		webhook:   webhook,
		logger:    logger,
		started:   time.Now(),
		now:       time.Now,
	}
}

type healthSensor struct {
	Name          string                 `json:"name"`
	MAC           string                 `json:"mac"`
	Temp          float64                `json:"temp"`
	Hum           float64                `json:"hum"`
	Battery       int                    `json:"battery"`
	Status        string                 `json:"status"`
	AgoSeconds    int64                  `json:"ago_seconds"`
	Profile       string                 `json:"profile"`
	Metrics       map[string]interface{} `json:"ia_metrics,omitempty"`
	Defrost       map[string]interface{} `json:"defrost,omitempty"`
	Door          map[string]interface{} `json:"door,omitempty"`
	LimitTempMax  *float64               `json:"limit_temp_max,omitempty"`
	LimitTempMin  *float64               `json:"limit_temp_min,omitempty"`
}

type healthGateway struct {
	MAC        string `json:"mac"`
	LastSeen   string `json:"last_seen"`
	Source     string `json:"source"`
	AgoSeconds int64  `json:"ago_seconds"`
}

type healthResponse struct {
	Status        string          `json:"status"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Sensors       []healthSensor  `json:"sensors"`
	Gateways      []healthGateway `json:"gateways"`
	Buffers       map[string]int  `json:"buffers"`
	Counts        map[string]int  `json:"counts"`
}

// Run serves GET /health until the context ends.
func (h *HealthServer) Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", h.cfg.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	h.logger.Info("Health endpoint listening", zap.Int("port", h.cfg.Port))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		h.logger.Error("Health server failed", zap.Error(err))
	}
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	now := h.now()
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(now.Sub(h.started).Seconds()),
		Buffers: map[string]int{
			"telemetry": h.telemetry.Size(),
			"door":      h.doors.Size(),
			"alerts":    h.webhook.Size(),
			"watchlist": h.alerts.WatchlistSize(),
		},
	}

	defrosting, doorOpen := 0, 0
	for _, st := range h.states.Snapshot() {
		sensor := healthSensor{
			Name:       st.MAC,
			MAC:        st.MAC,
			Temp:       st.Temp,
			Hum:        st.Hum,
			Battery:    st.Battery,
			Status:     "OK",
			AgoSeconds: int64(now.Sub(st.LastReadingTS).Seconds()),
			Profile:    string(st.Profile),
		}

		if sc, ok := h.cache.Get(st.MAC); ok {
			if sc.DisplayName != "" {
				sensor.Name = sc.DisplayName
			}
			limitMin, limitMax := h.alerts.ResolveLimits(sc)
			sensor.LimitTempMax = &limitMax
			sensor.LimitTempMin = &limitMin
			if sc.EmManutencao {
				sensor.Status = "MANUTENCAO"
			}
		}

		if st.MetricsReady {
			sensor.Metrics = map[string]interface{}{
				"slope":    st.Metrics.Slope,
				"r2":       st.Metrics.R2,
				"variance": st.Metrics.Variance,
				"ema":      st.Metrics.EMA,
			}
		}

		if st.Defrosting {
			defrosting++
			if sensor.Status == "OK" {
				sensor.Status = "DEGELO"
			}
			sensor.Defrost = map[string]interface{}{
				"since":     st.DefrostSince.Format(time.RFC3339),
				"peak_temp": st.DefrostPeak,
			}
		}
		if st.DoorOpen {
			doorOpen++
			if sensor.Status == "OK" {
				sensor.Status = "PORTA_ABERTA"
			}
			sensor.Door = map[string]interface{}{
				"open_since": st.DoorOpenSince.Format(time.RFC3339),
			}
		}

		resp.Sensors = append(resp.Sensors, sensor)
	}

	for _, gw := range h.gateways.Snapshot() {
		resp.Gateways = append(resp.Gateways, healthGateway{
			MAC:        gw.MAC,
			LastSeen:   gw.LastSeen.Format(time.RFC3339),
			Source:     string(gw.Source),
			AgoSeconds: int64(now.Sub(gw.LastSeen).Seconds()),
		})
	}

	resp.Counts = map[string]int{
		"sensors":     h.states.Count(),
		"defrosting":  defrosting,
		"door_open":   doorOpen,
		"maintenance": h.cache.MaintenanceCount(),
		"gateways":    len(resp.Gateways),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
