package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"coldchain/config"
	"coldchain/models"

	"go.uber.org/zap"
)

// payloadPreviewLimit bounds how much of a bad payload reaches the logs.
const payloadPreviewLimit = 200

const gatewayTimeLayout = "2006-01-02 15:04:05.000"

// Ingestor decodes bus payloads, filters gateways and sensors against the
// blocklists and config cache, and feeds accepted readings to the state
// machine. It never blocks on persistence or outbound dispatch.
type Ingestor struct {
	cfg      *config.Config
	cache    *ConfigCache
	states   *StateManager
	gateways *GatewayMonitor
	loc      *time.Location
	logger   *zap.Logger
	now      func() time.Time

	blockedSensors  map[string]bool
	blockedGateways map[string]bool
}

func NewIngestor(cfg *config.Config, cache *ConfigCache, states *StateManager, gateways *GatewayMonitor, loc *time.Location, logger *zap.Logger) *Ingestor {
	blockedSensors := make(map[string]bool, len(cfg.BlockedSensors))
	for _, mac := range cfg.BlockedSensors {
		blockedSensors[models.CanonicalMAC(mac)] = true
	}
	blockedGateways := make(map[string]bool, len(cfg.BlockedGateways))
	for _, mac := range cfg.BlockedGateways {
		blockedGateways[models.CanonicalMAC(mac)] = true
	}

	return &Ingestor{
		cfg:             cfg,
		cache:           cache,
		states:          states,
		gateways:        gateways,
		loc:             loc,
		logger:          logger,
		now:             time.Now,
		blockedSensors:  blockedSensors,
		blockedGateways: blockedGateways,
	}
}

// HandlePayload processes one raw bus message. Bad payloads are logged and
// dropped; they are never requeued.
func (i *Ingestor) HandlePayload(payload []byte) error {
	gateways, err := decodeGateways(payload)
	if err != nil {
		i.logger.Error("Failed to decode payload",
			zap.String("preview", preview(payload)),
			zap.Error(err))
		return err
	}

	now := i.now()
	for _, gw := range gateways {
		gmac := models.CanonicalMAC(gw.GMAC)
		if gmac == "" || i.blockedGateways[gmac] {
			continue
		}
		i.gateways.Heartbeat(gmac)

		for _, entry := range gw.Obj {
			i.handleEntry(gmac, entry, now)
		}
	}
	return nil
}

func (i *Ingestor) handleEntry(gmac string, entry models.SensorEntry, now time.Time) {
	if entry.Type != 1 {
		return
	}
	mac := models.CanonicalMAC(entry.DMAC)
	if mac == "" || i.blockedSensors[mac] || i.cache.IsDoorBlocked(mac) {
		return
	}
	sc, ok := i.cache.Get(mac)
	if !ok {
		// Expected during onboarding: the sensor exists in the field but
		// not yet in sensor_configs.
		return
	}

	readAt := now
	if entry.Time != "" {
		if ts, err := time.ParseInLocation(gatewayTimeLayout, entry.Time, i.loc); err == nil {
			readAt = ts
		} else if ts, err := time.ParseInLocation("2006-01-02 15:04:05", entry.Time, i.loc); err == nil {
			readAt = ts
		}
	}

	i.states.Process(models.SensorReading{
		GatewayMAC:     gmac,
		MAC:            mac,
		Temp:           entry.Temp,
		Humidity:       entry.Humidity,
		BatteryPercent: models.BatteryPercent(entry.VBatt),
		RSSI:           entry.RSSI,
		ReadAt:         readAt,
		ReceivedAt:     now,
	}, sc)
}

// decodeGateways accepts a single gateway object, an array of them, or the
// historical nested-array form, which is unwrapped until the first element
// is an object.
func decodeGateways(payload []byte) ([]models.GatewayPayload, error) {
	raw := bytes.TrimSpace(payload)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	if raw[0] == '{' {
		var single models.GatewayPayload
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, err
		}
		return []models.GatewayPayload{single}, nil
	}

	for raw[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, err
		}
		if len(elems) == 0 {
			return nil, nil
		}
		first := bytes.TrimSpace(elems[0])
		if len(first) == 0 || first[0] != '[' {
			break
		}
		raw = first
	}

	var gateways []models.GatewayPayload
	if err := json.Unmarshal(raw, &gateways); err != nil {
		return nil, err
	}
	return gateways, nil
}

func preview(payload []byte) string {
	if len(payload) > payloadPreviewLimit {
		return string(payload[:payloadPreviewLimit]) + "..."
	}
	return string(payload)
}
