package models

import (
	"math"
	"strings"
	"time"
)

// SensorEntry is a single BLE sensor reading inside a gateway payload.
// Only type 1 (temperature/humidity beacons) is processed; `alarm` is set by
// physical door sensors and is decoded but not used (virtual door rows leave
// alarm_code null).
type SensorEntry struct {
	DMAC     string  `json:"dmac"`
	Type     int     `json:"type"`
	Temp     float64 `json:"temp"`
	Humidity float64 `json:"humidity"`
	VBatt    int     `json:"vbatt"`
	RSSI     int     `json:"rssi"`
	Time     string  `json:"time,omitempty"`
	Alarm    *int    `json:"alarm,omitempty"`
}

// GatewayPayload is one gateway object from the bus. The outer message is
// either a single object or an array of them.
type GatewayPayload struct {
	GMAC string        `json:"gmac"`
	Obj  []SensorEntry `json:"obj"`
}

// SensorReading is a parsed, filtered reading ready for the state machine.
type SensorReading struct {
	GatewayMAC     string
	MAC            string
	Temp           float64
	Humidity       float64
	BatteryPercent int
	RSSI           int
	ReadAt         time.Time
	ReceivedAt     time.Time
}

// SensorConfig mirrors one row of the sensor_configs table. Nil bounds mean
// "no alert for this bound".
type SensorConfig struct {
	MAC                  string   `json:"mac"`
	DisplayName          string   `json:"display_name"`
	TempMax              *float64 `json:"temp_max"`
	TempMin              *float64 `json:"temp_min"`
	HumMax               *float64 `json:"hum_max"`
	HumMin               *float64 `json:"hum_min"`
	EmManutencao         bool     `json:"em_manutencao"`
	SensorPortaVinculado *string  `json:"sensor_porta_vinculado"`
}

// TelemetryRecord is one row of the telemetry_logs table.
type TelemetryRecord struct {
	GW   string  `json:"gw"`
	MAC  string  `json:"mac"`
	TS   string  `json:"ts"`
	Temp float64 `json:"temp"`
	Hum  float64 `json:"hum"`
	Batt int     `json:"batt"`
	RSSI int     `json:"rssi"`
}

// DoorRecord is one row of the door_logs table.
type DoorRecord struct {
	GatewayMAC     string `json:"gateway_mac"`
	SensorMAC      string `json:"sensor_mac"`
	TimestampRead  string `json:"timestamp_read"`
	IsOpen         bool   `json:"is_open"`
	AlarmCode      *int   `json:"alarm_code"`
	BatteryPercent int    `json:"battery_percent"`
	RSSI           int    `json:"rssi"`
}

// CanonicalMAC normalizes a MAC address to colon-separated uppercase form.
// Gateways report MACs as bare hex; already-colonised input is kept intact
// (so the operation is idempotent).
func CanonicalMAC(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	if mac == "" || strings.Contains(mac, ":") {
		return mac
	}
	if len(mac)%2 != 0 {
		return mac
	}
	var b strings.Builder
	for i := 0; i < len(mac); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(mac[i : i+2])
	}
	return b.String()
}

// BatteryPercent converts a battery voltage in millivolts to a saturated
// 0-100 percentage over the 2500-3600 mV discharge range.
func BatteryPercent(mv int) int {
	pct := (float64(mv) - 2500.0) / (3600.0 - 2500.0) * 100.0
	pct = math.Max(0, math.Min(100, pct))
	return int(math.Round(pct))
}

// PersistTimestamp converts an inbound gateway timestamp
// ("YYYY-MM-DD HH:MM:SS.sss") to the form persisted in the store.
func PersistTimestamp(t string) string {
	return strings.Replace(t, " ", "T", 1)
}
