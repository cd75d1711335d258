package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coldchain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreFetchSensorConfigs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/sensor_configs", r.URL.Path)
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		assert.Equal(t, "*", r.URL.Query().Get("select"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"mac":"AC233FA00001","display_name":"Câmara 1","temp_max":-10.0,"temp_min":-25.0,"em_manutencao":false},
			{"mac":"AC233FA00002","display_name":"Câmara 2","em_manutencao":true,"sensor_porta_vinculado":"AC233FD00001"}
		]`))
	}))
	defer server.Close()

	store := NewStore(server.URL, "service-key", zapNop())
	configs, err := store.FetchSensorConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, configs, 2)

	assert.Equal(t, "Câmara 1", configs[0].DisplayName)
	require.NotNil(t, configs[0].TempMax)
	assert.Equal(t, -10.0, *configs[0].TempMax)
	assert.Nil(t, configs[1].TempMax)
	assert.True(t, configs[1].EmManutencao)
	require.NotNil(t, configs[1].SensorPortaVinculado)
}

func TestStoreFetchSensorConfigsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := NewStore(server.URL, "k", zapNop())
	_, err := store.FetchSensorConfigs(context.Background())
	assert.Error(t, err)
}

func TestStoreInsertTelemetry(t *testing.T) {
	var received []models.TelemetryRecord
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/v1/telemetry_logs", r.URL.Path)
		assert.Equal(t, "return=minimal", r.Header.Get("Prefer"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	store := NewStore(server.URL, "k", zapNop())
	rows := []models.TelemetryRecord{
		{GW: "AC:23:3F:FF:00:01", MAC: "AC:23:3F:A0:00:01", TS: "2026-03-02T12:00:00.000", Temp: -18.0, Hum: 60, Batt: 80, RSSI: -60},
	}
	require.NoError(t, store.InsertTelemetry(context.Background(), rows))
	require.Len(t, received, 1)
	assert.Equal(t, rows[0], received[0])
}

func TestStoreInsertEmptyBatchSkipsRequest(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	store := NewStore(server.URL, "k", zapNop())
	require.NoError(t, store.InsertTelemetry(context.Background(), nil))
	require.NoError(t, store.InsertDoorEvents(context.Background(), nil))
	assert.False(t, called)
}

func TestStoreFetchRecentGateways(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/telemetry_logs", r.URL.Path)
		assert.Equal(t, "gw,ts", r.URL.Query().Get("select"))
		assert.Equal(t, "ts.desc", r.URL.Query().Get("order"))

		// Newest first: the first row per gateway wins.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"gw":"AC233FFF0001","ts":"2026-03-02T12:00:00.000"},
			{"gw":"AC233FFF0001","ts":"2026-03-02T11:00:00.000"},
			{"gw":"AC:23:3F:FF:00:02","ts":"2026-03-02T10:30:00"}
		]`))
	}))
	defer server.Close()

	store := NewStore(server.URL, "k", zapNop())
	seen, err := store.FetchRecentGateways(context.Background(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, seen, 2)

	ts, ok := seen["AC:23:3F:FF:00:01"]
	require.True(t, ok, "gateway MACs are canonicalised")
	assert.Equal(t, 12, ts.Hour())
	assert.Contains(t, seen, "AC:23:3F:FF:00:02")
}

func TestStoreFetchLastDoorStates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/door_logs", r.URL.Path)
		assert.Equal(t, "timestamp_read.desc", r.URL.Query().Get("order"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"sensor_mac":"AC233FA00001","is_open":true},
			{"sensor_mac":"AC233FA00001","is_open":false},
			{"sensor_mac":"AC233FA00002","is_open":false}
		]`))
	}))
	defer server.Close()

	store := NewStore(server.URL, "k", zapNop())
	states, err := store.FetchLastDoorStates(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.True(t, states["AC:23:3F:A0:00:01"], "the newest row per sensor wins")
	assert.False(t, states["AC:23:3F:A0:00:02"])
}
