package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coldchain/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	interval   = flag.Int("interval", 10, "Seconds between payloads")
	gatewayMAC = flag.String("gateway", "AC233FFF0001", "Gateway MAC for mock data")
	sensorMAC  = flag.String("sensor", "AC233FA00001", "Sensor MAC for mock data")
	mode       = flag.String("mode", "steady", "Traffic shape: steady|defrost|door|hot")
	baseTemp   = flag.Float64("base", -18.0, "Base temperature in °C")
	mqttBroker = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser   = flag.String("user", "coldchain", "MQTT username")
	mqttPass   = flag.String("pass", "", "MQTT password")
	mqttTopic  = flag.String("topic", "leituras_sensores", "MQTT topic to publish to")
)

// PayloadGenerator produces gateway payloads shaped like real cold-room
// traffic: steady refrigeration, a defrost ramp, or a door-open spike.
type PayloadGenerator struct {
	gatewayMAC string
	sensorMAC  string
	mode       string
	baseTemp   float64
	tick       int
	logger     *zap.Logger
}

func NewPayloadGenerator(gatewayMAC, sensorMAC, mode string, baseTemp float64, logger *zap.Logger) *PayloadGenerator {
	return &PayloadGenerator{
		gatewayMAC: gatewayMAC,
		sensorMAC:  sensorMAC,
		mode:       mode,
		baseTemp:   baseTemp,
		logger:     logger,
	}
}

// Next generates the next gateway payload.
func (g *PayloadGenerator) Next() models.GatewayPayload {
	temp := g.baseTemp + (rand.Float64()-0.5)*0.1
	g.tick++

	switch g.mode {
	case "defrost":
		// 20 samples up at 0.3°C/sample, 15 down at 0.4, then steady
		cycle := g.tick % 60
		switch {
		case cycle < 20:
			temp = g.baseTemp + 0.3*float64(cycle)
		case cycle < 35:
			temp = g.baseTemp + 6.0 - 0.4*float64(cycle-20)
		}
	case "door":
		// An abrupt turbulent spike every 30 ticks
		cycle := g.tick % 30
		if cycle < 5 {
			temp = g.baseTemp + float64(cycle)*2.0 + (rand.Float64()-0.5)*1.5
		} else if cycle < 9 {
			temp = g.baseTemp + 8.0 - float64(cycle-4)*2.0 + (rand.Float64()-0.5)*1.0
		}
	case "hot":
		temp = g.baseTemp + 15.0 + (rand.Float64()-0.5)*0.2
	}

	humidity := 60.0 + (rand.Float64()-0.5)*4.0
	vbatt := 3100 + rand.Intn(300)

	return models.GatewayPayload{
		GMAC: g.gatewayMAC,
		Obj: []models.SensorEntry{
			{
				DMAC:     g.sensorMAC,
				Type:     1,
				Temp:     temp,
				Humidity: humidity,
				VBatt:    vbatt,
				RSSI:     -60 - rand.Intn(20),
				Time:     time.Now().Format("2006-01-02 15:04:05.000"),
			},
		},
	}
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("gwsim-%d", os.Getpid()))
	if *mqttUser != "" {
		opts.SetUsername(*mqttUser)
	}
	if *mqttPass != "" {
		opts.SetPassword(*mqttPass)
	}
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}
	defer client.Disconnect(250)

	logger.Info("Gateway simulator started",
		zap.String("broker", *mqttBroker),
		zap.String("topic", *mqttTopic),
		zap.String("mode", *mode),
		zap.Int("interval_seconds", *interval))

	gen := NewPayloadGenerator(*gatewayMAC, *sensorMAC, *mode, *baseTemp, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(*interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			logger.Info("Gateway simulator stopped")
			return
		case <-ticker.C:
			payload := gen.Next()
			body, err := json.Marshal([]models.GatewayPayload{payload})
			if err != nil {
				logger.Error("Failed to marshal payload", zap.Error(err))
				continue
			}
			token := client.Publish(*mqttTopic, 1, false, body)
			token.Wait()
			if token.Error() != nil {
				logger.Error("Failed to publish payload", zap.Error(token.Error()))
				continue
			}
			logger.Debug("Payload published",
				zap.Float64("temp", payload.Obj[0].Temp),
				zap.Int("tick", gen.tick))
		}
	}
}
