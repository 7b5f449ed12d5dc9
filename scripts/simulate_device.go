package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/sensorgrid/ingest/pkg/sdk"
)

// Simulates one device pushing a packet every interval: a slow sine wave
// with noise, plus the occasional spike so the delta detector has something
// to find.
func main() {
	client := sdk.NewClient(sdk.Config{
		GatewayURL: envOr("GATEWAY_URL", "http://localhost:8080"),
		DeviceKey:  os.Getenv("DEVICE_KEY"),
		APIKey:     os.Getenv("INGEST_API_KEY"),
	})

	deviceUUID := envOr("DEVICE_UUID", "sim-device-01")
	fmt.Printf("📡 Simulating device %s\n", deviceUUID)

	seq := int64(0)
	for tick := 0; ; tick++ {
		value := 22 + 3*math.Sin(float64(tick)/20) + rand.Float64()*0.3
		if tick > 0 && tick%50 == 0 {
			value += 15 // spike
			fmt.Println("⚡ Injecting spike")
		}

		seq++
		s := seq
		res, err := client.SendPacket(context.Background(), sdk.Packet{
			DeviceUUID: deviceUUID,
			Readings: []sdk.PacketReading{
				{SensorUUID: deviceUUID + "-temp", Value: value, Sequence: &s},
			},
		})
		if err != nil {
			log.Printf("❌ send failed: %v", err)
		} else {
			fmt.Printf("✅ sent value=%.2f inserted=%d unknown=%d\n", value, res.Inserted, len(res.UnknownSensors))
		}

		time.Sleep(2 * time.Second)
	}
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
