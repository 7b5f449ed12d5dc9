// Command loadtest hammers a running gateway with device packets through the
// SDK and reports throughput and latency percentiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensorgrid/ingest/pkg/sdk"
)

// LoadTestConfig holds load test parameters.
type LoadTestConfig struct {
	GatewayURL     string
	APIKey         string
	NumPackets     int
	Concurrency    int
	ReadingsPer    int
	Devices        int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics.
type LoadTestStats struct {
	TotalPackets        uint64
	AcceptedReadings    uint64
	UnknownSensors      uint64
	Failed              uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	gateway := flag.String("gateway", "http://localhost:8080", "Gateway base URL")
	apiKey := flag.String("api-key", os.Getenv("INGEST_API_KEY"), "API key")
	numPackets := flag.Int("packets", 1000, "Number of packets to send")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	readingsPer := flag.Int("readings", 5, "Readings per packet")
	devices := flag.Int("devices", 10, "Distinct device uuids to spread load over")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		GatewayURL:     *gateway,
		APIKey:         *apiKey,
		NumPackets:     *numPackets,
		Concurrency:    *concurrency,
		ReadingsPer:    *readingsPer,
		Devices:        *devices,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting ingest load test")
	slog.Info("Target", "gateway", config.GatewayURL)
	slog.Info("Packets", "num_packets", config.NumPackets, "readings_per", config.ReadingsPer)
	slog.Info("Concurrency", "concurrency", config.Concurrency)
	stats := runLoadTest(config)

	printResults(stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	client := sdk.NewClient(sdk.Config{
		GatewayURL: config.GatewayURL,
		APIKey:     config.APIKey,
		MaxRetries: 1,
	})

	stats := &LoadTestStats{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	packetChan := make(chan int, config.NumPackets)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(workerID)))
			for packetID := range packetChan {
				sendPacket(ctx, client, config, rng, workerID, packetID, stats, &latencies, &latenciesMu)
			}
		}(i)
	}

	for i := 0; i < config.NumPackets; i++ {
		packetChan <- i
	}
	close(packetChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalPackets) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func sendPacket(
	ctx context.Context,
	client *sdk.Client,
	config LoadTestConfig,
	rng *rand.Rand,
	workerID, packetID int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	deviceUUID := fmt.Sprintf("loadtest-device-%d", packetID%config.Devices)
	seqBase := int64(packetID * config.ReadingsPer)

	readings := make([]sdk.PacketReading, config.ReadingsPer)
	for i := range readings {
		seq := seqBase + int64(i)
		readings[i] = sdk.PacketReading{
			SensorUUID: fmt.Sprintf("%s-sensor-%d", deviceUUID, i),
			Value:      20 + rng.Float64()*5,
			Sequence:   &seq,
		}
	}

	start := time.Now()
	res, err := client.SendPacket(ctx, sdk.Packet{DeviceUUID: deviceUUID, Readings: readings})
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalPackets, 1)
	if err != nil {
		atomic.AddUint64(&stats.Failed, 1)
	} else {
		atomic.AddUint64(&stats.AcceptedReadings, uint64(res.Inserted))
		atomic.AddUint64(&stats.UnknownSensors, uint64(len(res.UnknownSensors)))
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalPackets)
			accepted := atomic.LoadUint64(&stats.AcceptedReadings)
			failed := atomic.LoadUint64(&stats.Failed)

			slog.Info("Progress", "packets", total, "accepted_readings", accepted, "failed", failed,
				"min_latency", stats.MinLatency, "max_latency", stats.MaxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Packets:          %d\n", stats.TotalPackets)
	fmt.Printf("Accepted Readings:      %d\n", stats.AcceptedReadings)
	fmt.Printf("Unknown Sensors:        %d\n", stats.UnknownSensors)
	fmt.Printf("Failed Packets:         %d (%.2f%%)\n",
		stats.Failed,
		float64(stats.Failed)/float64(stats.TotalPackets)*100)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f packets/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if stats.ThroughputPerSecond >= 100 {
		fmt.Println("✅ PASS: Throughput meets target (>100 packets/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<100 packets/sec)")
	}

	if stats.P95Latency < 100*time.Millisecond {
		fmt.Println("✅ PASS: P95 latency meets target (<100ms)")
	} else {
		fmt.Println("⚠️  WARN: P95 latency above target (>100ms)")
	}

	successRate := float64(stats.TotalPackets-stats.Failed) / float64(stats.TotalPackets) * 100
	if successRate >= 95 {
		fmt.Println("✅ PASS: Success rate meets target (>95%)")
	} else {
		fmt.Println("❌ FAIL: Success rate below target (<95%)")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
