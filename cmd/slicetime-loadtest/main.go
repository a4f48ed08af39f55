// Command slicetime-loadtest spins up N clients against a running
// coordinator and reports period-advancement latency. Adapted from
// tests/load_test.go and microservices/.../radius-loadtest/main.go: same
// flag-based CLI and sync/atomic counters, with one goroutine per client (no
// concurrency bound), retargeted from RADIUS session throughput to barrier quorum/backpressure
// behavior (spec.md §8 S3 — one slow client blocking advancement).
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/kimmoahokas/slicetime/internal/syncclient"
	"github.com/kimmoahokas/slicetime/internal/wire"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1", "coordinator address")
	serverPort := flag.Int("port", 9999, "coordinator port")
	numClients := flag.Int("clients", 10, "number of simulated clients")
	periods := flag.Int("periods", 20, "number of barrier periods to run")
	slowClientPct := flag.Int("slow-pct", 0, "percent of clients that add artificial jitter before reporting Finished")
	slowJitter := flag.Duration("slow-jitter", 200*time.Millisecond, "jitter applied by slow clients before each Finished")
	flag.Parse()

	log.Println("========================================")
	log.Println("SliceTime Load Test")
	log.Println("========================================")
	log.Printf("Coordinator:  %s:%d", *serverAddr, *serverPort)
	log.Printf("Clients:      %d", *numClients)
	log.Printf("Periods:      %d", *periods)
	log.Printf("Slow clients: %d%% (+%s jitter)", *slowClientPct, *slowJitter)

	var successCount, failCount int64
	var totalLatency int64 // accumulated nanoseconds across all period round-trips

	var wg sync.WaitGroup
	startTime := time.Now()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		slow := rand.Intn(100) < *slowClientPct
		go runClient(i, *serverAddr, *serverPort, *periods, slow, *slowJitter, &wg, &successCount, &failCount, &totalLatency)
	}

	wg.Wait()
	duration := time.Since(startTime)

	fmt.Println("\n========================================")
	fmt.Println("Load Test Completed")
	fmt.Println("========================================")
	fmt.Printf("Total Clients:      %d\n", *numClients)
	fmt.Printf("✓ Periods Reported: %d\n", successCount)
	fmt.Printf("✗ Failures:         %d\n", failCount)
	fmt.Printf("Duration:           %s\n", duration.Round(time.Millisecond))
	if successCount > 0 {
		avg := time.Duration(totalLatency / successCount)
		fmt.Printf("Avg Period Latency: %s\n", avg.Round(time.Microsecond))
	}
}

func runClient(idx int, serverAddr string, serverPort, periods int, slow bool, jitter time.Duration, wg *sync.WaitGroup, successCount, failCount, totalLatency *int64) {
	defer wg.Done()

	client := syncclient.New(syncclient.Config{
		ServerAddress:     serverAddr,
		ServerPort:        serverPort,
		ClientAddress:     "0.0.0.0",
		ClientID:          uint16(idx + 1),
		ClientType:        wire.ClientTypeTest,
		ClientDescription: gofakeit.AppName(),
	})
	if err := client.ConnectAndRegister(); err != nil {
		atomic.AddInt64(failCount, int64(periods))
		log.Printf("client %d: failed to register: %v", idx, err)
		return
	}
	defer client.UnregisterAndDisconnect()

	for p := 0; p < periods; p++ {
		start := time.Now()
		runTime, err := client.WaitForRunPermission()
		if err != nil {
			atomic.AddInt64(failCount, 1)
			return
		}

		if slow {
			time.Sleep(jitter)
		}
		time.Sleep(time.Duration(runTime) * time.Microsecond / 10)

		if err := client.SendFinished(runTime, uint32(time.Since(start).Microseconds())); err != nil {
			atomic.AddInt64(failCount, 1)
			return
		}
		atomic.AddInt64(successCount, 1)
		atomic.AddInt64(totalLatency, int64(time.Since(start)))
	}
}
