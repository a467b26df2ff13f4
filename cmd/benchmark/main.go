package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	secret      string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	processed     uint64
	ignored       uint64
	unauthorized  uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&secret, "secret", "dev-secret", "Callback shared secret")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | duplicate")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

// worker floods /callback with success deliveries. The uniform workload sends
// unique references (all ignored, exercising the parse+lookup path); the
// duplicate workload hammers a handful of seeded references to measure the
// idempotency guard under contention.
func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		reference := fmt.Sprintf("bench-%d", time.Now().UnixNano())
		if workload == "duplicate" {
			reference = fmt.Sprintf("seed-%d-0", rand.Intn(5))
		}

		payload := map[string]interface{}{
			"reference":  reference,
			"msisdn":     fmt.Sprintf("2547%08d", rand.Intn(50)),
			"amount":     int64(100),
			"ResultCode": 0,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/callback?secret="+secret, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		var ack struct {
			Result string `json:"result"`
		}
		json.NewDecoder(resp.Body).Decode(&ack)
		resp.Body.Close()

		switch {
		case resp.StatusCode == 401:
			atomic.AddUint64(&unauthorized, 1)
		case ack.Result == "processed":
			atomic.AddUint64(&processed, 1)
		case ack.Result == "ignored":
			atomic.AddUint64(&ignored, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": tps,
		"processed":      atomic.LoadUint64(&processed),
		"ignored":        atomic.LoadUint64(&ignored),
		"unauthorized":   atomic.LoadUint64(&unauthorized),
		"errors":         atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
