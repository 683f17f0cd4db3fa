package main

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// collector aggregates measurements from all simulated clients. Methods are
// goroutine-safe.
type collector struct {
	mu            sync.Mutex
	connects      []time.Duration
	echoLatencies []time.Duration
	sent          int
	received      int
	errors        int
	start         time.Time
}

func newCollector() *collector {
	return &collector{start: time.Now()}
}

func (c *collector) addConnect(d time.Duration) {
	c.mu.Lock()
	c.connects = append(c.connects, d)
	c.mu.Unlock()
}

func (c *collector) addEcho(d time.Duration) {
	c.mu.Lock()
	c.echoLatencies = append(c.echoLatencies, d)
	c.received++
	c.mu.Unlock()
}

func (c *collector) addSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

func (c *collector) addError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *collector) counts() (sent, received, errors int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.received, c.errors
}

// report prints the final summary with percentile distributions.
func (c *collector) report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.start)

	fmt.Println("\n=== Load Generator Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", len(c.connects))
	fmt.Printf("Sent:         %d\n", c.sent)
	fmt.Printf("Echoed:       %d\n", c.received)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.sent > 0 {
		fmt.Printf("Echo rate:    %.2f%%\n", float64(c.received)/float64(c.sent)*100)
	}
	if elapsed.Seconds() > 0 && c.sent > 0 {
		fmt.Printf("Throughput:   %.1f msg/s\n", float64(c.sent)/elapsed.Seconds())
	}

	if len(c.connects) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		printPercentiles(c.connects)
	}
	if len(c.echoLatencies) > 0 {
		fmt.Println("\n--- Echo Latency ---")
		printPercentiles(c.echoLatencies)
	}
	fmt.Println()
}

// printPercentiles sorts the samples and prints avg, p50, p95, p99, and max.
func printPercentiles(durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	p50 := durations[n/2]
	p95 := durations[int(math.Ceil(float64(n)*0.95))-1]
	p99 := durations[int(math.Ceil(float64(n)*0.99))-1]

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
