// Package main ramps HTTP/1.1 clients up against a running webserv and
// reports how the server sheds load: answered 503s are expected at
// capacity, connections dropped without a response are failures.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// LoadConfig defines one ramp-up run.
type LoadConfig struct {
	URL            string
	RampUpInterval time.Duration // Time between adding clients
	ClientsPerStep int
	Duration       time.Duration
	RequestTimeout time.Duration
	ClientRate     float64 // Requests per second per client
}

// LoadResult is the outcome of a run.
type LoadResult struct {
	Duration   time.Duration
	MaxClients int
	Requests   int64
	Successful int64
	Dropped    int64
	StatusCode map[int]int64
}

// rrTransport dispatches requests across several transports, each with its
// own connection pool.
type rrTransport struct {
	transports []http.RoundTripper
	idx        atomic.Uint64
}

func (r *rrTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	i := r.idx.Add(1)
	return r.transports[i%uint64(len(r.transports))].RoundTrip(req)
}

func newClient(timeout time.Duration) *http.Client {
	trs := make([]http.RoundTripper, 4)
	for i := range trs {
		trs[i] = &http.Transport{
			MaxIdleConns:        1000,
			MaxIdleConnsPerHost: 1000,
			DisableCompression:  true,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &http.Client{Timeout: timeout, Transport: &rrTransport{transports: trs}}
}

// Runner drives the clients and aggregates their results.
type Runner struct {
	cfg     LoadConfig
	clients atomic.Int64

	mu     sync.Mutex
	result LoadResult
}

// NewRunner creates a runner for cfg.
func NewRunner(cfg LoadConfig) *Runner {
	return &Runner{cfg: cfg, result: LoadResult{StatusCode: make(map[int]int64)}}
}

// Run adds ClientsPerStep clients every RampUpInterval until Duration has
// elapsed, then waits for every client to stop.
func (r *Runner) Run(ctx context.Context) (*LoadResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	ticker := time.NewTicker(r.cfg.RampUpInterval)
	defer ticker.Stop()

ramp:
	for {
		select {
		case <-gctx.Done():
			break ramp
		case <-ticker.C:
			for i := 0; i < r.cfg.ClientsPerStep; i++ {
				r.clients.Add(1)
				g.Go(func() error { return r.runClient(gctx) })
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Duration = time.Since(start)
	r.result.MaxClients = int(r.clients.Load())
	return &r.result, nil
}

func (r *Runner) runClient(ctx context.Context) error {
	client := newClient(r.cfg.RequestTimeout)
	limiter := rate.NewLimiter(rate.Limit(r.cfg.ClientRate), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if ctx.Err() != nil {
			if resp != nil {
				_ = resp.Body.Close()
			}
			return nil
		}
		r.track(resp, err)
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
	}
}

func (r *Runner) track(resp *http.Response, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.result.Requests++
	if err != nil {
		r.result.Dropped++
		r.result.StatusCode[0]++
		return
	}
	r.result.StatusCode[resp.StatusCode]++
	if resp.StatusCode < 400 {
		r.result.Successful++
	}
}

// PrintResults writes the summary to w.
func PrintResults(w io.Writer, res *LoadResult) {
	fmt.Fprintf(w, "\n=== Load Test Results ===\n")
	fmt.Fprintf(w, "Duration: %v\n", res.Duration)
	fmt.Fprintf(w, "Max Clients: %d\n", res.MaxClients)
	fmt.Fprintf(w, "Total Requests: %d\n", res.Requests)
	fmt.Fprintf(w, "Successful Requests: %d\n", res.Successful)
	fmt.Fprintf(w, "Dropped Connections: %d\n", res.Dropped)
	if res.Duration > 0 {
		fmt.Fprintf(w, "Average RPS: %.0f\n", float64(res.Successful)/res.Duration.Seconds())
	}

	fmt.Fprintf(w, "\n=== Status Code Distribution ===\n")
	codes := make([]int, 0, len(res.StatusCode))
	for code := range res.StatusCode {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		count := res.StatusCode[code]
		fmt.Fprintf(w, "  %d: %d (%.2f%%)\n", code, count, float64(count)/float64(max(res.Requests, 1))*100)
	}
	if n := res.StatusCode[http.StatusServiceUnavailable]; n > 0 {
		fmt.Fprintf(w, "\n%d requests were refused with 503 at capacity\n", n)
	}
}

func main() {
	var (
		url      = flag.String("url", "http://localhost:8080/", "Target URL")
		rampUp   = flag.Duration("rampup", 25*time.Millisecond, "Time between adding clients")
		clients  = flag.Int("clients", 1, "Clients added per step")
		duration = flag.Duration("duration", 30*time.Second, "Test duration")
		timeout  = flag.Duration("timeout", 3*time.Second, "Request timeout")
		perRate  = flag.Float64("rate", 500, "Requests per second per client")
	)
	flag.Parse()

	runner := NewRunner(LoadConfig{
		URL:            *url,
		RampUpInterval: *rampUp,
		ClientsPerStep: *clients,
		Duration:       *duration,
		RequestTimeout: *timeout,
		ClientRate:     *perRate,
	})
	res, err := runner.Run(context.Background())
	if err != nil {
		log.Fatalf("load test failed: %v", err)
	}

	PrintResults(os.Stdout, res)
	if res.Dropped > 0 {
		fmt.Printf("FAILED: %d connections were dropped without a response\n", res.Dropped)
		os.Exit(1)
	}
}
