// Package stress fires a burst of concurrent probe requests against a
// freshly deployed endpoint and turns the latency/success numbers into
// a stage-gate decision.
package stress

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Sh00ty/deploy-sentinel/internal/config"
	"github.com/Sh00ty/deploy-sentinel/internal/metrics"
	"github.com/Sh00ty/deploy-sentinel/internal/models"
)

type probeResult struct {
	latencyMs float64
	success   bool
}

type Engine struct {
	httpClient *http.Client
	metrics    metrics.Metrics
}

func NewEngine(m metrics.Metrics) *Engine {
	return &Engine{
		// per-probe deadlines come from the request context, connections
		// are not reused so every probe pays the full path
		httpClient: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		metrics: m,
	}
}

// Run issues cfg.RequestCount probes with at most cfg.Concurrency in
// flight. A probe that times out or errors is a failed data point, not
// an error: Run only fails when it cannot run at all.
func (e *Engine) Run(ctx context.Context, cfg *config.StressTestConfig) (*models.StressTestResult, error) {
	if cfg.RequestCount <= 0 {
		return nil, fmt.Errorf("stress test request count must be positive, got %d", cfg.RequestCount)
	}

	var limiter *rate.Limiter
	if cfg.ProbesPerSecondLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ProbesPerSecondLimit), cfg.ProbesPerSecondLimit)
	}

	log.Info().Msgf("stress test: %d probes against %s, concurrency %d, timeout %s",
		cfg.RequestCount, cfg.EndpointURL, cfg.Concurrency, cfg.Timeout)

	results := make([]probeResult, cfg.RequestCount)
	group := errgroup.Group{}
	group.SetLimit(cfg.Concurrency)

	started := time.Now()
	for i := 0; i < cfg.RequestCount; i++ {
		i := i
		group.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					results[i] = probeResult{latencyMs: 0, success: false}
					return nil
				}
			}
			results[i] = e.probe(ctx, cfg.EndpointURL, cfg.Timeout)
			return nil
		})
	}
	_ = group.Wait()
	e.metrics.Duration("stress.run", time.Since(started))

	latencies := make([]float64, 0, len(results))
	successful := 0
	for _, res := range results {
		latencies = append(latencies, res.latencyMs)
		if res.success {
			successful++
		}
	}

	result := &models.StressTestResult{
		EndpointURL:        cfg.EndpointURL,
		TotalRequests:      cfg.RequestCount,
		SuccessfulRequests: successful,
		FailedRequests:     cfg.RequestCount - successful,
		SuccessRatePercent: SuccessRate(successful, cfg.RequestCount),
		P50LatencyMs:       percentile(latencies, 0.50),
		P95LatencyMs:       percentile(latencies, 0.95),
		P99LatencyMs:       percentile(latencies, 0.99),
	}
	Evaluate(result, cfg)

	e.metrics.Gauge("stress.success_rate", int(result.SuccessRatePercent))
	log.Info().Msgf("stress test done: success %.1f%%, p50 %.0fms, p95 %.0fms, p99 %.0fms, passed=%v",
		result.SuccessRatePercent, result.P50LatencyMs, result.P95LatencyMs, result.P99LatencyMs, result.Passed)
	return result, nil
}

func (e *Engine) probe(ctx context.Context, endpointURL string, timeout time.Duration) probeResult {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return probeResult{latencyMs: 0, success: false}
	}

	ts := time.Now()
	resp, err := e.httpClient.Do(req)
	latency := time.Since(ts)
	e.metrics.Duration("stress.probe", latency)

	res := probeResult{latencyMs: float64(latency.Milliseconds())}
	if err != nil {
		// timed out or connection error: failed data point, no retry
		return res
	}
	_ = resp.Body.Close()
	res.success = resp.StatusCode/100 == 2
	return res
}

func SuccessRate(successful, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(successful) / float64(total) * 100
}

// Evaluate applies the configured thresholds to result, filling Passed
// and a human-readable FailReason on breach.
func Evaluate(result *models.StressTestResult, cfg *config.StressTestConfig) {
	if result.SuccessRatePercent < cfg.MinSuccessRatePct {
		result.Passed = false
		result.FailReason = fmt.Sprintf("success rate %.1f%% < %.1f%% threshold",
			result.SuccessRatePercent, cfg.MinSuccessRatePct)
		return
	}
	if result.P95LatencyMs > cfg.MaxP95LatencyMs {
		result.Passed = false
		result.FailReason = fmt.Sprintf("p95 latency %.0fms > %.0fms threshold",
			result.P95LatencyMs, cfg.MaxP95LatencyMs)
		return
	}
	result.Passed = true
	result.FailReason = ""
}
