package gateway

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const probeTimeout = 15 * time.Second

// HealthResult is the outcome of one probe run.
type HealthResult struct {
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	LatenciesMS []float64 `json:"latencies_ms,omitempty"`
	P50         float64   `json:"p50_ms"`
	P95         float64   `json:"p95_ms"`
	P99         float64   `json:"p99_ms"`
	Errors      []string  `json:"errors,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Prober probes a gateway /healthcheck endpoint with bounded retries.
type Prober struct {
	client   *http.Client
	token    string
	schedule []time.Duration

	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

// ProberOptions configure the prober.
type ProberOptions struct {
	HTTPClient  *http.Client
	BearerToken string
	Schedule    []time.Duration
}

// NewProber returns a health prober.
func NewProber(opts ProberOptions) *Prober {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: probeTimeout}
	}
	if len(opts.Schedule) == 0 {
		opts.Schedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	return &Prober{
		client:   opts.HTTPClient,
		token:    opts.BearerToken,
		schedule: opts.Schedule,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// Probe GETs <base>/healthcheck, retrying on the configured schedule. A
// successful attempt contributes a latency sample and ends the run.
func (p *Prober) Probe(ctx context.Context, baseURL string) HealthResult {
	result := HealthResult{CheckedAt: p.now().UTC()}

	for attempt := 0; attempt <= len(p.schedule); attempt++ {
		if attempt > 0 {
			p.sleep(ctx, p.schedule[attempt-1])
		}
		result.Attempts++

		latency, err := p.attempt(ctx, baseURL)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			if ctx.Err() != nil {
				break
			}
			continue
		}
		result.LatenciesMS = append(result.LatenciesMS, latency)
		break
	}

	switch {
	case len(result.LatenciesMS) == 0:
		result.Status = StatusUnhealthy
	case len(result.Errors) > 0:
		result.Status = StatusDegraded
	default:
		result.Status = StatusHealthy
	}

	samples := append([]float64(nil), result.LatenciesMS...)
	sort.Float64s(samples)
	result.P50 = Percentile(samples, 50)
	result.P95 = Percentile(samples, 95)
	result.P99 = Percentile(samples, 99)
	return result
}

func (p *Prober) attempt(ctx context.Context, baseURL string) (float64, error) {
	target := strings.TrimSuffix(baseURL, "/") + "/healthcheck"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("healthcheck returned %d", resp.StatusCode)
	}
	return float64(time.Since(start)) / float64(time.Millisecond), nil
}

// Percentile computes the p-th percentile of an ascending sample by linear
// interpolation between neighbors. Empty samples yield 0.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}

	rank := p / 100 * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
