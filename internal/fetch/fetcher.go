// Package fetch performs remote reads with timeout, classified retry, and
// exponential backoff.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/veldra/storekit/errs"
	"github.com/veldra/storekit/internal/observability"
)

// Config sizes the retry budget for remote reads.
type Config struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	RatePerSecond  float64
}

func (c Config) normalize() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	return c
}

// Fetcher issues GET requests against a base URL, retrying transient
// failures with exponential backoff and jitter. Client-side rejections (4xx
// other than timeout-class codes) propagate immediately.
type Fetcher struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	cfg     Config

	retryCounter   metric.Int64Counter
	failureCounter metric.Int64Counter
}

// NewFetcher constructs a fetcher for the given base URL.
func NewFetcher(baseURL string, cfg Config) *Fetcher {
	cfg = cfg.normalize()
	client := new(http.Client)
	client.Timeout = cfg.Timeout

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	meter := otel.Meter("storekit.fetch")
	retryCounter, _ := meter.Int64Counter("storekit_fetch_retries_total",
		metric.WithDescription("Remote read attempts beyond the first"),
		metric.WithUnit("{attempt}"))
	failureCounter, _ := meter.Int64Counter("storekit_fetch_failures_total",
		metric.WithDescription("Remote reads that exhausted the retry budget"),
		metric.WithUnit("{request}"))

	return &Fetcher{
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         client,
		limiter:        limiter,
		cfg:            cfg,
		retryCounter:   retryCounter,
		failureCounter: failureCounter,
	}
}

// Fetch requests the payload at the configured endpoint. The context bounds
// the whole retry sequence; cancelling it aborts the in-flight call and
// discards any late result.
func (f *Fetcher) Fetch(ctx context.Context, endpoint string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	url := f.baseURL + endpoint

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = f.cfg.InitialBackoff
	backoffCfg.Multiplier = 2
	backoffCfg.RandomizationFactor = 0.1

	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && f.retryCounter != nil {
			f.retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("fetch rate wait: %w", err)
			}
		}

		body, err := f.attempt(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			return nil, err
		}
		observability.Log().Debug("fetch attempt failed",
			observability.F("endpoint", endpoint),
			observability.F("attempt", attempt),
			observability.F("error", err))

		if attempt == f.cfg.MaxAttempts {
			break
		}
		sleep := backoffCfg.NextBackOff()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch backoff context: %w", ctx.Err())
		case <-time.After(sleep):
		}
	}

	if f.failureCounter != nil {
		f.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
	}
	return nil, lastErr
}

func (f *Fetcher) attempt(ctx context.Context, url string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.New("fetch", errs.CodeInvalid, errs.WithMessage("create request"), errs.WithCause(err))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		}
		return nil, errs.New("fetch", errs.CodeNetwork, errs.WithMessage("request failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New("fetch", errs.CodeNetwork, errs.WithMessage("read response"), errs.WithCause(err))
	}
	return body, nil
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500:
		return errs.New("fetch", errs.CodeServer, errs.WithHTTP(status), errs.WithMessage("remote failure"))
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return errs.New("fetch", errs.CodeNetwork, errs.WithHTTP(status), errs.WithMessage("timeout-class rejection"))
	default:
		return errs.New("fetch", errs.CodeInvalid, errs.WithHTTP(status), errs.WithMessage("request rejected"))
	}
}
