package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/dsl"
)

// ErrNoOutput is returned when a workflow has not produced retrievable
// output yet.
var ErrNoOutput = errors.New("no output available")

// FormatClient is the boundary to format-shaped sources and sinks:
// fetching CSV/JSON from a URI or an inbound POST body, and emitting
// rendered output to the api/download store or a push destination.
// FetchURI's retries bounds the attempts for this call; zero or
// negative falls back to the client default, letting each workflow
// carry its own max_fetch_retries.
type FormatClient interface {
	FetchURI(ctx context.Context, uri string, format dsl.DataFormat, opts dsl.FormatOptions, retries int) ([]*dsl.Record, error)
	FetchInbound(ctx context.Context, runID string, format dsl.DataFormat, opts dsl.FormatOptions) ([]*dsl.Record, error)
	StashInbound(ctx context.Context, runID string, body []byte) error
	Emit(ctx context.Context, workflowID uint, records []*dsl.Record, format dsl.DataFormat, opts dsl.FormatOptions, mode dsl.OutputMode, pushURI string) error
	GetOutput(ctx context.Context, workflowID uint) (data []byte, contentType string, err error)
}

// HTTPFormatClient implements FormatClient with an HTTP client for
// remote URIs and redis for the inbound payload stash and the rendered
// output store. Push destinations get a circuit breaker and a per-URI
// rate limiter, inbound payloads expire after stashTTL.
type HTTPFormatClient struct {
	redis        *redis.Client
	httpClient   *http.Client
	maxRetries   int
	pushRPS      int
	stashTTL     time.Duration
	outputTTL    time.Duration
	breakers     sync.Map // map[string]*gobreaker.CircuitBreaker
	rateLimiters sync.Map // map[string]*rate.Limiter
	logger       *zap.Logger
}

// NewHTTPFormatClient creates a format adapter.
func NewHTTPFormatClient(redisClient *redis.Client, maxRetries, pushRPS int, stashTTL, outputTTL time.Duration, logger *zap.Logger) *HTTPFormatClient {
	return &HTTPFormatClient{
		redis:      redisClient,
		maxRetries: maxRetries,
		pushRPS:    pushRPS,
		stashTTL:   stashTTL,
		outputTTL:  outputTTL,
		logger:     logger,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func inboundKey(runID string) string {
	return "workflow:ingest:" + runID
}

func outputKey(workflowID uint) string {
	return fmt.Sprintf("workflow:output:%d", workflowID)
}

func outputTypeKey(workflowID uint) string {
	return fmt.Sprintf("workflow:output:%d:content_type", workflowID)
}

// FetchURI GETs the payload from a remote URI and decodes it.
func (c *HTTPFormatClient) FetchURI(ctx context.Context, uri string, format dsl.DataFormat, opts dsl.FormatOptions, retries int) ([]*dsl.Record, error) {
	var body []byte
	err := retryWithBackoff(ctx, retryBudget(retries, c.maxRetries), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("fetch returned HTTP %d", resp.StatusCode)
		}

		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, &SourceUnavailableError{Source: "uri:" + uri, Err: err}
	}

	return DecodeRecords(body, format, opts)
}

// StashInbound stores an ingest POST body for the fetch stage to pick up.
func (c *HTTPFormatClient) StashInbound(ctx context.Context, runID string, body []byte) error {
	if err := c.redis.Set(ctx, inboundKey(runID), body, c.stashTTL).Err(); err != nil {
		return fmt.Errorf("failed to stash inbound payload: %w", err)
	}
	return nil
}

// FetchInbound reads back a stashed ingest body and decodes it.
func (c *HTTPFormatClient) FetchInbound(ctx context.Context, runID string, format dsl.DataFormat, opts dsl.FormatOptions) ([]*dsl.Record, error) {
	body, err := c.redis.Get(ctx, inboundKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &SourceUnavailableError{Source: "inbound:" + runID, Err: errors.New("inbound payload missing or expired")}
		}
		return nil, &SourceUnavailableError{Source: "inbound:" + runID, Err: err}
	}
	return DecodeRecords(body, format, opts)
}

// Emit renders records and routes them per the output mode. API and
// download outputs land in the output store keyed by workflow; push
// outputs POST to the destination with retry, breaker and rate limiting.
func (c *HTTPFormatClient) Emit(ctx context.Context, workflowID uint, records []*dsl.Record, format dsl.DataFormat, opts dsl.FormatOptions, mode dsl.OutputMode, pushURI string) error {
	data, contentType, err := EncodeRecords(records, format, opts)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	switch mode {
	case dsl.OutputAPI, dsl.OutputDownload:
		pipe := c.redis.Pipeline()
		pipe.Set(ctx, outputKey(workflowID), data, c.outputTTL)
		pipe.Set(ctx, outputTypeKey(workflowID), contentType, c.outputTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to store output: %w", err)
		}
		return nil
	case dsl.OutputPush:
		return c.push(ctx, pushURI, data, contentType)
	default:
		return fmt.Errorf("unsupported output mode %q", mode)
	}
}

// GetOutput returns the last rendered api/download output of a workflow.
func (c *HTTPFormatClient) GetOutput(ctx context.Context, workflowID uint) ([]byte, string, error) {
	data, err := c.redis.Get(ctx, outputKey(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", ErrNoOutput
		}
		return nil, "", fmt.Errorf("failed to read output: %w", err)
	}
	contentType, err := c.redis.Get(ctx, outputTypeKey(workflowID)).Result()
	if err != nil {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

func (c *HTTPFormatClient) push(ctx context.Context, uri string, data []byte, contentType string) error {
	limiter := c.getRateLimiter(uri)
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	cb := c.getCircuitBreaker(uri)
	err := retryWithBackoff(ctx, c.maxRetries, func() error {
		_, err := cb.Execute(func() (interface{}, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", contentType)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				return nil, fmt.Errorf("push returned HTTP %d: %s", resp.StatusCode, snippet)
			}
			return nil, nil
		})
		return err
	})
	if err != nil {
		return &SourceUnavailableError{Source: "push:" + uri, Err: err}
	}

	c.logger.Info("Pushed workflow output",
		zap.String("uri", uri),
		zap.Int("bytes", len(data)))
	return nil
}

func (c *HTTPFormatClient) getCircuitBreaker(uri string) *gobreaker.CircuitBreaker {
	if cb, ok := c.breakers.Load(uri); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}

	settings := gobreaker.Settings{
		Name:        "push-" + uri,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	c.breakers.Store(uri, cb)
	return cb
}

func (c *HTTPFormatClient) getRateLimiter(uri string) *rate.Limiter {
	if limiter, ok := c.rateLimiters.Load(uri); ok {
		return limiter.(*rate.Limiter)
	}

	rps := c.pushRPS
	if rps <= 0 {
		rps = 10
	}

	limiter := rate.NewLimiter(rate.Limit(rps), rps*2)
	c.rateLimiters.Store(uri, limiter)
	return limiter
}
