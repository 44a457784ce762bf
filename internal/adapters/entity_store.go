package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/Reg-Kris/pyairtable-workflow-service/internal/dsl"
)

// EntityStore is the boundary to the platform's entity-registry service,
// which owns dynamic entity types and their storage. The workflow engine
// only reads and writes records through it. retries bounds the fetch
// attempts for this call; zero or negative falls back to the client
// default, letting each workflow carry its own max_fetch_retries.
type EntityStore interface {
	ReadEntities(ctx context.Context, entityType string, filter map[string]interface{}, retries int) ([]map[string]interface{}, error)
	WriteEntity(ctx context.Context, entityType string, mode dsl.EntityWriteMode, identifyBy string, record map[string]interface{}) (string, error)
}

// HTTPEntityStore talks to the entity-registry service over HTTP with a
// circuit breaker and bounded retries.
type HTTPEntityStore struct {
	baseURL    string
	apiKey     string
	maxRetries int
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewHTTPEntityStore creates an entity store client.
func NewHTTPEntityStore(baseURL, apiKey string, maxRetries int, logger *zap.Logger) *HTTPEntityStore {
	settings := gobreaker.Settings{
		Name:        "entity-store",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &HTTPEntityStore{
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxRetries: maxRetries,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		logger:     logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type entityQueryRequest struct {
	Filter map[string]interface{} `json:"filter,omitempty"`
}

type entityQueryResponse struct {
	Entities []map[string]interface{} `json:"entities"`
}

type entityWriteRequest struct {
	Mode       string                 `json:"mode"`
	IdentifyBy string                 `json:"identify_by,omitempty"`
	Record     map[string]interface{} `json:"record"`
}

type entityWriteResponse struct {
	ID string `json:"id"`
}

// ReadEntities fetches records of one entity type matching the filter.
func (s *HTTPEntityStore) ReadEntities(ctx context.Context, entityType string, filter map[string]interface{}, retries int) ([]map[string]interface{}, error) {
	url := fmt.Sprintf("%s/api/v1/entities/%s/query", s.baseURL, entityType)

	var out entityQueryResponse
	err := retryWithBackoff(ctx, retryBudget(retries, s.maxRetries), func() error {
		return s.doJSON(ctx, http.MethodPost, url, entityQueryRequest{Filter: filter}, &out)
	})
	if err != nil {
		return nil, &SourceUnavailableError{Source: "entity:" + entityType, Err: err}
	}
	return out.Entities, nil
}

// WriteEntity persists one record and returns the entity ID assigned by
// the registry.
func (s *HTTPEntityStore) WriteEntity(ctx context.Context, entityType string, mode dsl.EntityWriteMode, identifyBy string, record map[string]interface{}) (string, error) {
	url := fmt.Sprintf("%s/api/v1/entities/%s", s.baseURL, entityType)

	var out entityWriteResponse
	err := retryWithBackoff(ctx, s.maxRetries, func() error {
		return s.doJSON(ctx, http.MethodPost, url, entityWriteRequest{
			Mode:       string(mode),
			IdentifyBy: identifyBy,
			Record:     record,
		}, &out)
	})
	if err != nil {
		return "", &SourceUnavailableError{Source: "entity:" + entityType, Err: err}
	}
	return out.ID, nil
}

func (s *HTTPEntityStore) doJSON(ctx context.Context, method, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if s.apiKey != "" {
			req.Header.Set("X-API-Key", s.apiKey)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("entity store returned HTTP %d: %s", resp.StatusCode, snippet)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode entity store response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}
