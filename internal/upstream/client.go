// Package upstream is the HTTP client for the Code-Assist API. The upstream
// is picky about its wire contract: it rejects unknown User-Agent strings and
// hangs on chunked transfer, so every request carries the exact four headers
// below and an explicit Content-Length.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/relaypool/gemini-relay/internal/metrics"
	"github.com/sony/gobreaker/v2"
)

const (
	userAgent     = "GeminiCLI/0.26.0 (darwin; arm64)"
	apiClient     = "gl-node/openclaw"
	contentType   = "application/json"
	defaultUnary  = 30 * time.Second
	defaultStream = 120 * time.Second
)

// ErrAllEndpointsDown is returned when every configured endpoint failed at
// the transport level or had an open breaker.
var ErrAllEndpointsDown = errors.New("all code-assist endpoints unreachable")

// Response is a fully-read unary upstream response.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Text returns the body as a string.
func (r *Response) Text() string { return string(r.Body) }

// JSON unmarshals the body into v.
func (r *Response) JSON(v interface{}) error { return json.Unmarshal(r.Body, v) }

// Stream is an open streaming upstream response. The caller owns Body.
type Stream struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Client calls the Code-Assist endpoints with failover. Each endpoint is
// guarded by its own circuit breaker keyed on transport errors, so a dead
// endpoint stops eating connect timeouts from every request.
type Client struct {
	endpoints    []string
	unaryClient  *http.Client
	streamClient *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// NewClient builds a client over the given ordered endpoint list.
func NewClient(endpoints []string, unaryTimeout, streamTimeout time.Duration) *Client {
	if unaryTimeout <= 0 {
		unaryTimeout = defaultUnary
	}
	if streamTimeout <= 0 {
		streamTimeout = defaultStream
	}
	return &Client{
		endpoints:    endpoints,
		unaryClient:  &http.Client{Timeout: unaryTimeout},
		streamClient: &http.Client{Timeout: streamTimeout},
		breakers:     make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

// SetHTTPClients swaps the transports. Tests use this to inject fakes.
func (c *Client) SetHTTPClients(unary, stream *http.Client) {
	if unary != nil {
		c.unaryClient = unary
	}
	if stream != nil {
		c.streamClient = stream
	}
}

// GenerateContent calls :generateContent and reads the whole body.
func (c *Client) GenerateContent(ctx context.Context, accessToken string, payload interface{}) (*Response, error) {
	resp, err := c.doWithFailover(ctx, c.unaryClient, "generateContent", "", accessToken, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return &Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// StreamGenerateContent calls :streamGenerateContent?alt=sse and hands the
// open body to the caller.
func (c *Client) StreamGenerateContent(ctx context.Context, accessToken string, payload interface{}) (*Stream, error) {
	resp, err := c.doWithFailover(ctx, c.streamClient, "streamGenerateContent", "alt=sse", accessToken, payload)
	if err != nil {
		return nil, err
	}
	return &Stream{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// LoadCodeAssist fetches the project ID and tier for an enrolled token.
func (c *Client) LoadCodeAssist(ctx context.Context, accessToken string) (projectID string, paidTier bool, err error) {
	resp, err := c.doWithFailover(ctx, c.unaryClient, "loadCodeAssist", "", accessToken, map[string]interface{}{
		"metadata": map[string]string{"pluginType": "GEMINI"},
	})
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	var result struct {
		CloudaicompanionProject string `json:"cloudaicompanionProject"`
		CurrentTier             *struct {
			ID string `json:"id"`
		} `json:"currentTier"`
		PaidTier *struct {
			ID string `json:"id"`
		} `json:"paidTier"`
		Config struct {
			ProjectID string `json:"projectId"`
		} `json:"codeAssistConfig"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, fmt.Errorf("parse loadCodeAssist response: %w", err)
	}

	projectID = result.CloudaicompanionProject
	if projectID == "" {
		projectID = result.Config.ProjectID
	}
	paidTier = result.PaidTier != nil && result.PaidTier.ID != ""
	return projectID, paidTier, nil
}

// doWithFailover walks the endpoint list. Transport errors and 5xx move to
// the next endpoint; anything else (success, 4xx, 429) surfaces immediately
// so the engine can classify it. The last response wins when every endpoint
// misbehaves.
func (c *Client) doWithFailover(ctx context.Context, httpClient *http.Client, method, query, accessToken string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var lastResp *http.Response
	var lastErr error

	for i, endpoint := range c.endpoints {
		url := fmt.Sprintf("%s:%s", endpoint, method)
		if query != "" {
			url += "?" + query
		}

		breaker := c.breakerFor(endpoint)
		resp, err := breaker.Execute(func() (*http.Response, error) {
			return c.do(ctx, httpClient, url, accessToken, body)
		})
		if err != nil {
			lastErr = err
			if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
				log.Printf("⚠️ Endpoint %d/%d failed: %v", i+1, len(c.endpoints), err)
			}
			continue
		}

		if resp.StatusCode >= 500 {
			log.Printf("⚠️ Endpoint %d/%d returned %d, trying next", i+1, len(c.endpoints), resp.StatusCode)
			if lastResp != nil {
				lastResp.Body.Close()
			}
			lastResp = resp
			continue
		}
		if lastResp != nil {
			lastResp.Body.Close()
		}
		return resp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrAllEndpointsDown
}

func (c *Client) do(ctx context.Context, httpClient *http.Client, url, accessToken string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	// Exactly these four headers; the upstream rejects requests without them.
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Goog-Api-Client", apiClient)
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = int64(len(body))

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// breakerFor returns (or lazily creates) the endpoint's breaker. Only
// transport errors count as failures; an upstream 4xx/5xx is a delivered
// response and must stay visible to the engine.
func (c *Client) breakerFor(endpoint string) *gobreaker.CircuitBreaker[*http.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[endpoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("⚡ Breaker for %s: %s -> %s", name, from, to)
			metrics.Get().BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
	c.breakers[endpoint] = cb
	return cb
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
