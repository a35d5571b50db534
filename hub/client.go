// Package hub is the HTTP client of the PIPEFORCE hub, the control plane
// that executes commands and pipelines on behalf of a service.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/glimte/pipeforce-go/internal/reliability"
	"gopkg.in/yaml.v3"
)

const (
	commandPath  = "/api/v3/command/"
	pipelinePath = "/api/v3/pipeline"

	contentTypeJSON = "application/json"
	contentTypeYAML = "application/yaml"
)

// Client talks to the hub API
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	breaker    *reliability.CircuitBreaker
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	token *accessToken
}

// Option configures the Client
type Option func(*Client)

// WithSecret sets the secret exchanged for access tokens.
// Either "Basic <user>:<password>" or "Apitoken <token>".
func WithSecret(secret string) Option {
	return func(c *Client) {
		c.secret = secret
	}
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the timeout of the default HTTP client
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient = &http.Client{Timeout: timeout}
	}
}

// WithCircuitBreaker guards every request with breaker
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = breaker
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a hub client for baseURL
func NewClient(baseURL string, options ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("hub URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid hub URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid hub URL %q: scheme and host are required", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
	}

	for _, opt := range options {
		opt(c)
	}

	if c.breaker == nil {
		c.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("hub"),
			reliability.WithBreakerLogger(c.logger),
			reliability.WithFailurePredicate(isServerFailure),
		)
	}

	return c, nil
}

// BaseURL returns the hub URL without trailing slash
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RunCommand executes a single command and returns its result
func (c *Client) RunCommand(ctx context.Context, name string, params interface{}) (interface{}, error) {
	if name == "" {
		return nil, fmt.Errorf("command name is required")
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := encodeJSON(params)
	if err != nil {
		return nil, err
	}

	return c.do(ctx, http.MethodPost, c.baseURL+commandPath+name, body, map[string]string{
		"Content-Type":  contentTypeJSON,
		"Authorization": "Bearer " + token,
	})
}

// RunPipeline executes a pipeline and returns its result.
// A string or []byte pipeline is sent as is, any other value is encoded as YAML.
func (c *Client) RunPipeline(ctx context.Context, pipeline interface{}) (interface{}, error) {
	var body []byte
	switch p := pipeline.(type) {
	case string:
		body = []byte(p)
	case []byte:
		body = p
	default:
		encoded, err := yaml.Marshal(pipeline)
		if err != nil {
			return nil, fmt.Errorf("failed to encode pipeline: %w", err)
		}
		body = encoded
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	return c.do(ctx, http.MethodPost, c.baseURL+pipelinePath, body, map[string]string{
		"Content-Type":  contentTypeYAML,
		"Authorization": "Bearer " + token,
	})
}

// Post sends payload as JSON to rawURL and returns the extracted result
func (c *Client) Post(ctx context.Context, rawURL string, payload interface{}, headers map[string]string) (interface{}, error) {
	body, err := encodeJSON(payload)
	if err != nil {
		return nil, err
	}

	merged := map[string]string{"Content-Type": contentTypeJSON}
	for k, v := range headers {
		merged[k] = v
	}

	return c.do(ctx, http.MethodPost, rawURL, body, merged)
}

// Get requests rawURL with query params and returns the extracted result
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, headers map[string]string) (interface{}, error) {
	if len(params) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL: %w", err)
		}
		query := u.Query()
		for k, values := range params {
			for _, v := range values {
				query.Add(k, v)
			}
		}
		u.RawQuery = query.Encode()
		rawURL = u.String()
	}

	return c.do(ctx, http.MethodGet, rawURL, nil, headers)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, headers map[string]string) (interface{}, error) {
	var result interface{}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		start := c.now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		c.logger.Debug("hub request",
			"method", method,
			"url", rawURL,
			"status", resp.StatusCode,
			"duration", c.now().Sub(start),
		)

		if resp.StatusCode != http.StatusOK {
			return &StatusError{
				Method:     method,
				URL:        rawURL,
				StatusCode: resp.StatusCode,
				Body:       string(data),
			}
		}

		result, err = extractContent(data)
		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// extractContent returns nil for an empty body, decoded JSON for a body
// starting with '[' or '{', and the body as string otherwise
func extractContent(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' || data[0] == '{' {
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		return decoded, nil
	}

	return string(data), nil
}

func encodeJSON(payload interface{}) ([]byte, error) {
	if payload == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return body, nil
}

// isServerFailure counts transport errors and 5xx answers against the circuit.
// A 4xx is the caller's problem and says nothing about hub health.
func isServerFailure(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return !errors.Is(err, context.Canceled)
}
