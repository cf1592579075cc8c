package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	cerrors "github.com/meridianhq/meridian-core/internal/errors"
)

// HTTPConfig configures the HTTP embedding provider adapter.
type HTTPConfig struct {
	// Endpoint is the API base URL (e.g., https://api.openai.com/v1).
	Endpoint string
	// APIKey authenticates requests. Empty is allowed for local providers.
	APIKey string
	// Model is the embedding model identifier.
	Model string
	// Dimensions is the expected vector dimension.
	Dimensions int
	// Timeout bounds a single request.
	Timeout time.Duration
	// MaxInputChars truncates longer inputs before the call.
	MaxInputChars int
	// PoolSize bounds idle HTTP connections.
	PoolSize int
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint.
// The call has no side effects beyond the request itself, so it is safe
// to retry.
type HTTPEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    HTTPConfig

	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation at compile time.
var _ Embedder = (*HTTPEmbedder)(nil)

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewHTTPEmbedder creates a new HTTP provider adapter.
func NewHTTPEmbedder(cfg HTTPConfig) (*HTTPEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, cerrors.New(cerrors.ErrCodeConfigInvalid, "provider endpoint must be set", nil)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	// No client-level timeout: the per-request context carries it, which
	// keeps caller cancellation authoritative.
	return &HTTPEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}, nil
}

// Embed generates an embedding for a single text.
// Input above the length budget is truncated, never rejected.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, cerrors.New(cerrors.ErrCodeStoreClosed, "embedder is closed", nil)
	}
	e.mu.RUnlock()

	text = truncate(text, e.config.MaxInputChars)

	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: e.config.Model, Input: text})
	if err != nil {
		return nil, cerrors.PermanentProviderError("marshal embed request", err)
	}

	url := strings.TrimSuffix(e.config.Endpoint, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, cerrors.PermanentProviderError("build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, cerrors.TransientProviderError(cerrors.ErrCodeProviderTimeout,
				fmt.Sprintf("embedding call exceeded %s", e.config.Timeout), err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, cerrors.TransientProviderError(cerrors.ErrCodeProviderUnavailable,
			"embedding provider unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, e.classifyStatus(resp)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, cerrors.TransientProviderError(cerrors.ErrCodeProviderUnavailable,
			"decode embedding response", err)
	}
	if len(result.Data) == 0 {
		return nil, cerrors.TransientProviderError(cerrors.ErrCodeProviderUnavailable,
			"provider returned no embedding data", nil)
	}

	vec := result.Data[0].Embedding
	if len(vec) != e.config.Dimensions {
		return nil, cerrors.New(cerrors.ErrCodeDimensionMism,
			fmt.Sprintf("provider returned %d dims, expected %d", len(vec), e.config.Dimensions), nil)
	}

	return vec, nil
}

// classifyStatus maps an HTTP failure to the transient/permanent taxonomy.
func (e *HTTPEmbedder) classifyStatus(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))

	var apiErr apiErrorResponse
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return cerrors.TransientProviderError(cerrors.ErrCodeProviderRateLimit,
			fmt.Sprintf("provider rate limit: %s", msg), nil)
	case resp.StatusCode >= 500:
		return cerrors.TransientProviderError(cerrors.ErrCodeProviderUnavailable,
			fmt.Sprintf("provider error %d: %s", resp.StatusCode, msg), nil)
	default:
		// 4xx other than 429: malformed input, bad auth. Retrying cannot help.
		return cerrors.PermanentProviderError(
			fmt.Sprintf("provider rejected request (%d): %s", resp.StatusCode, msg), nil)
	}
}

// Dimensions returns the embedding dimension.
func (e *HTTPEmbedder) Dimensions() int { return e.config.Dimensions }

// ModelName returns the model identifier.
func (e *HTTPEmbedder) ModelName() string { return e.config.Model }

// Close releases idle connections.
func (e *HTTPEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}

// truncate cuts text to at most max characters on a rune boundary.
func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}
