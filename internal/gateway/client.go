package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-pro"
	defaultTimeout = 120 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// ErrKind classifies a gateway failure so callers can decide whether to
// retry and what to tell the technician.
type ErrKind int

const (
	// ErrKindTransient covers timeouts and 5xx responses; safe to retry.
	ErrKindTransient ErrKind = iota
	// ErrKindRateLimited is HTTP 429; safe to retry after backoff.
	ErrKindRateLimited
	// ErrKindConfig covers missing or rejected credentials; retrying is
	// pointless until the user fixes the configuration.
	ErrKindConfig
	// ErrKindOversized means the request payload was too large; the user
	// should remove or shrink attachments.
	ErrKindOversized
)

// APIError is a classified failure from the Gemini endpoint.
type APIError struct {
	Kind   ErrKind
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	switch e.Kind {
	case ErrKindConfig:
		return fmt.Sprintf("gateway configuration error: %s", e.Msg)
	case ErrKindRateLimited:
		return fmt.Sprintf("rate limited (HTTP %d)", e.Status)
	case ErrKindOversized:
		return "request too large: reduce the number or size of attached manuals"
	default:
		return fmt.Sprintf("gateway error: %s", e.Msg)
	}
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *APIError) Retryable() bool {
	return e.Kind == ErrKindTransient || e.Kind == ErrKindRateLimited
}

// Client communicates with the Gemini generateContent API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Gemini client with the given API key and model.
// If model is empty the default is used.
func NewClient(apiKey, model string) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, model, baseURL string) *Client {
	c := NewClient(apiKey, model)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// SetAPIKey replaces the credential, for keys resolved after construction
// (e.g. from the cloud settings object). Empty keys are ignored.
func (c *Client) SetAPIKey(key string) {
	if key != "" {
		c.apiKey = key
	}
}

// SetTimeout overrides the per-request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.httpClient.Timeout = d
	}
}

// Generate sends one generateContent request and returns the parsed result.
// Transient and rate-limit failures are retried with exponential backoff;
// configuration and oversized-payload failures are returned immediately.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (Result, error) {
	if c.apiKey == "" {
		return Result{}, &APIError{Kind: ErrKindConfig, Msg: "missing Gemini API key; set ELECTROEXPERT_GATEWAY_API_KEY"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		res, err := c.doGenerate(ctx, body)
		if err == nil {
			return res, nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() {
			return Result{}, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return Result{}, fmt.Errorf("gateway unavailable after %d attempts: %w", maxRetries, lastErr)
}

func (c *Client) doGenerate(ctx context.Context, body []byte) (Result, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &APIError{Kind: ErrKindTransient, Msg: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, classifyStatus(resp.StatusCode, string(respBody))
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, &APIError{Kind: ErrKindTransient, Msg: fmt.Sprintf("decoding response: %v", err)}
	}

	return extractResult(parsed)
}

func classifyStatus(status int, body string) *APIError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &APIError{Kind: ErrKindConfig, Status: status, Msg: fmt.Sprintf("credential rejected (HTTP %d): %s", status, body)}
	case status == http.StatusTooManyRequests:
		return &APIError{Kind: ErrKindRateLimited, Status: status, Msg: body}
	case status == http.StatusRequestEntityTooLarge:
		return &APIError{Kind: ErrKindOversized, Status: status, Msg: body}
	case status >= 500:
		return &APIError{Kind: ErrKindTransient, Status: status, Msg: fmt.Sprintf("upstream status %d: %s", status, body)}
	default:
		// 4xx we don't recognize: treat as config, a retry won't change it.
		return &APIError{Kind: ErrKindConfig, Status: status, Msg: fmt.Sprintf("unexpected status %d: %s", status, body)}
	}
}

func extractResult(parsed generateResponse) (Result, error) {
	if len(parsed.Candidates) == 0 {
		return Result{}, &APIError{Kind: ErrKindTransient, Msg: "response contained no candidates"}
	}

	cand := parsed.Candidates[0]
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}

	res := Result{Text: sb.String()}
	if cand.GroundingMetadata != nil {
		for _, ch := range cand.GroundingMetadata.GroundingChunks {
			if ch.Web == nil || ch.Web.URI == "" {
				continue
			}
			res.Sources = append(res.Sources, Source{Title: ch.Web.Title, URI: ch.Web.URI})
		}
	}
	return res, nil
}
