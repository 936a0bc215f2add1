package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/driftmail/driftmail/internal/model"
)

const userAgent = "driftmail/0.1"

// Spec describes a single API request: method, path relative to the base
// URL, and an optional JSON body.
type Spec struct {
	Method string
	Path   string
	Body   any
}

// UpdatePath builds the update endpoint for one object:
// /n/{namespace}/{kind}s/{id}.
func UpdatePath(namespaceID string, kind model.Kind, id string) string {
	return fmt.Sprintf("/n/%s/%s/%s", namespaceID, kind.Plural(), id)
}

// Client is an HTTP client for the mail API. It handles request
// construction, bearer authentication, and error classification. It does
// not retry: the task scheduler owns retry policy, so a transient failure
// here surfaces immediately as a classified error.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      oauth2.TokenSource
	logger     *slog.Logger
}

// NewClient creates an API client. token supplies bearer tokens per request;
// use oauth2.StaticTokenSource for fixed access tokens.
func NewClient(baseURL string, httpClient *http.Client, token oauth2.TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
	}
}

// Request executes one API request and returns the raw JSON response body.
// Non-2xx responses return a classified *APIError; use wire.IsPermanent to
// partition failures.
func (c *Client) Request(ctx context.Context, spec Spec) (json.RawMessage, error) {
	var bodyReader io.Reader

	if spec.Body != nil {
		encoded, err := json.Marshal(spec.Body)
		if err != nil {
			return nil, fmt.Errorf("wire: encoding request body: %w", err)
		}

		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, c.baseURL+spec.Path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("wire: creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("wire: obtaining token: %w", err)
	}

	tok.SetAuthHeader(req)
	req.Header.Set("User-Agent", userAgent)

	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wire: %s %s: %w", spec.Method, spec.Path, err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if readErr != nil {
			return nil, fmt.Errorf("wire: reading response body: %w", readErr)
		}

		c.logger.Debug("request succeeded",
			slog.String("method", spec.Method),
			slog.String("path", spec.Path),
			slog.Int("status", resp.StatusCode),
		)

		return respBody, nil
	}

	if readErr != nil {
		respBody = []byte("(failed to read response body)")
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-Id"),
		Message:    string(respBody),
		Err:        classifyStatus(resp.StatusCode),
	}

	c.logger.Debug("request failed",
		slog.String("method", spec.Method),
		slog.String("path", spec.Path),
		slog.Int("status", resp.StatusCode),
		slog.Bool("permanent", IsPermanent(apiErr)),
	)

	return nil, apiErr
}
