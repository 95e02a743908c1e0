// Package transport pushes converted items to the target site.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"sitemigrate/internal/convert"
	"sitemigrate/internal/source"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ItemsTotalHeader carries the combined media and posts total so the
// receiving side can estimate across both phases.
const ItemsTotalHeader = "X-Migration-Items-Total"

// Config contains client configuration
type Config struct {
	Timeout        time.Duration
	RateLimit      float64 // requests per second, 0 disables limiting
	Retries        int
	RetryBackoffMs int
}

// MediaPayload is one attachment sent to the target
type MediaPayload struct {
	SourceID  int64  `json:"source_id"`
	Title     string `json:"title"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SourceURL string `json:"source_url,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// ValidateResponse is the target's answer to the preflight check
type ValidateResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version,omitempty"`
	Message string `json:"message,omitempty"`
}

type warningsResponse struct {
	Warnings []string `json:"warnings"`
}

// Client sends items to a target site
type Client struct {
	http       *http.Client
	limiter    *rate.Limiter
	retries    int
	backoff    time.Duration
	itemsTotal atomic.Int64
	logger     *zap.Logger
}

// NewClient creates a transport client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 1
	}
	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		retries: retries,
		backoff: time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
		logger:  logger,
	}
}

// SetItemsTotal sets the value of ItemsTotalHeader on subsequent requests
func (c *Client) SetItemsTotal(n int) {
	c.itemsTotal.Store(int64(n))
}

// Validate runs the target preflight check
func (c *Client) Validate(ctx context.Context, target, credential string) (*ValidateResponse, error) {
	var resp ValidateResponse
	if err := c.do(ctx, http.MethodGet, target, "/api/migration/validate", credential, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		msg := resp.Message
		if msg == "" {
			msg = "target rejected the migration"
		}
		return &resp, fmt.Errorf("validation failed: %s", msg)
	}
	return &resp, nil
}

// SendMedia sends one attachment
func (c *Client) SendMedia(ctx context.Context, target, credential string, media MediaPayload) error {
	return c.do(ctx, http.MethodPost, target, "/api/migration/media", credential, media, nil)
}

// SendPost sends one converted post
func (c *Client) SendPost(ctx context.Context, target, credential string, doc *convert.Document) error {
	return c.do(ctx, http.MethodPost, target, "/api/migration/posts", credential, doc, nil)
}

// SendCategories sends the category definitions and returns target warnings
func (c *Client) SendCategories(ctx context.Context, target, credential string, cats []source.Category, mappings map[string]string) ([]string, error) {
	body := struct {
		Categories []source.Category `json:"categories"`
		Mappings   map[string]string `json:"mappings,omitempty"`
	}{cats, mappings}
	var resp warningsResponse
	if err := c.do(ctx, http.MethodPost, target, "/api/migration/categories", credential, body, &resp); err != nil {
		return nil, err
	}
	return resp.Warnings, nil
}

// SendFieldGroups sends custom field group definitions
func (c *Client) SendFieldGroups(ctx context.Context, target, credential string, groups []source.FieldGroup) ([]string, error) {
	var resp warningsResponse
	if err := c.do(ctx, http.MethodPost, target, "/api/migration/field-groups", credential, groups, &resp); err != nil {
		return nil, err
	}
	return resp.Warnings, nil
}

// SendStyles sends the global styles document
func (c *Client) SendStyles(ctx context.Context, target, credential string, styles json.RawMessage) ([]string, error) {
	var resp warningsResponse
	if err := c.do(ctx, http.MethodPost, target, "/api/migration/styles", credential, styles, &resp); err != nil {
		return nil, err
	}
	return resp.Warnings, nil
}

// do performs a request, retrying transient failures with exponential
// backoff.
func (c *Client) do(ctx context.Context, method, target, path, credential string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		err := c.once(ctx, method, strings.TrimRight(target, "/")+path, credential, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetriableError(err) || ctx.Err() != nil {
			break
		}
		if attempt < c.retries {
			c.logger.Debug("Transport attempt failed",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(calculateBackoff(c.backoff, attempt)):
			}
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, url, credential string, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	if n := c.itemsTotal.Load(); n > 0 {
		req.Header.Set(ItemsTotalHeader, strconv.FormatInt(n, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(data))
}
