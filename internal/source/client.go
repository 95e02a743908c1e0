// Package source reads the content catalog of the site being migrated.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Analysis summarises what the source site holds
type Analysis struct {
	Posts          int            `json:"posts"`
	Media          int            `json:"media"`
	Categories     map[string]int `json:"categories"`
	HasFieldGroups bool           `json:"has_field_groups"`
}

// PostRef identifies a post and the category it is migrated under
type PostRef struct {
	ID       int64  `json:"id"`
	Category string `json:"category"`
}

// Post is a source content entry
type Post struct {
	ID       int64           `json:"id"`
	Title    string          `json:"title"`
	Slug     string          `json:"slug"`
	Status   string          `json:"status"`
	Category string          `json:"category"`
	Content  json.RawMessage `json:"content"`
	Meta     map[string]any  `json:"meta,omitempty"`
}

// Media is a source attachment
type Media struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	URL       string `json:"url"`
	ObjectKey string `json:"object_key,omitempty"`
	Size      int64  `json:"size"`
}

// Category is a source taxonomy term or content type
type Category struct {
	Slug  string `json:"slug"`
	Label string `json:"label"`
}

// FieldGroup is a custom field group definition
type FieldGroup struct {
	Key    string          `json:"key"`
	Title  string          `json:"title"`
	Fields json.RawMessage `json:"fields"`
}

// Config contains client configuration
type Config struct {
	BaseURL   string
	APIKey    string
	RateLimit float64 // requests per second, 0 disables limiting
	Timeout   time.Duration
}

// Client talks to the source site's export API
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a source client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source base URL is required")
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// Analyze returns the source counts
func (c *Client) Analyze(ctx context.Context) (*Analysis, error) {
	var a Analysis
	if err := c.get(ctx, "/export/analysis", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// PostRefs lists the posts of the selected categories, all when none are
// selected.
func (c *Client) PostRefs(ctx context.Context, categories []string) ([]PostRef, error) {
	q := url.Values{}
	if len(categories) > 0 {
		q.Set("categories", strings.Join(categories, ","))
	}
	var refs []PostRef
	if err := c.get(ctx, "/export/posts", q, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

// MediaIDs lists the ids of all attachments
func (c *Client) MediaIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := c.get(ctx, "/export/media", nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Post fetches one post
func (c *Client) Post(ctx context.Context, id int64) (*Post, error) {
	var p Post
	if err := c.get(ctx, "/export/posts/"+strconv.FormatInt(id, 10), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Media fetches one attachment's metadata
func (c *Client) Media(ctx context.Context, id int64) (*Media, error) {
	var m Media
	if err := c.get(ctx, "/export/media/"+strconv.FormatInt(id, 10), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Categories lists the source categories
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	var cats []Category
	if err := c.get(ctx, "/export/categories", nil, &cats); err != nil {
		return nil, err
	}
	return cats, nil
}

// FieldGroups lists the custom field groups
func (c *Client) FieldGroups(ctx context.Context) ([]FieldGroup, error) {
	var groups []FieldGroup
	if err := c.get(ctx, "/export/field-groups", nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// Styles returns the global style definitions as an opaque document
func (c *Client) Styles(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/export/styles", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("source request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("failed to read source response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source request %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode source response: %w", err)
	}
	return nil
}
