// Package contexthub is the HTTP client for the context hub service,
// the per-user document memory that drivers read and update.
package contexthub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Doc is one context document.
type Doc struct {
	ID        string    `json:"id,omitempty"`
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Client talks to a context hub instance. Requests carry the user id in
// the X-User-Id header; the hub partitions documents per user.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a hub client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default().With("component", "contexthub"),
	}
}

// OverrideHTTPClientForTest replaces the internal HTTP client.
// For testing only.
func (c *Client) OverrideHTTPClientForTest(httpClient *http.Client) {
	c.httpClient = httpClient
}

// Search returns documents matching the query for the user.
func (c *Client) Search(ctx context.Context, userID, query string) ([]Doc, error) {
	endpoint := fmt.Sprintf("%s/search?q=%s", c.baseURL, url.QueryEscape(query))
	var docs []Doc
	if err := c.do(ctx, http.MethodGet, endpoint, userID, nil, &docs); err != nil {
		return nil, fmt.Errorf("search context hub: %w", err)
	}
	return docs, nil
}

// Get fetches one document by id.
func (c *Client) Get(ctx context.Context, userID, id string) (*Doc, error) {
	endpoint := fmt.Sprintf("%s/docs/%s", c.baseURL, url.PathEscape(id))
	var doc Doc
	if err := c.do(ctx, http.MethodGet, endpoint, userID, nil, &doc); err != nil {
		return nil, fmt.Errorf("get context doc %s: %w", id, err)
	}
	return &doc, nil
}

// Create stores a new document and returns it with the assigned id.
func (c *Client) Create(ctx context.Context, userID string, doc Doc) (*Doc, error) {
	var created Doc
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/docs", userID, doc, &created); err != nil {
		return nil, fmt.Errorf("create context doc %q: %w", doc.Key, err)
	}
	return &created, nil
}

// Update replaces an existing document.
func (c *Client) Update(ctx context.Context, userID string, doc Doc) error {
	endpoint := fmt.Sprintf("%s/docs/%s", c.baseURL, url.PathEscape(doc.ID))
	if err := c.do(ctx, http.MethodPut, endpoint, userID, doc, nil); err != nil {
		return fmt.Errorf("update context doc %s: %w", doc.ID, err)
	}
	return nil
}

// FindByKey returns the user's document with the exact key, or nil when
// none exists. Implemented as a search plus key match because the hub
// has no key-lookup endpoint.
func (c *Client) FindByKey(ctx context.Context, userID, key string) (*Doc, error) {
	docs, err := c.Search(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i].Key == key {
			return &docs[i], nil
		}
	}
	return nil, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, userID string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-User-Id", userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("context hub returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
