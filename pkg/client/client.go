// Package client is a typed Go client for the CatMap HTTP API, pointed
// at either the gateway or a category service directly.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("catmap: not found")
	ErrUnauthorized = errors.New("catmap: unauthorized")
	ErrBadStatus    = errors.New("catmap: bad status")
	ErrUnavailable  = errors.New("catmap: unavailable")
)

// Category mirrors the service's category payload.
type Category struct {
	ID        int64     `json:"id"`
	ParentID  int64     `json:"parent_id"`
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Level     int       `json:"level"`
	Position  int       `json:"position"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type NewCategory struct {
	ParentID int64  `json:"parent_id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	IsActive bool   `json:"is_active"`
}

type UpdateCategory struct {
	Name     *string `json:"name,omitempty"`
	Position *int    `json:"position,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

type Descendants struct {
	ID            int64   `json:"id"`
	DescendantIDs []int64 `json:"descendant_ids"`
	Count         int     `json:"count"`
}

type Client struct {
	BaseURL string
	Client  *http.Client

	mu    sync.RWMutex
	token string

	// etags caches the validator of the last descendants response per
	// id, so repeat fetches revalidate instead of re-downloading.
	etags map[int64]descendantsEntry
}

type descendantsEntry struct {
	etag string
	body Descendants
}

func New(baseURL string) *Client {
	if u, err := url.Parse(baseURL); err == nil && u.Scheme != "" && u.Host != "" {
		baseURL = strings.TrimRight(baseURL, "/")
	}
	return &Client{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 3 * time.Second},
		etags:   map[int64]descendantsEntry{},
	}
}

// SetToken installs the bearer token sent with every subsequent request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Login authenticates and installs the returned token on the client.
func (c *Client) Login(ctx context.Context, email, password, totpCode string) (string, error) {
	body := map[string]string{"email": email, "password": password}
	if totpCode != "" {
		body["totp_code"] = totpCode
	}

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &resp, http.StatusOK); err != nil {
		return "", err
	}

	c.SetToken(resp.AccessToken)
	return resp.AccessToken, nil
}

func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", nil, nil, http.StatusOK)
}

func (c *Client) Category(ctx context.Context, id int64) (Category, error) {
	var out Category
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/categories/%d", id), nil, &out, http.StatusOK)
	return out, err
}

func (c *Client) List(ctx context.Context) ([]Category, error) {
	var out []Category
	err := c.do(ctx, http.MethodGet, "/categories", nil, &out, http.StatusOK)
	return out, err
}

func (c *Client) Children(ctx context.Context, id int64) ([]Category, error) {
	var out []Category
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/categories/%d/children", id), nil, &out, http.StatusOK)
	return out, err
}

// Descendants fetches id's subtree id list. A cached copy is offered to
// the server via If-None-Match; on 304 the cached body is returned.
func (c *Client) Descendants(ctx context.Context, id int64) (Descendants, error) {
	c.mu.RLock()
	cached, hasCached := c.etags[id]
	c.mu.RUnlock()

	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/categories/%d/descendants", id), nil)
	if err != nil {
		return Descendants{}, err
	}
	if hasCached {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return Descendants{}, ErrUnavailable
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return cached.body, nil
	case http.StatusOK:
	case http.StatusNotFound:
		return Descendants{}, ErrNotFound
	default:
		return Descendants{}, statusErr(resp)
	}

	var out Descendants
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Descendants{}, err
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		c.mu.Lock()
		c.etags[id] = descendantsEntry{etag: etag, body: out}
		c.mu.Unlock()
	}
	return out, nil
}

func (c *Client) Create(ctx context.Context, nc NewCategory) (Category, error) {
	var out Category
	err := c.do(ctx, http.MethodPost, "/categories", nc, &out, http.StatusCreated)
	return out, err
}

func (c *Client) Update(ctx context.Context, id int64, uc UpdateCategory) (Category, error) {
	var out Category
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/categories/%d", id), uc, &out, http.StatusOK)
	return out, err
}

// Delete removes a category and its subtree, returning every removed id.
func (c *Client) Delete(ctx context.Context, id int64) ([]int64, error) {
	var out struct {
		DeletedIDs []int64 `json:"deleted_ids"`
	}
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/categories/%d", id), nil, &out, http.StatusOK)
	return out.DeletedIDs, err
}

func (c *Client) ResetCache(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/cache/reset/%d", id), nil, nil, http.StatusOK)
}

func (c *Client) ResetCacheAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/cache/reset", nil, nil, http.StatusOK)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, want int) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return ErrUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			return ErrUnauthorized
		default:
			return statusErr(resp)
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return nil
}

func statusErr(resp *http.Response) error {
	_, _ = io.Copy(io.Discard, resp.Body)
	return fmt.Errorf("%w: status=%d", ErrBadStatus, resp.StatusCode)
}
