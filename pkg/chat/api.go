package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Group as returned by the group API.
type Group struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Tags            []string  `json:"tags"`
	Key             string    `json:"key"`
	ActiveUserCount int       `json:"active_user_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// SweptGroup is one entry of a cleanup report.
type SweptGroup struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// APIClient calls the group HTTP API.
type APIClient struct {
	base string
	http *http.Client
}

// NewAPIClient base is the server root, e.g. http://localhost:9000.
func NewAPIClient(base string, hc *http.Client) *APIClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIClient{base: strings.TrimRight(base, "/"), http: hc}
}

func (c *APIClient) ListGroups(ctx context.Context) ([]Group, error) {
	var out []Group
	err := c.do(ctx, http.MethodGet, "/api/groups", nil, &out)
	return out, err
}

func (c *APIClient) CreateGroup(ctx context.Context, name string, tags []string, exportedKey string) (*Group, error) {
	var out Group
	body := map[string]any{"name": name, "tags": tags, "key": exportedKey}
	if err := c.do(ctx, http.MethodPost, "/api/groups", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Join(ctx context.Context, groupID, sessionID string) (int, error) {
	return c.membership(ctx, groupID, "join", sessionID)
}

func (c *APIClient) Leave(ctx context.Context, groupID, sessionID string) (int, error) {
	return c.membership(ctx, groupID, "leave", sessionID)
}

func (c *APIClient) membership(ctx context.Context, groupID, action, sessionID string) (int, error) {
	var out struct {
		ActiveUserCount int `json:"active_user_count"`
	}
	body := map[string]string{"action": action, "sessionId": sessionID}
	err := c.do(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/membership", body, &out)
	return out.ActiveUserCount, err
}

func (c *APIClient) Heartbeat(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodPost, "/api/groups/heartbeat", map[string]string{"groupId": groupID}, nil)
}

// Cleanup runs the idle-group sweep and returns how many groups it removed.
func (c *APIClient) Cleanup(ctx context.Context) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/groups/cleanup", nil, &out)
	return out.Deleted, err
}

// PreviewCleanup reports what Cleanup would remove.
func (c *APIClient) PreviewCleanup(ctx context.Context) ([]SweptGroup, error) {
	var out struct {
		Groups []SweptGroup `json:"groups"`
	}
	err := c.do(ctx, http.MethodGet, "/api/groups/cleanup", nil, &out)
	return out.Groups, err
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		apiErr := &APIError{Status: resp.StatusCode, Message: e.Error}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
