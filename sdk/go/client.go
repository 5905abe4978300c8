package copydesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Copydesk HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request represents an approval request (partial).
type Request struct {
	ID             string    `json:"id"`
	ContentID      string    `json:"content_id"`
	ContentTitle   string    `json:"content_title"`
	TemplateID     string    `json:"template_id"`
	Status         string    `json:"status"`
	CurrentStageID *string   `json:"current_stage_id,omitempty"`
	Stages         []Stage   `json:"stages,omitempty"`
	Comments       []Comment `json:"comments,omitempty"`
	CreatedAt      string    `json:"created_at"`
	UpdatedAt      string    `json:"updated_at"`
	CompletedAt    *string   `json:"completed_at,omitempty"`
}

// Stage is one step of an approval request.
type Stage struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Role        string  `json:"role"`
	Order       int     `json:"order"`
	Required    bool    `json:"required"`
	Status      string  `json:"status"`
	CompletedBy *string `json:"completed_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Comment is a reviewer note attached to a stage.
type Comment struct {
	ID        string `json:"id"`
	StageID   string `json:"stage_id"`
	AuthorID  string `json:"author_id"`
	Action    string `json:"action"`
	Body      string `json:"body,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Version represents an immutable content version.
type Version struct {
	ID            string            `json:"id"`
	ContentID     string            `json:"content_id"`
	VersionNumber int               `json:"version_number"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	AuthorID      string            `json:"author_id"`
	ChangeSummary string            `json:"change_summary,omitempty"`
	IsCurrent     bool              `json:"is_current"`
	CreatedAt     string            `json:"created_at"`
}

// DiffEntry is one field-level difference between two versions.
type DiffEntry struct {
	Field string `json:"field"`
	Line  int    `json:"line,omitempty"`
	Kind  string `json:"kind"`
	Old   string `json:"old,omitempty"`
	New   string `json:"new,omitempty"`
}

// ActivityEvent is one entry of the activity feed.
type ActivityEvent struct {
	ID          int64  `json:"id"`
	ContentID   string `json:"content_id"`
	Type        string `json:"type"`
	ActorID     string `json:"actor_id"`
	Description string `json:"description"`
	TS          string `json:"ts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRequest opens an approval request for a content item.
func (c *Client) CreateRequest(ctx context.Context, contentID, contentTitle, templateID string) (Request, error) {
	body := map[string]any{
		"content_title": contentTitle,
	}
	if templateID != "" {
		body["template_id"] = templateID
	}
	var resp Request
	endpoint := fmt.Sprintf("v0/contents/%s/requests", url.PathEscape(contentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetRequest fetches an approval request by id.
func (c *Client) GetRequest(ctx context.Context, requestID string) (Request, error) {
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StageAction applies a reviewer action to a stage.
func (c *Client) StageAction(ctx context.Context, requestID, stageID, action, comment string) (Request, error) {
	body := map[string]any{
		"action":  action,
		"comment": comment,
	}
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s/stages/%s/actions", url.PathEscape(requestID), url.PathEscape(stageID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Resubmit reactivates a request after requested changes.
func (c *Client) Resubmit(ctx context.Context, requestID, comment string) (Request, error) {
	body := map[string]any{"comment": comment}
	var resp Request
	endpoint := fmt.Sprintf("v0/requests/%s/resubmit", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Cancel cancels an approval request.
func (c *Client) Cancel(ctx context.Context, requestID string) error {
	endpoint := fmt.Sprintf("v0/requests/%s/cancel", url.PathEscape(requestID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{}, nil)
}

// Snapshot records a new content version.
func (c *Client) Snapshot(ctx context.Context, contentID, title, body, summary string, metadata map[string]string) (Version, error) {
	payload := map[string]any{
		"title":          title,
		"body":           body,
		"change_summary": summary,
	}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}
	var resp Version
	endpoint := fmt.Sprintf("v0/contents/%s/versions", url.PathEscape(contentID))
	err := c.do(ctx, http.MethodPost, endpoint, payload, &resp)
	return resp, err
}

// Versions lists versions for a content item, newest first.
func (c *Client) Versions(ctx context.Context, contentID string) ([]Version, error) {
	var resp []Version
	endpoint := fmt.Sprintf("v0/contents/%s/versions", url.PathEscape(contentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Diff compares two versions of the same content.
func (c *Client) Diff(ctx context.Context, versionID, otherID string) ([]DiffEntry, error) {
	var resp []DiffEntry
	endpoint := fmt.Sprintf("v0/versions/%s/diff/%s", url.PathEscape(versionID), url.PathEscape(otherID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Restore copies an old version forward as a new current version.
func (c *Client) Restore(ctx context.Context, versionID string) (Version, error) {
	var resp Version
	endpoint := fmt.Sprintf("v0/versions/%s/restore", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Activity returns the feed for a content item, newest first.
func (c *Client) Activity(ctx context.Context, contentID string) ([]ActivityEvent, error) {
	var resp []ActivityEvent
	endpoint := fmt.Sprintf("v0/contents/%s/activity", url.PathEscape(contentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RecentActivity returns the newest entries across all content.
func (c *Client) RecentActivity(ctx context.Context, limit int) ([]ActivityEvent, error) {
	endpoint := "v0/activity"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []ActivityEvent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
