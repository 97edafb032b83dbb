package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/jobpulse/internal/types"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4096
)

type ToggleResponse struct {
	Message string `json:"message"`
	IsSaved *bool  `json:"is_saved,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *log.Logger
}

func NewClient(baseURL string, logger *log.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		log:     logger,
	}
}

func (c *Client) ToggleSave(ctx context.Context, token, jobId string) (ToggleResponse, error) {
	var resp ToggleResponse
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobId)+"/save", nil, token, &resp)
	return resp, err
}

func (c *Client) ListNotifications(ctx context.Context, token string, page, limit int) ([]types.Notification, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var notifications []types.Notification
	err := c.do(ctx, http.MethodGet, "/notifications", q, token, &notifications)
	return notifications, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, token, id string) error {
	return c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read", nil, token, nil)
}

func (c *Client) ListJobs(ctx context.Context, token string, page, limit int) ([]types.Job, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	return c.jobs(ctx, "/jobs", q, token)
}

func (c *Client) GetJob(ctx context.Context, token, jobId string) (types.Job, error) {
	var job types.Job
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobId), nil, token, &job)
	return job, err
}

func (c *Client) RecommendedJobs(ctx context.Context, token string) ([]types.Job, error) {
	return c.jobs(ctx, "/jobs/recommended", nil, token)
}

func (c *Client) RelatedJobs(ctx context.Context, token, jobId string) ([]types.Job, error) {
	return c.jobs(ctx, "/jobs/"+url.PathEscape(jobId)+"/related", nil, token)
}

func (c *Client) SavedJobs(ctx context.Context, token string) ([]types.Job, error) {
	return c.jobs(ctx, "/jobs/saved", nil, token)
}

func (c *Client) AppliedJobs(ctx context.Context, token string) ([]types.Job, error) {
	return c.jobs(ctx, "/jobs/applied", nil, token)
}

func (c *Client) jobs(ctx context.Context, path string, q url.Values, token string) ([]types.Job, error) {
	var jobs []types.Job
	err := c.do(ctx, http.MethodGet, path, q, token, &jobs)
	return jobs, err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, token string, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Printf("%s %s: status %d", method, path, resp.StatusCode)
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}

	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &ApiError{
		StatusCode: resp.StatusCode,
		Message:    strings.ToLower(http.StatusText(resp.StatusCode)),
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return apiErr
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return apiErr
	}

	for _, m := range []string{payload.Message, payload.Error, payload.Detail} {
		if m != "" {
			apiErr.Message = m
			break
		}
	}

	return apiErr
}
