// Package adminclient calls the dispatcher's admin HTTP API.
package adminclient

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

	"EnrollDispatch/internal/limiter"
	"EnrollDispatch/internal/models"
	"EnrollDispatch/internal/worker"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type JobDetail struct {
	Job   models.Job           `json:"job"`
	Audit []models.AuditRecord `json:"audit"`
}

type ImportResult struct {
	Rows int `json:"rows"`
	Jobs int `json:"jobs"`
}

func (c *Client) ListJobs(ctx context.Context, status string, limit, offset int) ([]models.JobSnapshot, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	var out struct {
		Items []models.JobSnapshot `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/jobs?"+q.Encode(), "", nil, &out)
	return out.Items, err
}

func (c *Client) GetJob(ctx context.Context, id string) (*JobDetail, error) {
	var out JobDetail
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RetryJob(ctx context.Context, id string) (*models.JobSnapshot, error) {
	var out models.JobSnapshot
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/retry", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelJob(ctx context.Context, id string) (*models.JobSnapshot, error) {
	var out models.JobSnapshot
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/cancel", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Pool(ctx context.Context) (*models.PoolSnapshot, error) {
	var out models.PoolSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/pool", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Limiter(ctx context.Context) (*limiter.Stats, error) {
	var out limiter.Stats
	if err := c.do(ctx, http.MethodGet, "/v1/limiter", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Sweep(ctx context.Context, batch int) (*worker.SweepResult, error) {
	path := "/v1/sweep"
	if batch > 0 {
		path += "?batch=" + strconv.Itoa(batch)
	}
	var out worker.SweepResult
	if err := c.do(ctx, http.MethodPost, path, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImportCSV uploads a recipient CSV as email trigger events for source.
func (c *Client) ImportCSV(ctx context.Context, source string, csv io.Reader) (*ImportResult, error) {
	q := url.Values{"kind": {string(models.KindEmail)}}
	if source != "" {
		q.Set("source", source)
	}
	var out ImportResult
	if err := c.do(ctx, http.MethodPost, "/v1/events/import?"+q.Encode(), "text/csv", csv, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(bytes.TrimSpace(raw)))
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
