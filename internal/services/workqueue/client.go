package workqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/scanagent/internal/models"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateInterval is the minimum gap between requests.
	DefaultRateInterval = 200 * time.Millisecond

	// MaxSourceBytes bounds the size of a fetched source document.
	MaxSourceBytes = 64 << 20
)

// Client is the work-queue API client. It never retries.
type Client struct {
	baseURL    string
	apiToken   string
	agentID    string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateInterval sets the minimum gap between requests.
func WithRateInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

// WithTimeout sets the per request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new work-queue client. agentID identifies this
// process as the lease owner.
func NewClient(baseURL, apiToken, agentID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: strings.TrimSpace(apiToken),
		agentID:  agentID,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:  arbor.NewLogger(),
		limiter: rate.NewLimiter(rate.Every(DefaultRateInterval), 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Configured reports whether an API token and base URL are present
func (c *Client) Configured() bool {
	return c.apiToken != "" && c.baseURL != ""
}

// AgentID returns the lease owner id sent with claims
func (c *Client) AgentID() string {
	return c.agentID
}

// ListClaimable returns pending jobs, oldest first
func (c *Client) ListClaimable(ctx context.Context) ([]models.Job, error) {
	var resp claimableResponse
	if _, err := c.do(ctx, http.MethodGet, "/jobs/claimable", nil, &resp); err != nil {
		return nil, err
	}

	jobs := make([]models.Job, 0, len(resp.Jobs))
	for _, dto := range resp.Jobs {
		job, err := dto.toModel()
		if err != nil {
			c.logger.Warn().Err(err).Str("job_id", dto.ID).Msg("Skipping job with unknown scan kind")
			continue
		}
		jobs = append(jobs, job)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	return jobs, nil
}

// Claim leases the job to this agent. A conflict owned by this agent is success.
func (c *Client) Claim(ctx context.Context, jobID string) error {
	_, err := c.do(ctx, http.MethodPost, jobPath(jobID, "claim"), claimRequest{AgentID: c.agentID}, nil)
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		var conflict claimConflict
		_ = json.Unmarshal([]byte(apiErr.Message), &conflict)
		if conflict.ClaimedBy != "" && conflict.ClaimedBy == c.agentID {
			c.logger.Debug().Str("job_id", jobID).Msg("Job already claimed by this agent")
			return nil
		}
		owner := conflict.ClaimedBy
		if owner == "" {
			owner = "unknown"
		}
		return fmt.Errorf("%w: job %s held by %s", ErrAlreadyClaimed, jobID, owner)
	}
	return err
}

// IncrementAttempt bumps the job's attempt counter
func (c *Client) IncrementAttempt(ctx context.Context, jobID string) error {
	_, err := c.do(ctx, http.MethodPost, jobPath(jobID, "attempts"), claimRequest{AgentID: c.agentID}, nil)
	return err
}

// SetStatus updates the remote job status
func (c *Client) SetStatus(ctx context.Context, jobID string, status models.JobStatus, message string) error {
	_, err := c.do(ctx, http.MethodPost, jobPath(jobID, "status"), statusRequest{
		Status:       string(status),
		ErrorMessage: message,
		AgentID:      c.agentID,
	}, nil)
	return err
}

// AppendLog posts a structured automation log event
func (c *Client) AppendLog(ctx context.Context, jobID, action, message string) error {
	_, err := c.do(ctx, http.MethodPost, jobPath(jobID, "logs"), logRequest{
		Action:  action,
		Message: message,
		AgentID: c.agentID,
	}, nil)
	return err
}

// FetchSource resolves a signed url for the job's source and downloads it
func (c *Client) FetchSource(ctx context.Context, job models.Job) ([]byte, error) {
	var signed sourceURLResponse
	path := jobPath(job.ID, "source-url") + "?path=" + url.QueryEscape(job.SourcePath)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &signed); err != nil {
		return nil, err
	}
	if signed.URL == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "empty signed url", Endpoint: path}
	}

	target, err := c.resolve(signed.URL)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	// Signed urls carry their own authorization
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Endpoint: "signed-url", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body), Endpoint: "signed-url"}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxSourceBytes+1))
	if err != nil {
		return nil, &NetworkError{Endpoint: "signed-url", Err: err}
	}
	if len(data) > MaxSourceBytes {
		return nil, fmt.Errorf("source document exceeds %d bytes", MaxSourceBytes)
	}

	c.logger.Debug().Str("job_id", job.ID).Int("bytes", len(data)).Msg("Source document fetched")
	return data, nil
}

// UploadReport stores an artifact and returns its result-store reference
func (c *Client) UploadReport(ctx context.Context, jobID string, artifact models.Artifact) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("kind", string(artifact.Kind))
	_ = writer.WriteField("agent_id", c.agentID)
	part, err := writer.CreateFormFile("file", artifact.FileName)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart body: %w", err)
	}
	if _, err := part.Write(artifact.Data); err != nil {
		return "", fmt.Errorf("failed to write multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	var resp uploadResponse
	if _, err := c.send(ctx, http.MethodPost, jobPath(jobID, "reports"), writer.FormDataContentType(), &body, &resp); err != nil {
		return "", err
	}
	return resp.Reference, nil
}

// CompleteJob posts the result summary. The queue de-duplicates by job id,
// so an "already completed" conflict is treated as success.
func (c *Client) CompleteJob(ctx context.Context, jobID string, summary models.ResultSummary) error {
	_, err := c.do(ctx, http.MethodPost, jobPath(jobID, "complete"), summary, nil)
	if StatusCodeOf(err) == http.StatusConflict {
		c.logger.Debug().Str("job_id", jobID).Msg("Job already completed")
		return nil
	}
	return err
}

// do sends an optional JSON body and decodes an optional JSON result
func (c *Client) do(ctx context.Context, method, path string, payload, result interface{}) (int, error) {
	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, contentType, body, result)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body io.Reader, result interface{}) (int, error) {
	// No token means no round trip
	if !c.Configured() {
		return 0, ErrAuth
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	c.logger.Trace().Str("method", method).Str("path", path).Msg("Work queue request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, &NetworkError{Endpoint: path, Err: ctxErr}
		}
		return 0, &NetworkError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
			Endpoint:   path,
		}
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}

func (c *Client) resolve(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid signed url: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}

func jobPath(jobID, action string) string {
	return "/jobs/" + url.PathEscape(jobID) + "/" + action
}
