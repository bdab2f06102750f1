// Package client is a Go client for the job queue HTTP API, used by runners
// and tooling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobqueue/pkg/models"
)

// Sentinel errors for client failures. API errors returned by the server
// unwrap to the matching sentinel through *APIError.
var (
	ErrQueueUnreachable = errors.New("queue unreachable")
	ErrQueueTimeout     = errors.New("queue request timeout")
	ErrNoWorkAvailable  = errors.New("no pending job available")
	ErrJobNotFound      = errors.New("job not found")
	ErrInvalidState     = errors.New("job is not in a valid state for this operation")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrStoreUnavailable = errors.New("queue store unavailable")
)

var codeSentinels = map[string]error{
	"JOB_NOT_FOUND":     ErrJobNotFound,
	"INVALID_STATE":     ErrInvalidState,
	"INVALID_REQUEST":   ErrInvalidRequest,
	"STORE_UNAVAILABLE": ErrStoreUnavailable,
}

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("queue api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	return codeSentinels[e.Code] == target
}

// Client is the interface for talking to a queue server.
type Client interface {
	Ping(ctx context.Context) error
	Submit(ctx context.Context, binaryAddr string, inputAddr *string) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Claim(ctx context.Context, runnerID string) (*models.Job, error)
	Tickle(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Complete(ctx context.Context, id uuid.UUID, status models.JobStatus, outputAddr *string) (*models.Job, error)
	Stats(ctx context.Context) (map[string]int, error)
}

// HTTPClient implements Client over the queue's JSON API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the server at baseURL, for example
// "http://127.0.0.1:1717".
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, "/ping", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ping returned status %d", ErrQueueUnreachable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) Submit(ctx context.Context, binaryAddr string, inputAddr *string) (*models.Job, error) {
	body := map[string]any{"binary_addr": binaryAddr}
	if inputAddr != nil {
		body["input_addr"] = *inputAddr
	}
	return c.jobRequest(ctx, http.MethodPost, "/jobs/create", body)
}

func (c *HTTPClient) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return c.jobRequest(ctx, http.MethodGet, "/jobs/"+id.String(), nil)
}

// Claim returns ErrNoWorkAvailable when the server has no pending job.
func (c *HTTPClient) Claim(ctx context.Context, runnerID string) (*models.Job, error) {
	return c.jobRequest(ctx, http.MethodPost, "/jobs/claim", map[string]any{"runner_id": runnerID})
}

func (c *HTTPClient) Tickle(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return c.jobRequest(ctx, http.MethodPost, "/jobs/"+id.String()+"/tickle", nil)
}

func (c *HTTPClient) Complete(ctx context.Context, id uuid.UUID, status models.JobStatus, outputAddr *string) (*models.Job, error) {
	body := map[string]any{"status": string(status)}
	if outputAddr != nil {
		body["output_addr"] = *outputAddr
	}
	return c.jobRequest(ctx, http.MethodPost, "/jobs/"+id.String()+"/complete", body)
}

func (c *HTTPClient) Stats(ctx context.Context) (map[string]int, error) {
	var counts map[string]int
	if err := c.call(ctx, http.MethodGet, "/jobs/stats", nil, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func (c *HTTPClient) jobRequest(ctx context.Context, method, path string, body any) (*models.Job, error) {
	var job models.Job
	if err := c.call(ctx, method, path, body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// call performs a request and decodes the "data" member of a 2xx response
// into out. 204 maps to ErrNoWorkAvailable.
func (c *HTTPClient) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return ErrNoWorkAvailable
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		envelope := struct {
			Data any `json:"data"`
		}{Data: out}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("decoding queue response: %w", err)
		}
		return nil
	default:
		return decodeAPIError(resp)
	}
}

func (c *HTTPClient) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrQueueTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrQueueTimeout, err)
	}

	return fmt.Errorf("%w: %w", ErrQueueUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
