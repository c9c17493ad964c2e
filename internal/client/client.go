// Package client talks to the NeDRex job API over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Sentinel errors for API client failures.
var (
	ErrUnreachable = errors.New("nedrex api unreachable")
	ErrTimeout     = errors.New("nedrex api timeout")
	ErrNotFound    = errors.New("job not found")
	ErrNotFinished = errors.New("job not finished")
	ErrJobFailed   = errors.New("job failed")
)

// APIError is a non-success response carrying the API error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("nedrex api: status %d", e.Status)
	}
	return fmt.Sprintf("nedrex api: %s (%d): %s", e.Code, e.Status, e.Message)
}

const defaultPollInterval = 10 * time.Second

// HTTPClient calls the job routes of a NeDRex API server.
type HTTPClient struct {
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	client       *http.Client
}

type Option func(*HTTPClient)

// WithAPIKey sends key in the x-api-key header.
func WithAPIKey(key string) Option {
	return func(c *HTTPClient) { c.apiKey = key }
}

// WithPollInterval sets how often Wait asks for the job status.
func WithPollInterval(d time.Duration) Option {
	return func(c *HTTPClient) { c.pollInterval = d }
}

// NewHTTPClient creates a new API client. timeout bounds each request.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:      baseURL,
		pollInterval: defaultPollInterval,
		client:       &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit posts a job request and returns the uid of the new or existing job.
func (c *HTTPClient) Submit(ctx context.Context, jobType string, request any) (uuid.UUID, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding request: %w", err)
	}
	return c.submit(ctx, "/"+url.PathEscape(jobType)+"/submit", "application/json", bytes.NewReader(body))
}

// BiconRequest holds the form fields of a BiCoN submission. Zero values leave
// the server defaults in place.
type BiconRequest struct {
	Filename string
	LgMin    int
	LgMax    int
	Network  string
}

// SubmitBicon uploads an expression file as a BiCoN job.
func (c *HTTPClient) SubmitBicon(ctx context.Context, expression io.Reader, req BiconRequest) (uuid.UUID, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeBiconForm(mw, expression, req))
	}()
	return c.submit(ctx, "/bicon/submit", mw.FormDataContentType(), pr)
}

func writeBiconForm(mw *multipart.Writer, expression io.Reader, req BiconRequest) error {
	if req.LgMin > 0 {
		if err := mw.WriteField("lg_min", strconv.Itoa(req.LgMin)); err != nil {
			return err
		}
	}
	if req.LgMax > 0 {
		if err := mw.WriteField("lg_max", strconv.Itoa(req.LgMax)); err != nil {
			return err
		}
	}
	if req.Network != "" {
		if err := mw.WriteField("network", req.Network); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("expression_file", req.Filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, expression); err != nil {
		return err
	}
	return mw.Close()
}

func (c *HTTPClient) submit(ctx context.Context, path, contentType string, body io.Reader) (uuid.UUID, error) {
	resp, err := c.do(ctx, http.MethodPost, path, nil, contentType, body)
	if err != nil {
		return uuid.Nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return uuid.Nil, decodeError(resp)
	}
	return decodeUID(resp.Body)
}

// Status returns the job record of uid. family is the route family, e.g.
// "diamond" or "validation".
func (c *HTTPClient) Status(ctx context.Context, family string, uid uuid.UUID) (map[string]any, error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(family)+"/status", url.Values{"uid": {uid.String()}}, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var record map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	if len(record) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	return record, nil
}

// Wait polls the status of uid until the job completes or fails. A failed job
// returns its record together with ErrJobFailed.
func (c *HTTPClient) Wait(ctx context.Context, family string, uid uuid.UUID) (map[string]any, error) {
	var record map[string]any
	op := func() error {
		rec, err := c.Status(ctx, family, uid)
		if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		record = rec
		switch rec["status"] {
		case "completed", "failed":
			return nil
		}
		return ErrNotFinished
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(c.pollInterval), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return record, err
	}
	if record["status"] == "failed" {
		msg, _ := record["error"].(string)
		return record, fmt.Errorf("%w: %s", ErrJobFailed, msg)
	}
	return record, nil
}

// Download writes the result file of a completed job to w.
func (c *HTTPClient) Download(ctx context.Context, path string, uid uuid.UUID, w io.Writer) error {
	resp, err := c.do(ctx, http.MethodGet, path, url.Values{"uid": {uid.String()}}, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("reading download: %w", err)
	}
	return nil
}

// Resubmit reruns a finished job with an admin key. With wait the server
// watches the rerun in the background; the call still returns at once.
func (c *HTTPClient) Resubmit(ctx context.Context, family string, uid uuid.UUID, wait bool) (uuid.UUID, error) {
	var params url.Values
	if wait {
		params = url.Values{"wait": {"true"}}
	}
	path := fmt.Sprintf("/admin/resubmit/%s/%s", url.PathEscape(family), uid)
	resp, err := c.do(ctx, http.MethodPost, path, params, "", nil)
	if err != nil {
		return uuid.Nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return uuid.Nil, decodeError(resp)
	}
	return decodeUID(resp.Body)
}

// GenerateKey requests a new API key, accepting the EULA.
func (c *HTTPClient) GenerateKey(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/admin/api_key/generate", nil, "application/json",
		bytes.NewReader([]byte(`{"accept_eula": true}`)))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}
	var key string
	if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
		return "", fmt.Errorf("decoding key: %w", err)
	}
	return key, nil
}

// VerifyKey reports whether the client's key is valid.
func (c *HTTPClient) VerifyKey(ctx context.Context) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/admin/api_key/verify", nil, "", nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, decodeError(resp)
	}
	var ok bool
	if err := json.NewDecoder(resp.Body).Decode(&ok); err != nil {
		return false, fmt.Errorf("decoding verify response: %w", err)
	}
	return ok, nil
}

// RevokeKey deletes the client's key and returns the server's verdict.
func (c *HTTPClient) RevokeKey(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/admin/api_key/revoke", nil, "", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}
	var out struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding revoke response: %w", err)
	}
	return out.Detail, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, params url.Values, contentType string, body io.Reader) (*http.Response, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

func decodeUID(r io.Reader) (uuid.UUID, error) {
	var raw string
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return uuid.Nil, fmt.Errorf("decoding uid: %w", err)
	}
	return uuid.Parse(raw)
}

// decodeError turns an error response into an error matching the sentinels
// where one applies.
func decodeError(resp *http.Response) error {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&env)
	apiErr := &APIError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}

	switch env.Error.Code {
	case "JOB_NOT_FINISHED":
		return fmt.Errorf("%w: %w", ErrNotFinished, apiErr)
	case "JOB_FAILED":
		return fmt.Errorf("%w: %w", ErrJobFailed, apiErr)
	case "JOB_NOT_FOUND":
		return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
	}
	return apiErr
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
