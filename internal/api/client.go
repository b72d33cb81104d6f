package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"codeberg.org/mutker/energentctl/internal/errors"
	"codeberg.org/mutker/energentctl/internal/logger"
)

const streamPath = "/ws/power"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the backend (e.g. "http://localhost:5001").
	BaseURL string

	// StreamURL overrides the derived telemetry WebSocket endpoint.
	StreamURL string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// Timeout applies to individual requests, overriding HTTPClient's own
	// timeout when set. Zero means requests only end when they resolve or
	// their context is cancelled.
	Timeout time.Duration
}

// Client talks to the Energent backend HTTP API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	streamURL string
	client    *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	errFactory := errors.New()

	if cfg.BaseURL == "" {
		return nil, errFactory.WithData(ErrInvalidConfig, "BaseURL is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errFactory.WithData(ErrInvalidURL, cfg.BaseURL)
	}

	streamURL := cfg.StreamURL
	if streamURL == "" {
		streamURL = deriveStreamURL(base)
	}

	httpClient := cfg.HTTPClient
	switch {
	case httpClient == nil:
		httpClient = &http.Client{Timeout: cfg.Timeout}
	case cfg.Timeout > 0:
		c := *httpClient
		c.Timeout = cfg.Timeout
		httpClient = &c
	}

	return &Client{
		baseURL:   base.String(),
		streamURL: streamURL,
		client:    httpClient,
	}, nil
}

func deriveStreamURL(base *url.URL) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + streamPath
	return u.String()
}

// BaseURL returns the normalized backend root URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StreamURL returns the telemetry WebSocket endpoint
func (c *Client) StreamURL() string {
	return c.streamURL
}

// Models lists the model catalog.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	var models []Model
	if err := c.get(ctx, "/api/models", &models); err != nil {
		return nil, err
	}
	return models, nil
}

// Hardware returns the host hardware descriptor.
func (c *Client) Hardware(ctx context.Context) (*Hardware, error) {
	var hw Hardware
	if err := c.get(ctx, "/api/hardware", &hw); err != nil {
		return nil, err
	}
	return &hw, nil
}

// CarbonIntensity returns the current grid carbon intensity.
func (c *Client) CarbonIntensity(ctx context.Context) (*CarbonIntensity, error) {
	var ci CarbonIntensity
	if err := c.get(ctx, "/api/carbon/intensity", &ci); err != nil {
		return nil, err
	}
	return &ci, nil
}

// Predict estimates power and grade for a selection before running it.
// Unset compute target and precision are sent as their defaults.
func (c *Client) Predict(ctx context.Context, sel Selection) (*Prediction, error) {
	sel = sel.WithDefaults()

	params := url.Values{}
	params.Set("model_id", sel.ModelID)
	params.Set("compute_target", sel.ComputeTarget)
	params.Set("precision", sel.Precision)

	var pred Prediction
	if err := c.get(ctx, "/api/predict?"+params.Encode(), &pred); err != nil {
		return nil, err
	}
	return &pred, nil
}

// SubmitRun starts a workload run and returns its identifier.
func (c *Client) SubmitRun(ctx context.Context, req RunRequest) (*RunAccepted, error) {
	var resp RunAccepted
	if err := c.post(ctx, "/api/run", req, &resp); err != nil {
		return nil, err
	}
	if resp.RunID == "" {
		return nil, errors.New().New(ErrMissingRunID)
	}
	return &resp, nil
}

// GetRun fetches the current record of a run.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.get(ctx, "/api/run/"+url.PathEscape(runID), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Optimize fetches the ranked optimization suggestions of a finished run.
func (c *Client) Optimize(ctx context.Context, runID string) ([]Suggestion, error) {
	var suggestions []Suggestion
	if err := c.get(ctx, "/api/run/"+url.PathEscape(runID)+"/optimize", &suggestions); err != nil {
		return nil, err
	}
	if suggestions == nil {
		suggestions = []Suggestion{}
	}
	return suggestions, nil
}

// History lists recent runs, newest first.
func (c *Client) History(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := c.get(ctx, "/api/runs/history", &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Validate returns the predictor accuracy report.
func (c *Client) Validate(ctx context.Context) (*Validation, error) {
	var v Validation
	if err := c.get(ctx, "/api/validate", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Health returns the backend health summary.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/api/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ExportRun downloads a run in the given format ("json" or "csv").
func (c *Client) ExportRun(ctx context.Context, runID, format string) ([]byte, error) {
	if format != "json" && format != "csv" {
		return nil, errors.New().WithData(ErrInvalidFormat, format)
	}

	path := "/api/run/" + url.PathEscape(runID) + "/export?" + url.Values{"format": {format}}.Encode()
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New().Wrap(ErrRequestFailed, err)
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp.Body, dest)
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.New().Wrap(ErrBuildRequest, err)
	}

	resp, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp.Body, dest)
}

// do sends the request and returns the response when the status is 2xx.
// The caller owns the response body.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	errFactory := errors.New()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errFactory.Wrap(ErrBuildRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Keep context errors unwrapped so callers can tell cancellation apart.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errFactory.Wrap(ErrRequestFailed, err)
	}

	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		statusErr := &StatusError{StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
		logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("Backend returned error status")
		return nil, statusErr
	}

	return resp, nil
}

func decode(r io.Reader, dest any) error {
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(r).Decode(dest); err != nil {
		return errors.New().Wrap(ErrDecode, err)
	}
	return nil
}

// readDetail extracts FastAPI-style {"detail": "..."} bodies.
func readDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}

	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if s, ok := body.Detail.(string); ok {
			return s
		}
	}
	return ""
}
