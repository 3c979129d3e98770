// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

// Package logsapi talks to the AppMetrica Logs API: Client issues single
// export requests, Loader drives the asynchronous part protocol on top of it
// and streams the CSV body in bounded batches.
package logsapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/logmirror/internal/config"
	"github.com/tomtom215/logmirror/internal/logging"
	"github.com/tomtom215/logmirror/internal/metrics"
	"github.com/tomtom215/logmirror/internal/state"
)

// TimeLayout is the date_since/date_until format.
const TimeLayout = "2006-01-02 15:04:05"

const tooLargeMarker = "Try to use more parts."

var progressRE = regexp.MustCompile(`Progress is (\d+)%`)

// Status classifies an export response.
type Status int

// Export outcomes.
const (
	Ready Status = iota
	NotReady
	RateLimited
	TooLarge
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case NotReady:
		return "not_ready"
	case RateLimited:
		return "rate_limited"
	case TooLarge:
		return "too_large"
	default:
		return "unknown"
	}
}

// ExportRequest is one export call.
type ExportRequest struct {
	AppID  string
	Table  string
	Fields []string

	// Since and Until bound the window; both zero means no window.
	Since time.Time
	Until time.Time

	PartsCount int
	PartNumber int
}

// Response is a classified export response. Body is set only when Status is
// Ready and must be closed by the caller.
type Response struct {
	Status Status

	// Progress is the preparation percentage for NotReady, -1 if unknown.
	Progress int

	Body io.ReadCloser
}

// Exporter issues export requests.
type Exporter interface {
	Export(ctx context.Context, req ExportRequest) (*Response, error)
}

// Client is the HTTP client of the Logs API.
type Client struct {
	host          string
	token         string
	dateDimension string
	timeout       time.Duration
	http          *http.Client
	limiter       *rate.Limiter
	cb            *gobreaker.CircuitBreaker[*http.Response]
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient builds a client from cfg.
func NewClient(cfg *config.LogsAPIConfig, opts ...Option) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		host:          strings.TrimRight(cfg.Host, "/"),
		token:         cfg.Token,
		dateDimension: cfg.DateDimension,
		timeout:       cfg.Timeout,
		http:          newHTTPClient(cfg.Timeout),
		limiter:       rate.NewLimiter(limit, burst),
		cb:            newBreaker("logs-api", cfg.BreakerTimeout),
	}
	if c.dateDimension == "" {
		c.dateDimension = "default"
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newHTTPClient bounds connecting and waiting for response headers by
// timeout. Bodies are read without a deadline: a ready export is streamed
// for as long as the caller keeps consuming it.
func newHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// Export issues one export request and classifies the response.
func (c *Client) Export(ctx context.Context, req ExportRequest) (*Response, error) {
	params := url.Values{}
	params.Set("application_id", req.AppID)
	if !req.Since.IsZero() || !req.Until.IsZero() {
		params.Set("date_since", req.Since.Format(TimeLayout))
		params.Set("date_until", req.Until.Format(TimeLayout))
	}
	params.Set("date_dimension", c.dateDimension)
	params.Set("fields", strings.Join(req.Fields, ","))
	if req.PartsCount > 1 {
		params.Set("parts_count", strconv.Itoa(req.PartsCount))
		params.Set("part_number", strconv.Itoa(req.PartNumber))
	}
	reqURL := fmt.Sprintf("%s/logs/v1/export/%s.csv?%s", c.host, url.PathEscape(req.Table), params.Encode())

	start := time.Now()
	resp, err := c.do(ctx, reqURL, true)
	if err != nil {
		metrics.RecordExportResponse(req.Table, "error", time.Since(start))
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := decodeBody(resp)
		if err != nil {
			closeQuietly(resp.Body)
			metrics.RecordExportResponse(req.Table, "error", time.Since(start))
			return nil, err
		}
		metrics.RecordExportResponse(req.Table, Ready.String(), time.Since(start))
		return &Response{Status: Ready, Progress: 100, Body: body}, nil

	case resp.StatusCode == http.StatusAccepted:
		text := readBodyForError(resp.Body)
		closeQuietly(resp.Body)
		metrics.RecordExportResponse(req.Table, NotReady.String(), time.Since(start))
		return &Response{Status: NotReady, Progress: parseProgress(text)}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		closeQuietly(resp.Body)
		metrics.RecordExportResponse(req.Table, RateLimited.String(), time.Since(start))
		return &Response{Status: RateLimited, Progress: -1}, nil

	default:
		text := readBodyForError(resp.Body)
		closeQuietly(resp.Body)
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(text, tooLargeMarker) {
			metrics.RecordExportResponse(req.Table, TooLarge.String(), time.Since(start))
			return &Response{Status: TooLarge, Progress: -1}, nil
		}
		metrics.RecordExportResponse(req.Table, "error", time.Since(start))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: text}
	}
}

// do paces and sends a GET through the circuit breaker. Server errors count
// as breaker failures and come back as *APIError.
func (c *Client) do(ctx context.Context, reqURL string, compressed bool) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.cb.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("create request failed: %w", err)
		}
		req.Header.Set("Authorization", "OAuth "+c.token)
		req.Header.Set("Cache-Control", "no-cache")
		if compressed {
			req.Header.Set("Accept-Encoding", acceptEncoding)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			text := readBodyForError(resp.Body)
			closeQuietly(resp.Body)
			return nil, &APIError{StatusCode: resp.StatusCode, Body: text}
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerRequests.WithLabelValues(c.cb.Name(), "rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	if err != nil {
		metrics.CircuitBreakerRequests.WithLabelValues(c.cb.Name(), "failure").Inc()
		return nil, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(c.cb.Name(), "success").Inc()
	return resp, nil
}

func parseProgress(text string) int {
	m := progressRE.FindStringSubmatch(text)
	if m == nil {
		return -1
	}
	p, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return p
}

type applicationResponse struct {
	Application struct {
		CreateDate string `json:"create_date"`
	} `json:"application"`
}

// AppCreationDate asks the management API when the application was created.
// ok is false when the API does not report a date.
func (c *Client) AppCreationDate(ctx context.Context, appID string) (d state.Date, ok bool, err error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	reqURL := fmt.Sprintf("%s/management/v1/application/%s", c.host, url.PathEscape(appID))
	resp, err := c.do(ctx, reqURL, false)
	if err != nil {
		return state.Date{}, false, err
	}
	defer closeQuietly(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return state.Date{}, false, &APIError{StatusCode: resp.StatusCode, Body: readBodyForError(resp.Body)}
	}

	var app applicationResponse
	if err := json.NewDecoder(resp.Body).Decode(&app); err != nil {
		return state.Date{}, false, fmt.Errorf("failed to decode application: %w", err)
	}
	raw := strings.TrimSpace(app.Application.CreateDate)
	if len(raw) < len(time.DateOnly) {
		return state.Date{}, false, nil
	}
	d, err = state.ParseDate(raw[:len(time.DateOnly)])
	if err != nil {
		return state.Date{}, false, err
	}
	logging.Debug().Str("app", appID).Str("create_date", d.String()).Msg("Application creation date")
	return d, true, nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
