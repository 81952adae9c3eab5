package api

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

	"github.com/banshee-data/gamma.report/internal/db"
	"github.com/banshee-data/gamma.report/internal/dispatch"
	"github.com/banshee-data/gamma.report/internal/httputil"
	"github.com/banshee-data/gamma.report/internal/spectrum"
	"github.com/banshee-data/gamma.report/internal/version"
)

// Client talks to a running gamma server over its JSON API.
type Client struct {
	HTTP    httputil.HTTPClient
	BaseURL string
}

// NewClient returns a Client for baseURL. A nil hc uses a client with no
// timeout.
func NewClient(baseURL string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(0)
	}
	return &Client{HTTP: hc, BaseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Client) Status(ctx context.Context) (dispatch.Status, error) {
	var st dispatch.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

func (c *Client) Version(ctx context.Context) (version.Info, error) {
	var v version.Info
	err := c.do(ctx, http.MethodGet, "/api/version", nil, &v)
	return v, err
}

func (c *Client) Session(ctx context.Context) (spectrum.Snapshot, error) {
	var snap spectrum.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/session", nil, &snap)
	return snap, err
}

func (c *Client) Spectrum(ctx context.Context, index int) (SpectrumResponse, error) {
	var resp SpectrumResponse
	err := c.do(ctx, http.MethodGet, "/api/session/spectra/"+strconv.Itoa(index), nil, &resp)
	return resp, err
}

func (c *Client) Preview(ctx context.Context) (spectrum.View, error) {
	var v spectrum.View
	err := c.do(ctx, http.MethodGet, "/api/preview", nil, &v)
	return v, err
}

// ROI queries a channel range. Pass params such as start/end or
// nuclide/half_width.
func (c *Client) ROI(ctx context.Context, params url.Values) (ROIResponse, error) {
	var resp ROIResponse
	err := c.do(ctx, http.MethodGet, "/api/session/roi?"+params.Encode(), nil, &resp)
	return resp, err
}

// SetBackground loads a stored session as background. An empty name clears it.
func (c *Client) SetBackground(ctx context.Context, session string) (spectrum.Snapshot, error) {
	var snap spectrum.Snapshot
	err := c.do(ctx, http.MethodPost, "/api/session/background", BackgroundRequest{Session: session}, &snap)
	return snap, err
}

func (c *Client) Sessions(ctx context.Context) ([]db.SessionRecord, error) {
	var recs []db.SessionRecord
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &recs)
	return recs, err
}

// DeleteSession removes a stored session. The current session cannot be
// deleted.
func (c *Client) DeleteSession(ctx context.Context, name string) (DeleteResponse, error) {
	var resp DeleteResponse
	err := c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(name), nil, &resp)
	return resp, err
}

// Command queues a device command. body is marshalled as JSON and may be nil.
func (c *Client) Command(ctx context.Context, name string, body interface{}) (CommandResponse, error) {
	var resp CommandResponse
	err := c.do(ctx, http.MethodPost, "/api/commands/"+url.PathEscape(name), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err := httputil.DecodeResponse(resp, out); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}
