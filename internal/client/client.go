// Package client implements the session Backend against a remote xrayscan
// server over HTTP.
package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/httpclient"
	"github.com/tphakala/xrayscan/internal/logger"
	"github.com/tphakala/xrayscan/internal/scan"
)

const (
	componentName = "client"
	// maxResponseSize bounds decoded response bodies.
	maxResponseSize = 16 << 20
)

// ErrorResponse is the JSON error body returned by the server.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// Client talks to a remote server. It is safe for concurrent use.
type Client struct {
	base *url.URL
	http *httpclient.Client
	log  logger.Logger
}

// New returns a client for the server at baseURL. hc may be nil.
func New(baseURL string, hc *httpclient.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		if err == nil {
			err = errors.NewStd("server URL must be absolute http(s)")
		}
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Context("url", baseURL).
			Build()
	}
	if hc == nil {
		hc = httpclient.New(nil)
	}
	return &Client{
		base: u,
		http: hc,
		log:  logger.Global().Module(componentName).With(logger.String("server", u.Host)),
	}, nil
}

func (c *Client) endpoint(p string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	return u.String()
}

// Upload posts content as the multipart field "file".
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader) (scan.UploadResult, error) {
	resp, err := c.http.PostFile(ctx, c.endpoint("/upload"), "file", filename, content)
	if err != nil {
		return scan.UploadResult{}, transportError(err, errors.CategoryUpload, "upload")
	}
	var res scan.UploadResult
	if err := c.decode(resp, "upload", &res); err != nil {
		return scan.UploadResult{}, err
	}
	return res, nil
}

// Detect asks the server to run detection on an uploaded image.
func (c *Client) Detect(ctx context.Context, imageReference string) (scan.DetectionResult, error) {
	body := map[string]string{"imageReference": imageReference}
	resp, err := c.http.Post(ctx, c.endpoint("/detect"), "", body)
	if err != nil {
		return scan.DetectionResult{}, transportError(err, errors.CategoryDetection, "detect")
	}
	var res scan.DetectionResult
	if err := c.decode(resp, "detect", &res); err != nil {
		return scan.DetectionResult{}, err
	}
	if res.Findings == nil {
		res.Findings = []scan.Finding{}
	}
	return res, nil
}

// Save posts rec to the history endpoint.
func (c *Client) Save(ctx context.Context, rec scan.Record) error {
	resp, err := c.http.Post(ctx, c.endpoint("/"), "", rec)
	if err != nil {
		return transportError(err, errors.CategoryPersistence, "save")
	}
	return c.decode(resp, "save", nil)
}

// History fetches saved scans. Failures are logged and yield an empty list.
func (c *Client) History(ctx context.Context) []scan.Record {
	resp, err := c.http.Get(ctx, c.endpoint("/"))
	if err != nil {
		c.log.Warn("failed to fetch history", logger.Error(err))
		return []scan.Record{}
	}
	var records []scan.Record
	if err := c.decode(resp, "history", &records); err != nil {
		c.log.Warn("failed to fetch history", logger.Error(err))
		return []scan.Record{}
	}
	if records == nil {
		records = []scan.Record{}
	}
	return records
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.Close()
}

// decode reads resp into out (skipped when out is nil) or converts an error
// response into an EnhancedError carrying the server's category.
func (c *Client) decode(resp *http.Response, op string, out any) error {
	defer func() { _ = resp.Body.Close() }()
	body := io.LimitReader(resp.Body, maxResponseSize)

	if resp.StatusCode != http.StatusOK {
		return responseError(resp, body, op)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, body)
		return nil
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryHTTP).
			Context("operation", op).
			Build()
	}
	return nil
}

func responseError(resp *http.Response, body io.Reader, op string) error {
	var er ErrorResponse
	data, _ := io.ReadAll(body)
	if err := json.Unmarshal(data, &er); err != nil || er.Message == "" {
		er.Message = strings.TrimSpace(string(data))
		if er.Message == "" {
			er.Message = http.StatusText(resp.StatusCode)
		}
	}

	category := errors.ErrorCategory(er.Error)
	if category == "" {
		category = errors.CategoryHTTP
	}

	b := errors.Newf("%s", er.Message).
		Component(componentName).
		Category(category).
		Context("operation", op).
		Context("status_code", resp.StatusCode)
	if er.CorrelationID != "" {
		b = b.Context("correlation_id", er.CorrelationID)
	}
	return b.Build()
}

func transportError(err error, category errors.ErrorCategory, op string) error {
	return errors.New(err).
		Component(componentName).
		Category(category).
		Context("operation", op).
		Build()
}
