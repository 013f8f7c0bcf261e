// Package catmaid is a client for the CATMAID endpoints behind the synapse
// detection table: auto-detected synapses and connector intersection.
package catmaid

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

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/clbarnes/CATMAID/internal/synapse"
)

// DefaultBasename names the detector output the auto-synapse endpoint reads.
const DefaultBasename = "synapselabels.hdf5"

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "catmaid_request_duration_seconds",
	Help:    "Duration of CATMAID requests by endpoint",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
}, []string{"endpoint"})

// Config contains client configuration.
type Config struct {
	BaseURL   string
	ProjectID int64
	Basename  string        // default DefaultBasename
	APIToken  string        // optional
	Timeout   time.Duration // default 30s
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// Client talks to one CATMAID project.
type Client struct {
	baseURL   string
	projectID int64
	basename  string
	token     string
	http      *http.Client
	zstd      *zstd.Decoder
}

// NewClient creates a CATMAID client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("catmaid: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("catmaid: invalid base URL: %w", err)
	}
	if cfg.Basename == "" {
		cfg.Basename = DefaultBasename
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("catmaid: failed to create zstd decoder: %w", err)
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		projectID: cfg.ProjectID,
		basename:  cfg.Basename,
		token:     cfg.APIToken,
		http:      httpClient,
		zstd:      dec,
	}, nil
}

// Close releases the client's decoders.
func (c *Client) Close() {
	c.zstd.Close()
}

// DetectionRows fetches the detection slice rows of a skeleton.
func (c *Client) DetectionRows(ctx context.Context, skeletonID int64) ([]synapse.DetectionSliceRow, error) {
	q := url.Values{}
	q.Set("skid", strconv.FormatInt(skeletonID, 10))
	q.Set("basename", c.basename)

	body, err := c.do(ctx, "auto-synapses", http.MethodGet, "skeleton/auto-synapses/", q, nil)
	if err != nil {
		return nil, err
	}
	return DecodeDetectionRows(body)
}

// Intersecting returns the connectors inside a bounding box.
func (c *Client) Intersecting(ctx context.Context, box synapse.BoundingBox) ([]synapse.ConnectorInfo, error) {
	q := url.Values{}
	q.Set("xmin", formatFloat(box.XMin))
	q.Set("ymin", formatFloat(box.YMin))
	q.Set("zmin", formatFloat(box.ZMin))
	q.Set("xmax", formatFloat(box.XMax))
	q.Set("ymax", formatFloat(box.YMax))
	q.Set("zmax", formatFloat(box.ZMax))

	body, err := c.do(ctx, "intersecting", http.MethodGet, "connectors/intersecting/", q, nil)
	if err != nil {
		return nil, err
	}

	var records [][]json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("catmaid: decoding intersecting connectors: %w", err)
	}
	return DecodeConnectors(records)
}

// IntersectingMany returns the connectors inside each of several bounding
// boxes with a single request. Each box is JSON-encoded on its own.
func (c *Client) IntersectingMany(ctx context.Context, boxes map[int64]synapse.BoundingBox) (map[int64][]synapse.ConnectorInfo, error) {
	form := url.Values{}
	for id, box := range boxes {
		encoded, err := json.Marshal(box)
		if err != nil {
			return nil, fmt.Errorf("catmaid: encoding box for synapse %d: %w", id, err)
		}
		form.Set(strconv.FormatInt(id, 10), string(encoded))
	}

	body, err := c.do(ctx, "intersecting_many", http.MethodPost, "connectors/intersecting/many/", nil, form)
	if err != nil {
		return nil, err
	}
	return DecodeConnectorsMany(body)
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := fmt.Sprintf("%s/%d/%s", c.baseURL, c.projectID, path)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, name, method, path string, q url.Values, form url.Values) ([]byte, error) {
	timer := prometheus.NewTimer(requestDuration.WithLabelValues(name))
	defer timer.ObserveDuration()

	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), reqBody)
	if err != nil {
		return nil, fmt.Errorf("catmaid: building request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "zstd, gzip")
	if c.token != "" {
		req.Header.Set("X-Authorization", "Token "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catmaid: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("catmaid: reading %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if apiErr := parseAPIError(resp.StatusCode, body); apiErr != nil {
			return nil, apiErr
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if apiErr := parseAPIError(resp.StatusCode, body); apiErr != nil {
		return nil, apiErr
	}
	return body, nil
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "zstd":
		compressed, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return c.zstd.DecodeAll(compressed, nil)
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return io.ReadAll(resp.Body)
	}
}

// parseAPIError recognises CATMAID's JSON error objects.
func parseAPIError(status int, body []byte) *APIError {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var wire struct {
		Error  *string `json:"error"`
		Type   string  `json:"type"`
		Detail string  `json:"detail"`
	}
	if err := json.Unmarshal(trimmed, &wire); err != nil || wire.Error == nil {
		return nil
	}
	msg := *wire.Error
	if wire.Detail != "" {
		msg += ": " + wire.Detail
	}
	return &APIError{StatusCode: status, Type: wire.Type, Message: msg}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
