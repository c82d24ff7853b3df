// Copyright 2025 Overdrive Energy Solutions
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vmquery reads series back out of VictoriaMetrics through its
// Prometheus compatible HTTP API. The report and detection plugins use it to
// probe which metrics a site publishes and to pull the raw series an energy
// report integrates over.
package vmquery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

const (
	defaultInstantTimeout = 5 * time.Second
	defaultRangeTimeout   = 30 * time.Second
	defaultQueriesPerSec  = 10

	// existenceStep keeps existence probes cheap: one sample per five
	// minutes is enough to tell whether a series carries data at all.
	existenceStep = "5m"
)

// Point is one sample of a series. Ts is the Prometheus convention of unix
// seconds, fractional when VictoriaMetrics interpolates.
type Point struct {
	Ts    float64
	Value float64
}

// Sample is one instant-query result.
type Sample struct {
	Metric map[string]string
	Point  Point
}

// Series is one range-query result.
type Series struct {
	Metric map[string]string
	Points []Point
}

// Config carries the connection settings for a query client.
type Config struct {
	// BaseURL is the VictoriaMetrics root, e.g. http://victoriametrics:8428.
	BaseURL  string
	Username string
	Password string

	// InstantTimeout bounds instant queries, RangeTimeout bounds range
	// queries. Range queries over a week of 10s samples are slow enough to
	// deserve the larger default.
	InstantTimeout time.Duration
	RangeTimeout   time.Duration

	// QueriesPerSecond throttles the client so a report run cannot starve
	// the live ingest path of the shared single node instance.
	QueriesPerSecond float64
}

// Client queries one VictoriaMetrics instance. Safe for concurrent use.
type Client struct {
	baseURL        string
	username       string
	password       string
	httpClient     *http.Client
	limiter        *rate.Limiter
	instantTimeout time.Duration
	rangeTimeout   time.Duration
}

// New validates the config and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vmquery: base URL must not be empty")
	}
	if cfg.InstantTimeout <= 0 {
		cfg.InstantTimeout = defaultInstantTimeout
	}
	if cfg.RangeTimeout <= 0 {
		cfg.RangeTimeout = defaultRangeTimeout
	}
	if cfg.QueriesPerSecond <= 0 {
		cfg.QueriesPerSecond = defaultQueriesPerSec
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		username:       cfg.Username,
		password:       cfg.Password,
		httpClient:     &http.Client{},
		limiter:        rate.NewLimiter(rate.Limit(cfg.QueriesPerSecond), 1),
		instantTimeout: cfg.InstantTimeout,
		rangeTimeout:   cfg.RangeTimeout,
	}, nil
}

// Query runs an instant query evaluated at the given time.
func (c *Client) Query(ctx context.Context, query string, at time.Time) ([]Sample, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("time", strconv.FormatInt(at.Unix(), 10))

	results, err := c.call(ctx, "/api/v1/query", params, c.instantTimeout)
	if err != nil {
		return nil, err
	}

	samples := make([]Sample, 0, len(results))
	for _, result := range results {
		point, err := decodeSample(result.Value)
		if err != nil {
			return nil, err
		}
		samples = append(samples, Sample{Metric: result.Metric, Point: point})
	}
	return samples, nil
}

// QueryScalar runs an instant query and returns the first sample's value.
// The second return is false when the query matched nothing.
func (c *Client) QueryScalar(ctx context.Context, query string, at time.Time) (float64, bool, error) {
	samples, err := c.Query(ctx, query, at)
	if err != nil {
		return 0, false, err
	}
	if len(samples) == 0 {
		return 0, false, nil
	}
	return samples[0].Point.Value, true, nil
}

// QueryRange pulls the raw series between start and end at the given step,
// e.g. "30s".
func (c *Client) QueryRange(ctx context.Context, query string, start, end time.Time, step string) ([]Series, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("step", step)

	results, err := c.call(ctx, "/api/v1/query_range", params, c.rangeTimeout)
	if err != nil {
		return nil, err
	}

	series := make([]Series, 0, len(results))
	for _, result := range results {
		points := make([]Point, 0, len(result.Values))
		for _, raw := range result.Values {
			point, err := decodeSample(raw)
			if err != nil {
				return nil, err
			}
			points = append(points, point)
		}
		series = append(series, Series{Metric: result.Metric, Points: points})
	}
	return series, nil
}

// Exists reports whether the query matches any data in the window.
func (c *Client) Exists(ctx context.Context, query string, start, end time.Time) (bool, error) {
	series, err := c.QueryRange(ctx, query, start, end, existenceStep)
	if err != nil {
		return false, err
	}
	return len(series) > 0, nil
}

// AvgOverTime evaluates avg_over_time over the window, at its end. The second
// return is false when the series carries no data in the window.
func (c *Client) AvgOverTime(ctx context.Context, query string, start, end time.Time) (float64, bool, error) {
	rangeSeconds := int64(end.Sub(start).Seconds())
	if rangeSeconds <= 0 {
		return 0, false, fmt.Errorf("vmquery: window must end after it starts")
	}
	wrapped := fmt.Sprintf("avg_over_time((%s)[%ds])", query, rangeSeconds)
	return c.QueryScalar(ctx, wrapped, end)
}

// MaxOverTime evaluates max_over_time over the window, at its end. The second
// return is false when the series carries no data in the window.
func (c *Client) MaxOverTime(ctx context.Context, query string, start, end time.Time) (float64, bool, error) {
	rangeSeconds := int64(end.Sub(start).Seconds())
	if rangeSeconds <= 0 {
		return 0, false, fmt.Errorf("vmquery: window must end after it starts")
	}
	wrapped := fmt.Sprintf("max_over_time((%s)[%ds])", query, rangeSeconds)
	return c.QueryScalar(ctx, wrapped, end)
}

// HasNonzero reports whether the window average is farther from zero than the
// threshold. Missing series count as zero.
func (c *Client) HasNonzero(ctx context.Context, query string, start, end time.Time, threshold float64) (bool, error) {
	avg, found, err := c.AvgOverTime(ctx, query, start, end)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if avg < 0 {
		avg = -avg
	}
	return avg > threshold, nil
}

type apiResult struct {
	Metric map[string]string `json:"metric"`
	Value  []any             `json:"value"`
	Values [][]any           `json:"values"`
}

type apiResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ResultType string      `json:"resultType"`
		Result     []apiResult `json:"result"`
	} `json:"data"`
}

func (c *Client) call(ctx context.Context, path string, params url.Values, timeout time.Duration) ([]apiResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("vmquery: building request: %v", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("vmquery: reading response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vmquery: unexpected status %d: %s", resp.StatusCode, truncate(body))
	}

	var decoded apiResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("vmquery: parsing response: %v", err)
	}
	if decoded.Status != "success" {
		return nil, fmt.Errorf("vmquery: query failed: %s", decoded.Error)
	}
	return decoded.Data.Result, nil
}

// decodeSample converts the wire pair [unix_seconds, "value"] into a Point.
func decodeSample(raw []any) (Point, error) {
	if len(raw) != 2 {
		return Point{}, fmt.Errorf("vmquery: malformed sample of length %d", len(raw))
	}
	ts, ok := raw[0].(float64)
	if !ok {
		return Point{}, fmt.Errorf("vmquery: sample timestamp has type %T", raw[0])
	}
	text, ok := raw[1].(string)
	if !ok {
		return Point{}, fmt.Errorf("vmquery: sample value has type %T", raw[1])
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Point{}, fmt.Errorf("vmquery: sample value %q is not a number: %v", text, err)
	}
	return Point{Ts: ts, Value: value}, nil
}

func truncate(body []byte) string {
	const max = 200
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
