// Package openmetrics reads per-namespace action usage from the cloud
// metrics endpoint. The endpoint speaks the OpenMetrics text exposition; only
// two families matter here: the action limit and the running action count.
package openmetrics

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lainie-ftw/capflow/pkg/log"
	"github.com/lainie-ftw/capflow/pkg/models"
)

const (
	actionLimitMetric = "temporal_cloud_v1_action_limit"
	actionCountMetric = "temporal_cloud_v1_total_action_count"

	completenessHeader = "X-Completeness"
)

// ErrRateLimited means the endpoint returned 429; callers should retry after
// backing off.
var ErrRateLimited = fmt.Errorf("metrics endpoint rate limited")

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: log.WithModule("openmetrics"),
	}
}

// FetchNamespaceMetrics returns the latest action limit and count per
// namespace. Namespaces missing either family are returned with that field
// zero; callers decide what partial data means.
func (c *Client) FetchNamespaceMetrics(ctx context.Context) (map[string]*models.NamespaceMetrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/metrics", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build metrics request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := resp.Header.Get("Retry-After")
		c.logger.Warn("metrics endpoint rate limited", "retry_after", retryAfter)

		return nil, fmt.Errorf("%w (retry after %s)", ErrRateLimited, retryAfter)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return nil, fmt.Errorf("metrics endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if completeness := resp.Header.Get(completenessHeader); completeness != "" && completeness != "1" {
		c.logger.Warn("metrics response incomplete", "completeness", completeness)
	}

	metrics, err := ParseExposition(resp.Body)
	if err != nil {
		return nil, err
	}

	c.logger.Info("fetched namespace metrics", "namespaces", len(metrics))

	return metrics, nil
}

// ParseExposition reads an OpenMetrics text stream and keeps the last sample
// per namespace for the two action families.
func ParseExposition(r io.Reader) (map[string]*models.NamespaceMetrics, error) {
	out := make(map[string]*models.NamespaceMetrics)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var isLimit bool

		switch {
		case strings.HasPrefix(line, actionLimitMetric):
			isLimit = true
		case strings.HasPrefix(line, actionCountMetric):
			isLimit = false
		default:
			continue
		}

		namespace, value, err := parseSample(line)
		if err != nil {
			return nil, err
		}

		if namespace == "" {
			continue
		}

		metrics, exists := out[namespace]
		if !exists {
			metrics = &models.NamespaceMetrics{Namespace: namespace}
			out[namespace] = metrics
		}

		if isLimit {
			metrics.ActionLimit = value
		} else {
			metrics.ActionCount = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metrics exposition: %w", err)
	}

	return out, nil
}

// parseSample splits `family{labels} value [timestamp]` into the namespace
// label and the sample value.
func parseSample(line string) (string, float64, error) {
	open := strings.Index(line, "{")
	closing := strings.Index(line, "}")

	if open < 0 || closing < open {
		return "", 0, nil // family without labels, not ours
	}

	namespace := labelValue(line[open+1:closing], "namespace")

	rest := strings.Fields(strings.TrimSpace(line[closing+1:]))
	if len(rest) == 0 {
		return "", 0, fmt.Errorf("metrics sample without value: %s", line)
	}

	value, err := strconv.ParseFloat(rest[0], 64)
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse metrics value %q: %w", rest[0], err)
	}

	return namespace, value, nil
}

func labelValue(labels, name string) string {
	for _, pair := range strings.Split(labels, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || key != name {
			continue
		}

		return strings.Trim(value, `"`)
	}

	return ""
}
