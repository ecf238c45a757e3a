// Package cloudops talks to the cloud operations API: reading and changing
// namespace capacity provisioning. All capacity mutations the workflows make
// go through here, so dry-run mode in this one place makes the whole system
// read-only.
package cloudops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lainie-ftw/capflow/pkg/log"
	"github.com/lainie-ftw/capflow/pkg/models"
)

// ErrNamespaceNotFound means the control plane does not know the namespace.
var ErrNamespaceNotFound = fmt.Errorf("namespace not found")

type Client struct {
	baseURL    string
	apiKey     string
	dryRun     bool
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, apiKey string, dryRun bool) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		dryRun:  dryRun,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.WithModule("cloudops"),
	}
}

type capacityResponse struct {
	Namespace string `json:"namespace"`
	Mode      string `json:"capacity_mode"`
	TRUCount  int    `json:"tru_count"`
}

type namespacesResponse struct {
	Namespaces []string `json:"namespaces"`
}

// GetCapacityState reads the current provisioning of a namespace.
func (c *Client) GetCapacityState(ctx context.Context, namespace string) (*models.CapacityState, error) {
	var payload capacityResponse

	path := "/v1/namespaces/" + url.PathEscape(namespace) + "/capacity"
	if err := c.get(ctx, path, &payload); err != nil {
		return nil, fmt.Errorf("failed to get capacity state for %s: %w", namespace, err)
	}

	return &models.CapacityState{
		Namespace: payload.Namespace,
		Mode:      models.CapacityMode(payload.Mode),
		TRUCount:  payload.TRUCount,
	}, nil
}

// SetCapacityState changes the provisioning of a namespace. In dry-run mode
// the write is logged and skipped, and the requested state is echoed back as
// if it had been applied.
func (c *Client) SetCapacityState(ctx context.Context, namespace string, mode models.CapacityMode, trus int) (*models.CapacityState, error) {
	if c.dryRun {
		c.logger.Info("dry run, skipping capacity change",
			"namespace", namespace, "mode", mode, "tru_count", trus)

		return &models.CapacityState{Namespace: namespace, Mode: mode, TRUCount: trus}, nil
	}

	body, err := json.Marshal(map[string]any{
		"capacity_mode": mode,
		"tru_count":     trus,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode capacity change: %w", err)
	}

	path := "/v1/namespaces/" + url.PathEscape(namespace) + "/capacity"

	var payload capacityResponse
	if err := c.do(ctx, http.MethodPut, path, body, &payload); err != nil {
		return nil, fmt.Errorf("failed to set capacity state for %s: %w", namespace, err)
	}

	c.logger.Info("capacity change applied", "namespace", namespace, "mode", mode, "tru_count", trus)

	return &models.CapacityState{
		Namespace: payload.Namespace,
		Mode:      models.CapacityMode(payload.Mode),
		TRUCount:  payload.TRUCount,
	}, nil
}

// ListNamespaces returns every namespace visible to the credentials.
func (c *Client) ListNamespaces(ctx context.Context) ([]string, error) {
	var payload namespacesResponse

	if err := c.get(ctx, "/v1/namespaces", &payload); err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	return payload.Namespaces, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNamespaceNotFound
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("control plane returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
