package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lainie-ftw/capflow/pkg/models"
	"github.com/lainie-ftw/capflow/pkg/web"
)

// apiClient talks to the capflow API over HTTP.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return apiError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}

// apiError extracts the detail from an RFC 7807 problem body, falling back to
// the raw body when it is not a problem document.
func apiError(status int, body []byte) error {
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}

	if err := json.Unmarshal(body, &problem); err == nil && problem.Title != "" {
		if problem.Detail != "" {
			return fmt.Errorf("%s: %s", problem.Title, problem.Detail)
		}

		return fmt.Errorf("%s", problem.Title)
	}

	return fmt.Errorf("API returned %d: %s", status, strings.TrimSpace(string(body)))
}

func (c *apiClient) submit(ctx context.Context, workflowType models.WorkflowType, input any) (web.RunResponse, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return web.RunResponse{}, fmt.Errorf("encoding input: %w", err)
	}

	var run web.RunResponse

	err = c.do(ctx, http.MethodPost, "/runs", web.SubmitRunRequest{
		WorkflowType: workflowType,
		Input:        data,
	}, &run)

	return run, err
}

func submitAnalysis(ctx context.Context, client *apiClient, allow, deny []string) error {
	run, err := client.submit(ctx, models.WorkflowTypeBulkAnalysis, models.BulkAnalysisInput{
		NamespaceAllowlist: allow,
		NamespaceDenylist:  deny,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Submitted bulk analysis run %s\n", run.ID)

	return nil
}

func submitChange(ctx context.Context, client *apiClient, namespace string, trus int, endTime *time.Time, verifyDelay time.Duration) error {
	run, err := client.submit(ctx, models.WorkflowTypeScheduledCapacityChange, models.ScheduledCapacityChangeInput{
		Namespace:   namespace,
		DesiredTRUs: trus,
		EndTime:     endTime,
		VerifyDelay: models.Duration(verifyDelay),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Submitted scheduled capacity change run %s for namespace %s (%d TRUs)\n",
		run.ID, namespace, trus)

	return nil
}

func showStatus(ctx context.Context, client *apiClient, runID string) error {
	if runID == "" {
		return fmt.Errorf("run ID is required")
	}

	var run web.RunResponse
	if err := client.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return err
	}

	printRun(run)

	return nil
}

func printRun(run web.RunResponse) {
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Type:     %s\n", run.WorkflowType)
	fmt.Printf("Status:   %s\n", run.Status)
	fmt.Printf("Created:  %s\n", run.CreatedAt)

	if run.CompletedAt != "" {
		fmt.Printf("Finished: %s\n", run.CompletedAt)
	}

	if len(run.Errors) > 0 {
		fmt.Println("Errors:")

		for _, e := range run.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}

	if len(run.Result) > 0 {
		fmt.Printf("Result:\n%s\n", indentJSON(run.Result))
	}
}

func runQuery(ctx context.Context, client *apiClient, runID, name string) error {
	if runID == "" || name == "" {
		return fmt.Errorf("run ID and query name are required")
	}

	var answer json.RawMessage

	path := "/runs/" + url.PathEscape(runID) + "/query/" + url.PathEscape(name)
	if err := client.do(ctx, http.MethodGet, path, nil, &answer); err != nil {
		return err
	}

	fmt.Println(indentJSON(answer))

	return nil
}

func sendSignal(ctx context.Context, client *apiClient, runID, name, payload string) error {
	if runID == "" || name == "" {
		return fmt.Errorf("run ID and signal name are required")
	}

	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}

	path := "/runs/" + url.PathEscape(runID) + "/signals/" + url.PathEscape(name)
	if err := client.do(ctx, http.MethodPost, path, web.SignalRequest{Payload: json.RawMessage(payload)}, nil); err != nil {
		return err
	}

	fmt.Printf("Signal %s delivered to run %s\n", name, runID)

	return nil
}

func cancelRun(ctx context.Context, client *apiClient, runID, reason string) error {
	if runID == "" {
		return fmt.Errorf("run ID is required")
	}

	path := "/runs/" + url.PathEscape(runID) + "/cancel"
	if err := client.do(ctx, http.MethodPost, path, web.CancelRequest{Reason: reason, CancelledBy: "capflow-cli"}, nil); err != nil {
		return err
	}

	fmt.Printf("Cancellation requested for run %s\n", runID)

	return nil
}

func listRuns(ctx context.Context, client *apiClient, workflowType, status string) error {
	query := url.Values{}
	if workflowType != "" {
		query.Set("workflow_type", workflowType)
	}

	if status != "" {
		query.Set("status", status)
	}

	path := "/runs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var page struct {
		Runs       []web.RunResponse `json:"runs"`
		TotalCount int               `json:"total_count"`
	}

	if err := client.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return err
	}

	if page.TotalCount == 0 {
		fmt.Println("No runs found")

		return nil
	}

	fmt.Printf("%-38s %-26s %-12s %s\n", "ID", "TYPE", "STATUS", "CREATED")

	for _, run := range page.Runs {
		fmt.Printf("%-38s %-26s %-12s %s\n", run.ID, run.WorkflowType, run.Status, run.CreatedAt)
	}

	fmt.Printf("\n%d run(s)\n", page.TotalCount)

	return nil
}

func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}

	return buf.String()
}
