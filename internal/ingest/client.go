// Package ingest hands completed uploads to the Paperless document
// management service and classifies its failures.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Task states reported by the Paperless consume pipeline
const (
	TaskSuccess = "SUCCESS"
	TaskFailure = "FAILURE"
	TaskRevoked = "REVOKED"
	TaskPending = "PENDING"
	TaskStarted = "STARTED"
)

// StatusError is a non-2xx response from the ingestion service
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingestion service returned %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the response is worth retrying
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the Paperless HTTP API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Paperless API client
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+c.token)
	return req, nil
}

// HealthCheck validates the API token and base URL by fetching the UI
// settings endpoint. Used at startup to fail fast on bad configuration.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/ui_settings/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach ingestion service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: readBodySnippet(resp.Body)}
	}
	return nil
}

// UploadDocument posts the staged file as a multipart document and
// returns the consume task ID assigned by Paperless.
func (c *Client) UploadDocument(ctx context.Context, path, filename string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open staged file: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("document", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/documents/post_document/", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to post document: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	// The task ID comes back as a bare JSON string.
	taskID := strings.Trim(strings.TrimSpace(string(body)), `"`)
	log.Debug().Str("task_id", taskID).Str("name", filename).Msg("document posted")
	return taskID, nil
}

type taskStatus struct {
	Status string `json:"status"`
}

// TaskStatus fetches the current state of a consume task. Unknown tasks
// report as pending; Paperless registers the task asynchronously.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/tasks/?task_id="+taskID, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to query task status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: readBodySnippet(resp.Body)}
	}

	var tasks []taskStatus
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return "", fmt.Errorf("failed to decode task status: %w", err)
	}
	if len(tasks) == 0 {
		return TaskPending, nil
	}
	return tasks[0].Status, nil
}

func readBodySnippet(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(body))
}
