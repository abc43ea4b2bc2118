// Package render talks to the remote render farm: a CI workflow started by a
// repository_dispatch event that renders the tour and uploads the video to
// object storage. The workflow is expected to set its run name to include
// the job ID, e.g. `run-name: Render ${{ github.event.client_payload.jobId }}`.
package render

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

	"github.com/bobarin/proptour/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultBaseURL   = "https://api.github.com"
	defaultEventType = "render-property-tour"
	apiVersion       = "2022-11-28"
	requestTimeout   = 30 * time.Second
)

// Config identifies the repository hosting the render workflow.
type Config struct {
	BaseURL   string
	Owner     string
	Repo      string
	Token     string
	EventType string
}

// Client triggers renders and reads run status.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.EventType == "" {
		cfg.EventType = defaultEventType
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Request is the render input forwarded to the workflow.
type Request struct {
	JobID    uuid.UUID
	Images   []string
	Property models.PropertyDetails
	Settings models.RenderSettings
}

type clientPayload struct {
	Images          []string               `json:"images"`
	PropertyDetails models.PropertyDetails `json:"propertyDetails"`
	Settings        models.RenderSettings  `json:"settings"`
	JobID           string                 `json:"jobId"`
}

type dispatchRequest struct {
	EventType     string        `json:"event_type"`
	ClientPayload clientPayload `json:"client_payload"`
}

// TriggerResult acknowledges an accepted dispatch. JobID is the token used to
// find the run later; the dispatch API returns no run ID, so it is the job ID.
type TriggerResult struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
}

// TriggerError is a rejected dispatch. Body is the upstream response verbatim.
type TriggerError struct {
	StatusCode int
	Body       string
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("render trigger rejected with status %d: %s", e.StatusCode, e.Body)
}

// Trigger sends the repository_dispatch event.
func (c *Client) Trigger(ctx context.Context, req Request) (TriggerResult, error) {
	body, err := json.Marshal(dispatchRequest{
		EventType: c.cfg.EventType,
		ClientPayload: clientPayload{
			Images:          req.Images,
			PropertyDetails: req.Property,
			Settings:        req.Settings,
			JobID:           req.JobID.String(),
		},
	})
	if err != nil {
		return TriggerResult{}, fmt.Errorf("failed to marshal dispatch: %w", err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/dispatches", c.cfg.BaseURL, c.cfg.Owner, c.cfg.Repo)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return TriggerResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("render trigger request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return TriggerResult{}, &TriggerError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	log.Info().Str("job_id", req.JobID.String()).Int("images", len(req.Images)).Msg("render dispatched")
	return TriggerResult{Success: true, JobID: req.JobID.String()}, nil
}

// RunStatus is the coarse state of a remote render.
type RunStatus string

const (
	StatusQueued     RunStatus = "queued"
	StatusInProgress RunStatus = "in_progress"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusUnknown    RunStatus = "unknown"
)

// StatusResult is one status observation.
type StatusResult struct {
	Status  RunStatus
	RunID   int64
	Detail  string
	HTMLURL string
}

type workflowRun struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	DisplayTitle string `json:"display_title"`
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	HTMLURL      string `json:"html_url"`
}

type workflowRunsResponse struct {
	WorkflowRuns []workflowRun `json:"workflow_runs"`
}

type runJobsResponse struct {
	Jobs []struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
		Steps      []struct {
			Name       string `json:"name"`
			Conclusion string `json:"conclusion"`
		} `json:"steps"`
	} `json:"jobs"`
}

// Status finds the run carrying token in its title. A run that has not
// shown up yet is reported as queued.
func (c *Client) Status(ctx context.Context, token string) (StatusResult, error) {
	q := url.Values{}
	q.Set("event", "repository_dispatch")
	q.Set("per_page", "50")
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/runs?%s", c.cfg.BaseURL, c.cfg.Owner, c.cfg.Repo, q.Encode())

	var runs workflowRunsResponse
	if err := c.getJSON(ctx, endpoint, &runs); err != nil {
		return StatusResult{}, err
	}

	for _, run := range runs.WorkflowRuns {
		if !strings.Contains(run.DisplayTitle, token) && !strings.Contains(run.Name, token) {
			continue
		}
		res := StatusResult{
			Status:  MapRunStatus(run.Status, run.Conclusion),
			RunID:   run.ID,
			HTMLURL: run.HTMLURL,
		}
		if res.Status == StatusFailed {
			res.Detail = c.failureDetail(ctx, run)
		}
		return res, nil
	}
	return StatusResult{Status: StatusQueued}, nil
}

// MapRunStatus folds a workflow run status/conclusion pair into RunStatus.
func MapRunStatus(status, conclusion string) RunStatus {
	switch status {
	case "queued", "requested", "waiting", "pending":
		return StatusQueued
	case "in_progress":
		return StatusInProgress
	case "completed":
		switch conclusion {
		case "success":
			return StatusCompleted
		case "failure", "cancelled", "timed_out", "startup_failure", "action_required", "stale":
			return StatusFailed
		}
	}
	return StatusUnknown
}

// failureDetail names the failed steps of the run. Lookup errors only
// shorten the detail.
func (c *Client) failureDetail(ctx context.Context, run workflowRun) string {
	detail := fmt.Sprintf("workflow run %d concluded %s", run.ID, run.Conclusion)

	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d/jobs", c.cfg.BaseURL, c.cfg.Owner, c.cfg.Repo, run.ID)
	var jobs runJobsResponse
	if err := c.getJSON(ctx, endpoint, &jobs); err != nil {
		log.Warn().Err(err).Int64("run_id", run.ID).Msg("could not load failed run jobs")
		return detail
	}

	var failed []string
	for _, j := range jobs.Jobs {
		for _, s := range j.Steps {
			if s.Conclusion == "failure" || s.Conclusion == "cancelled" {
				failed = append(failed, j.Name+"/"+s.Name)
			}
		}
	}
	if len(failed) > 0 {
		detail += "; failed steps: " + strings.Join(failed, ", ")
	}
	if run.HTMLURL != "" {
		detail += " (" + run.HTMLURL + ")"
	}
	return detail
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("render status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("render status returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode render status: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}
