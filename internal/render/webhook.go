package render

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrIgnoredEvent = errors.New("webhook event does not signal completion")
	ErrNoJobID      = errors.New("webhook payload carries no job ID")
)

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// CompletionEvent is a terminal render outcome reported by the farm.
type CompletionEvent struct {
	JobID    uuid.UUID
	RunID    int64
	Status   RunStatus
	Detail   string
	VideoURL string
}

// VerifySignature checks a GitHub style "sha256=<hex>" HMAC of body.
func VerifySignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type webhookPayload struct {
	// Direct callback from the render workflow.
	JobID    string `json:"job_id"`
	JobIDAlt string `json:"jobId"`
	Status   string `json:"status"`
	VideoURL string `json:"videoUrl"`
	Error    string `json:"error"`

	// GitHub workflow_run event.
	Action      string       `json:"action"`
	WorkflowRun *workflowRun `json:"workflow_run"`

	ClientPayload *struct {
		JobID string `json:"jobId"`
	} `json:"client_payload"`
}

// ParseWebhook decodes a completion notification. A structured job ID is
// preferred; otherwise the first UUID in the run's title or name is used.
func ParseWebhook(body []byte) (*CompletionEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}

	ev := &CompletionEvent{}
	switch {
	case p.WorkflowRun != nil:
		if p.Action != "" && p.Action != "completed" {
			return nil, ErrIgnoredEvent
		}
		run := p.WorkflowRun
		ev.RunID = run.ID
		ev.Status = MapRunStatus(run.Status, run.Conclusion)
		if ev.Status == StatusFailed {
			ev.Detail = fmt.Sprintf("workflow run %d concluded %s", run.ID, run.Conclusion)
			if run.HTMLURL != "" {
				ev.Detail += " (" + run.HTMLURL + ")"
			}
		}
	case p.Status != "":
		ev.Status = mapCallbackStatus(p.Status)
		ev.VideoURL = strings.TrimSpace(p.VideoURL)
		ev.Detail = p.Error
	default:
		return nil, ErrIgnoredEvent
	}
	if ev.Status != StatusCompleted && ev.Status != StatusFailed {
		return nil, ErrIgnoredEvent
	}

	id, err := extractJobID(p)
	if err != nil {
		return nil, err
	}
	ev.JobID = id
	return ev, nil
}

func mapCallbackStatus(s string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "success", "succeeded", "done":
		return StatusCompleted
	case "failed", "failure", "error", "cancelled", "canceled":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

func extractJobID(p webhookPayload) (uuid.UUID, error) {
	structured := []string{p.JobID, p.JobIDAlt}
	if p.ClientPayload != nil {
		structured = append(structured, p.ClientPayload.JobID)
	}
	for _, s := range structured {
		if s == "" {
			continue
		}
		if id, err := uuid.Parse(strings.TrimSpace(s)); err == nil {
			return id, nil
		}
	}

	if p.WorkflowRun != nil {
		for _, text := range []string{p.WorkflowRun.DisplayTitle, p.WorkflowRun.Name} {
			if m := uuidPattern.FindString(text); m != "" {
				if id, err := uuid.Parse(m); err == nil {
					return id, nil
				}
			}
		}
	}
	return uuid.Nil, ErrNoJobID
}
