package render

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bobarin/proptour/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerSendsDispatch(t *testing.T) {
	jobID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/renderer/dispatches", r.URL.Path)
		assert.Equal(t, "Bearer gh-token", r.Header.Get("Authorization"))

		var body struct {
			EventType     string `json:"event_type"`
			ClientPayload struct {
				Images          []string               `json:"images"`
				PropertyDetails models.PropertyDetails `json:"propertyDetails"`
				Settings        models.RenderSettings  `json:"settings"`
				JobID           string                 `json:"jobId"`
			} `json:"client_payload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, defaultEventType, body.EventType)
		assert.Equal(t, []string{"https://cdn/1.jpg", "https://cdn/2.jpg"}, body.ClientPayload.Images)
		assert.Equal(t, "12 Elm St", body.ClientPayload.PropertyDetails.Address)
		assert.Equal(t, 4.5, body.ClientPayload.Settings.DurationPerImage)
		assert.Equal(t, jobID.String(), body.ClientPayload.JobID)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Owner: "acme", Repo: "renderer", Token: "gh-token"})
	res, err := c.Trigger(context.Background(), Request{
		JobID:    jobID,
		Images:   []string{"https://cdn/1.jpg", "https://cdn/2.jpg"},
		Property: models.PropertyDetails{Address: "12 Elm St"},
		Settings: models.RenderSettings{DurationPerImage: 4.5},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, jobID.String(), res.JobID)
}

func TestTriggerRejectionKeepsUpstreamText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials","documentation_url":"https://docs.github.com/rest"}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL, Owner: "o", Repo: "r"}).Trigger(context.Background(), Request{JobID: uuid.New()})
	var te *TriggerError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusUnauthorized, te.StatusCode)
	assert.Equal(t, `{"message":"Bad credentials","documentation_url":"https://docs.github.com/rest"}`, te.Body)
}

func TestStatusFindsRunByToken(t *testing.T) {
	token := uuid.NewString()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/o/r/actions/runs":
			assert.Equal(t, "repository_dispatch", r.URL.Query().Get("event"))
			json.NewEncoder(w).Encode(map[string]any{
				"workflow_runs": []map[string]any{
					{"id": 1, "display_title": "Render " + uuid.NewString(), "status": "completed", "conclusion": "success"},
					{"id": 2, "display_title": "Render " + token, "status": "completed", "conclusion": "failure", "html_url": "https://gh/run/2"},
				},
			})
		case "/repos/o/r/actions/runs/2/jobs":
			json.NewEncoder(w).Encode(map[string]any{
				"jobs": []map[string]any{{
					"name": "render",
					"steps": []map[string]any{
						{"name": "checkout", "conclusion": "success"},
						{"name": "encode video", "conclusion": "failure"},
					},
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	res, err := NewClient(Config{BaseURL: srv.URL, Owner: "o", Repo: "r"}).Status(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.EqualValues(t, 2, res.RunID)
	assert.Contains(t, res.Detail, "concluded failure")
	assert.Contains(t, res.Detail, "render/encode video")
}

func TestStatusMissingRunIsQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"workflow_runs":[]}`))
	}))
	defer srv.Close()

	res, err := NewClient(Config{BaseURL: srv.URL, Owner: "o", Repo: "r"}).Status(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
}

func TestStatusUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL, Owner: "o", Repo: "r"}).Status(context.Background(), "tok")
	assert.Error(t, err)
}

func TestMapRunStatus(t *testing.T) {
	cases := map[[2]string]RunStatus{
		{"queued", ""}:               StatusQueued,
		{"in_progress", ""}:          StatusInProgress,
		{"completed", "success"}:     StatusCompleted,
		{"completed", "cancelled"}:   StatusFailed,
		{"completed", "timed_out"}:   StatusFailed,
		{"completed", "neutral"}:     StatusUnknown,
		{"something_new", "success"}: StatusUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapRunStatus(in[0], in[1]), "%v", in)
	}
}

func TestParseArtifact(t *testing.T) {
	cases := []struct {
		name, payload, want string
	}{
		{"json", `{"videoUrl":"https://cdn.example.com/videos/a.mp4","duration":42}`, "https://cdn.example.com/videos/a.mp4"},
		{"snake case", `{"video_url":"https://cdn.example.com/b.mp4"}`, "https://cdn.example.com/b.mp4"},
		{"truncated json", `{"videoUrl": "https://cdn.example.com/c.mp4", "dur`, "https://cdn.example.com/c.mp4"},
		{"log prefixed", `render done: videoUrl=https://cdn.example.com/d.mp4 size=10MB`, "https://cdn.example.com/d.mp4"},
		{"bare url", `uploaded to https://cdn.example.com/e.mp4?token=1 ok`, "https://cdn.example.com/e.mp4?token=1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseArtifact([]byte(tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ParseArtifact([]byte(`{"status":"ok"}`))
	assert.ErrorIs(t, err, ErrNoVideoURL)
}

func TestParseWebhookWorkflowRunTitle(t *testing.T) {
	jobID := uuid.New()
	body := []byte(`{"action":"completed","workflow_run":{"id":99,"name":"render","display_title":"Render tour ` + jobID.String() + `","status":"completed","conclusion":"success"}}`)

	ev, err := ParseWebhook(body)
	require.NoError(t, err)
	assert.Equal(t, jobID, ev.JobID)
	assert.Equal(t, StatusCompleted, ev.Status)
	assert.EqualValues(t, 99, ev.RunID)
}

func TestParseWebhookPrefersStructuredID(t *testing.T) {
	structured := uuid.New()
	inTitle := uuid.New()
	body := []byte(`{"job_id":"` + structured.String() + `","action":"completed","workflow_run":{"id":1,"display_title":"` + inTitle.String() + `","status":"completed","conclusion":"failure"}}`)

	ev, err := ParseWebhook(body)
	require.NoError(t, err)
	assert.Equal(t, structured, ev.JobID)
	assert.Equal(t, StatusFailed, ev.Status)
	assert.Contains(t, ev.Detail, "concluded failure")
}

func TestParseWebhookDirectCallback(t *testing.T) {
	jobID := uuid.New()
	ev, err := ParseWebhook([]byte(`{"jobId":"` + jobID.String() + `","status":"success","videoUrl":"https://cdn/v.mp4"}`))
	require.NoError(t, err)
	assert.Equal(t, jobID, ev.JobID)
	assert.Equal(t, "https://cdn/v.mp4", ev.VideoURL)
}

func TestParseWebhookIgnoresNonTerminalEvents(t *testing.T) {
	_, err := ParseWebhook([]byte(`{"action":"in_progress","workflow_run":{"id":1,"status":"in_progress"}}`))
	assert.ErrorIs(t, err, ErrIgnoredEvent)

	_, err = ParseWebhook([]byte(`{"zen":"Keep it logically awesome."}`))
	assert.ErrorIs(t, err, ErrIgnoredEvent)
}

func TestParseWebhookWithoutJobID(t *testing.T) {
	_, err := ParseWebhook([]byte(`{"action":"completed","workflow_run":{"id":1,"display_title":"nightly build","status":"completed","conclusion":"success"}}`))
	assert.ErrorIs(t, err, ErrNoJobID)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"action":"completed"}`)
	sig := Sign("s3cret", body)
	assert.True(t, VerifySignature("s3cret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("s3cret", body, "sha1=abc"))
	assert.False(t, VerifySignature("s3cret", append(body, ' '), sig))
}
