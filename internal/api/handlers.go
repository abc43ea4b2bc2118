package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/bobarin/proptour/internal/jobstore"
	"github.com/bobarin/proptour/internal/kenburns"
	"github.com/bobarin/proptour/internal/media"
	"github.com/bobarin/proptour/internal/models"
	"github.com/bobarin/proptour/internal/narration"
	"github.com/bobarin/proptour/internal/orchestrator"
	"github.com/bobarin/proptour/internal/render"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxUploadBytes = 200 << 20
	maxWebhookBytes       = 5 << 20
	multipartMemory       = 32 << 20
)

type HandlerConfig struct {
	// WebhookSecret verifies X-Hub-Signature-256 on render callbacks. Empty disables the check.
	WebhookSecret  string
	MaxUploadBytes int64
}

type Handler struct {
	jobs      *orchestrator.Orchestrator
	narration *narration.Pipeline
	hub       *Hub
	cfg       HandlerConfig
}

func NewHandler(jobs *orchestrator.Orchestrator, narr *narration.Pipeline, hub *Hub, cfg HandlerConfig) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Handler{
		jobs:      jobs,
		narration: narr,
		hub:       hub,
		cfg:       cfg,
	}
}

// roomAssignment is one entry of the room_assignments form field, matched to
// images by position.
type roomAssignment struct {
	Room  string `json:"room"`
	Label string `json:"label"`
}

type scriptRequest struct {
	Script []string `json:"script"`
}

// CreateJob handles POST /v1/jobs
// Multipart fields:
//   - images:           one or more photo files, in scene order
//   - room_assignments: JSON array of {room, label}, one per image
//   - property:         JSON property details
//   - settings:         JSON render settings (durationPerImage, effectSpeed, transitionDuration)
//   - mode, quality, style: optional render selection
//   - script:           optional JSON array of narration lines, one per image
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		respondError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "At least one image is required")
		return
	}

	var rooms []roomAssignment
	if err := decodeFormJSON(r, "room_assignments", &rooms); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(rooms) != len(files) {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("room_assignments must have one entry per image (got %d for %d images)", len(rooms), len(files)))
		return
	}

	req := orchestrator.SubmitRequest{
		Mode:    models.RenderMode(r.FormValue("mode")),
		Quality: r.FormValue("quality"),
		Style:   r.FormValue("style"),
	}
	if err := decodeFormJSON(r, "property", &req.Property); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := decodeFormJSON(r, "settings", &req.Settings); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := decodeFormJSON(r, "script", &req.Script); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Images = make([]orchestrator.ImageInput, len(files))
	for i, fh := range files {
		data, err := readFormFile(fh)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Could not read image %s", fh.Filename))
			return
		}
		req.Images[i] = orchestrator.ImageInput{
			Name:        fh.Filename,
			Data:        data,
			Room:        models.RoomLabel(rooms[i].Room),
			CustomLabel: rooms[i].Label,
		}
	}

	job, err := h.jobs.Submit(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, job.View())
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	view, err := h.jobs.Status(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// UpdateScript handles PUT /v1/jobs/{id}/script
func (h *Handler) UpdateScript(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	var req scriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Script == nil {
		respondError(w, http.StatusBadRequest, "script is required")
		return
	}

	job, err := h.jobs.UpdateScript(r.Context(), id, req.Script)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job.View())
}

// StartTalkTrack handles POST /v1/jobs/{id}/talk-track
// The body is optional; without a script the job's current lines are narrated.
func (h *Handler) StartTalkTrack(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	var req scriptRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	lines := req.Script
	if lines == nil {
		job, err := h.jobs.Get(r.Context(), id)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		lines = job.ScriptTexts()
	}

	state, err := h.narration.Synthesize(r.Context(), id, lines)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":     id,
		"status":     "queued",
		"talk_track": state,
	})
}

// JobEvents handles GET /v1/jobs/{id}/events
// Upgrades to a websocket that receives the current status followed by every update.
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	snapshot, err := json.Marshal(newJobEvent(job))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to encode job")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("job_id", id.String()).Msg("websocket upgrade failed")
		return
	}
	h.hub.serve(conn, id, snapshot)
}

type presetsResponse struct {
	Presets       []kenburns.Preset  `json:"presets"`
	Styles        []kenburns.Style   `json:"styles"`
	DefaultPreset string             `json:"default_preset"`
	Rooms         []models.RoomLabel `json:"rooms"`
}

// ListPresets handles GET /v1/presets
func (h *Handler) ListPresets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, presetsResponse{
		Presets:       kenburns.Presets(),
		Styles:        kenburns.Styles(),
		DefaultPreset: kenburns.DefaultPreset,
		Rooms:         models.RoomLabels(),
	})
}

// RenderWebhook handles POST /webhooks/render
// Accepts GitHub workflow_run events and direct callbacks from the render workflow.
func (h *Handler) RenderWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Could not read body")
		return
	}

	if h.cfg.WebhookSecret != "" && !render.VerifySignature(h.cfg.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		respondError(w, http.StatusUnauthorized, "Invalid webhook signature")
		return
	}

	ev, err := render.ParseWebhook(body)
	switch {
	case errors.Is(err, render.ErrIgnoredEvent), errors.Is(err, render.ErrNoJobID):
		log.Debug().Err(err).Str("event", r.Header.Get("X-GitHub-Event")).Msg("webhook ignored")
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	err = h.jobs.HandleCompletion(r.Context(), *ev)
	switch {
	case errors.Is(err, orchestrator.ErrArtifactMissing), errors.Is(err, orchestrator.ErrNotRendering):
		log.Info().Err(err).Str("job_id", ev.JobID.String()).Msg("completion not applied yet")
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	case err != nil:
		respondServiceError(w, err)
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return uuid.Nil, false
	}
	return id, true
}

// decodeFormJSON decodes an optional JSON form field into out.
func decodeFormJSON(r *http.Request, field string, out interface{}) error {
	raw := r.FormValue(field)
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%s must be valid JSON", field)
	}
	return nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// respondServiceError maps domain errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	var validation *narration.ValidationError
	switch {
	case errors.As(err, &validation):
		body := map[string]interface{}{"error": validation.Message}
		if validation.Scene > 0 {
			body["scene"] = validation.Scene
		}
		respondJSON(w, http.StatusBadRequest, body)
	case errors.Is(err, orchestrator.ErrInvalidInput), errors.Is(err, media.ErrInvalidImage):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobstore.ErrNotFound):
		respondError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, narration.ErrInProgress):
		respondError(w, http.StatusConflict, "Talk track synthesis already in progress")
	default:
		log.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
