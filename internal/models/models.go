package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Enums
type Status string

const (
	StatusInitializing     Status = "initializing"
	StatusUploadingAssets  Status = "uploading_assets"
	StatusTriggeringRender Status = "triggering_remote_render"
	StatusRendering        Status = "rendering"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

type RenderMode string

const (
	RenderModeRemote RenderMode = "remote" // CI render farm via repository dispatch
	RenderModeLocal  RenderMode = "local"  // in-process Ken Burns compositor
)

// Actor identifies which component committed a job mutation.
type Actor string

const (
	ActorIngestion Actor = "ingestion"
	ActorPoller    Actor = "poller"
	ActorWebhook   Actor = "webhook"
	ActorNarration Actor = "narration"
)

type RoomLabel string

const (
	RoomLivingRoom RoomLabel = "living_room"
	RoomKitchen    RoomLabel = "kitchen"
	RoomBedroom    RoomLabel = "bedroom"
	RoomBathroom   RoomLabel = "bathroom"
	RoomDiningRoom RoomLabel = "dining_room"
	RoomExterior   RoomLabel = "exterior"
	RoomBackyard   RoomLabel = "backyard"
	RoomOffice     RoomLabel = "office"
	RoomGarage     RoomLabel = "garage"
	RoomOther      RoomLabel = "other" // requires an explicit display label
)

var roomLabels = map[RoomLabel]bool{
	RoomLivingRoom: true,
	RoomKitchen:    true,
	RoomBedroom:    true,
	RoomBathroom:   true,
	RoomDiningRoom: true,
	RoomExterior:   true,
	RoomBackyard:   true,
	RoomOffice:     true,
	RoomGarage:     true,
	RoomOther:      true,
}

// RoomLabels lists the closed label set in display order.
func RoomLabels() []RoomLabel {
	return []RoomLabel{
		RoomExterior, RoomLivingRoom, RoomKitchen, RoomDiningRoom, RoomBedroom,
		RoomBathroom, RoomOffice, RoomBackyard, RoomGarage, RoomOther,
	}
}

// ValidRoomLabel reports whether label belongs to the closed label set.
func ValidRoomLabel(label RoomLabel) bool {
	return roomLabels[label]
}

type TalkTrackStatus string

const (
	TalkTrackNotStarted TalkTrackStatus = "not_started"
	TalkTrackInProgress TalkTrackStatus = "in_progress"
	TalkTrackCompleted  TalkTrackStatus = "completed"
	TalkTrackFailed     TalkTrackStatus = "failed"
)

// FailureReason is the machine-readable cause recorded on a failed job.
type FailureReason string

const (
	ReasonInvalidInput          FailureReason = "invalid_input"
	ReasonPreparationFailed     FailureReason = "preparation_failed"
	ReasonStorageUnavailable    FailureReason = "storage_unavailable"
	ReasonRenderTriggerRejected FailureReason = "render_trigger_rejected"
	ReasonRenderFailed          FailureReason = "render_failed"
	ReasonTimeout               FailureReason = "timeout"
	ReasonCompositorFailed      FailureReason = "compositor_failed"
	// the job record could not be written, so the worker gave up on it
	ReasonStateWriteFailed FailureReason = "state_write_failed"
	// the worker driving the job stopped with the process
	ReasonInterrupted FailureReason = "interrupted"
)

// Models

// SceneAssignment binds one source image to a room label. Immutable after ingestion.
type SceneAssignment struct {
	Index          int       `json:"index"`
	FileName       string    `json:"file_name"`
	Room           RoomLabel `json:"room"`
	DisplayLabel   string    `json:"display_label"`
	StoredFilename string    `json:"stored_filename"`
	ImageURL       string    `json:"image_url,omitempty"`
}

var titleCaser = cases.Title(language.English)

// NewSceneAssignment validates the room label and derives the display label.
// The "other" label is only accepted together with a non-empty custom label.
func NewSceneAssignment(index int, fileName string, room RoomLabel, customLabel string) (SceneAssignment, error) {
	room = RoomLabel(strings.ToLower(strings.TrimSpace(string(room))))
	if room == "" {
		room = RoomOther
	}
	if !ValidRoomLabel(room) {
		return SceneAssignment{}, fmt.Errorf("scene %d: unknown room label %q", index+1, room)
	}

	customLabel = strings.TrimSpace(customLabel)
	display := customLabel
	if room == RoomOther {
		if customLabel == "" {
			return SceneAssignment{}, fmt.Errorf("scene %d: room label \"other\" requires a display label", index+1)
		}
	} else if display == "" {
		display = titleCaser.String(strings.ReplaceAll(string(room), "_", " "))
	}

	return SceneAssignment{
		Index:          index,
		FileName:       fileName,
		Room:           room,
		DisplayLabel:   display,
		StoredFilename: fmt.Sprintf("scene_%02d.jpg", index+1),
	}, nil
}

// ScriptLine is one narration sentence for one scene.
type ScriptLine struct {
	Scene int    `json:"scene"`
	Room  string `json:"room,omitempty"`
	Text  string `json:"text"`
}

// PropertyDetails is the listing metadata forwarded to the renderer and script writer.
type PropertyDetails struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	Details    string `json:"details"`
	Status     string `json:"status"`
	AgentName  string `json:"agentName"`
	AgentEmail string `json:"agentEmail"`
	AgentPhone string `json:"agentPhone"`
	BrandName  string `json:"brandName"`
}

// RenderSettings are the per-job render parameters. Durations are in seconds.
type RenderSettings struct {
	DurationPerImage   float64 `json:"durationPerImage"`
	EffectSpeed        float64 `json:"effectSpeed"`
	TransitionDuration float64 `json:"transitionDuration"`
}

// SceneDuration returns the per-scene budget as a time.Duration.
func (s RenderSettings) SceneDuration() time.Duration {
	return time.Duration(s.DurationPerImage * float64(time.Second))
}

// VideoArtifact points at a playable video, locally or remotely.
type VideoArtifact struct {
	LocalPath string `json:"local_path,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Valid reports whether the artifact references something playable.
func (v VideoArtifact) Valid() bool {
	return strings.TrimSpace(v.LocalPath) != "" || strings.TrimSpace(v.URL) != ""
}

// Artifacts is the map of generated-artifact references for a job.
type Artifacts struct {
	ImageCount         int    `json:"image_count"`
	LocalVideoPath     string `json:"local_video_path,omitempty"`
	RemoteVideoURL     string `json:"remote_video_url,omitempty"`
	NarrationAudioPath string `json:"narration_audio_path,omitempty"`
	NarrationAudioURL  string `json:"narration_audio_url,omitempty"`
	NarratedVideoPath  string `json:"narrated_video_path,omitempty"`
	NarratedVideoURL   string `json:"narrated_video_url,omitempty"`
}

// VideoAvailable is true iff a playable video is registered.
func (a Artifacts) VideoAvailable() bool {
	return a.Video().Valid()
}

// Video returns the registered base video.
func (a Artifacts) Video() VideoArtifact {
	return VideoArtifact{LocalPath: a.LocalVideoPath, URL: a.RemoteVideoURL}
}

// TalkTrackState is replaced wholesale on each synthesis attempt.
type TalkTrackState struct {
	Status       TalkTrackStatus `json:"status"`
	Progress     int             `json:"progress"`
	Message      string          `json:"message"`
	AudioPath    string          `json:"audio_path,omitempty"`
	AudioURL     string          `json:"audio_url,omitempty"`
	VideoPath    string          `json:"video_path,omitempty"`
	VideoURL     string          `json:"video_url,omitempty"`
	FailedScene  int             `json:"failed_scene,omitempty"` // 1-based; 0 when not scene specific
	MergePending bool            `json:"merge_pending"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// JobError is the terminal error record of a failed job.
type JobError struct {
	Reason  FailureReason `json:"reason"`
	Message string        `json:"message"`
	Detail  string        `json:"detail,omitempty"`
}

func (e *JobError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Reason, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

var (
	ErrTerminal          = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid job state transition")
)
