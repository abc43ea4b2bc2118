package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is the orchestrator's unit of work. It is mutated only through a
// repository update by one of the actors, and never deleted by the service.
type Job struct {
	ID          uuid.UUID
	State       State
	Progress    int
	CurrentStep string

	Mode     RenderMode
	Quality  string
	Style    string
	Property PropertyDetails
	Settings RenderSettings

	Scenes      []SceneAssignment
	Script      []ScriptLine
	TalkTrack   TalkTrackState
	Artifacts   Artifacts
	RenderToken string
	Error       *JobError

	UpdatedBy Actor
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJob creates a job in the initializing state.
func NewJob(id uuid.UUID, mode RenderMode) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          id,
		State:       Initializing{},
		CurrentStep: "Preparing images",
		Mode:        mode,
		TalkTrack: TalkTrackState{
			Status:  TalkTrackNotStarted,
			Message: "Talk track not started",
		},
		UpdatedBy: ActorIngestion,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Status returns the lifecycle status of the current state.
func (j *Job) Status() Status {
	if j.State == nil {
		return StatusInitializing
	}
	return j.State.Status()
}

// Terminal reports whether the job has completed or failed.
func (j *Job) Terminal() bool {
	return j.State != nil && IsTerminal(j.State)
}

// VideoAvailable is true iff a playable video is registered in the artifacts.
func (j *Job) VideoAvailable() bool {
	return j.Artifacts.VideoAvailable()
}

// Transition moves the job to next and updates status, progress and
// current step together. Terminal states reject every transition.
func (j *Job) Transition(next State, step string) error {
	if j.State == nil {
		j.State = Initializing{}
	}
	if IsTerminal(j.State) {
		return fmt.Errorf("%w: job %s is %s", ErrTerminal, j.ID, j.State.Status())
	}
	if !canTransition(j.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State.Status(), next.Status())
	}
	if c, ok := next.(Completed); ok && !c.Video().Valid() {
		return fmt.Errorf("%w: completed state requires a playable video", ErrInvalidTransition)
	}

	switch st := next.(type) {
	case Initializing, UploadingAssets, TriggeringRender:
	case Rendering:
		if st.Token != "" {
			j.RenderToken = st.Token
		}
	case Completed:
		video := st.Video()
		if video.LocalPath != "" {
			j.Artifacts.LocalVideoPath = video.LocalPath
		}
		if video.URL != "" {
			j.Artifacts.RemoteVideoURL = video.URL
		}
		j.Progress = 100
		if step == "" {
			step = "Video ready"
		}
	case Failed:
		message := st.Message
		if message == "" {
			message = string(st.Reason)
		}
		j.Error = &JobError{Reason: st.Reason, Message: message, Detail: st.Detail}
		j.Progress = 100
		if step == "" {
			step = "Failed: " + message
		}
	default:
		panic(fmt.Sprintf("models: unknown state %T", next))
	}

	j.State = next
	if step != "" {
		j.CurrentStep = step
	}
	return nil
}

// Fail is shorthand for a transition to Failed.
func (j *Job) Fail(reason FailureReason, message, detail string) error {
	return j.Transition(Failed{Reason: reason, Message: message, Detail: detail}, "")
}

// Complete is shorthand for a transition to Completed.
func (j *Job) Complete(video VideoArtifact) error {
	completed, err := NewCompleted(video)
	if err != nil {
		return err
	}
	return j.Transition(completed, "")
}

// AdvanceProgress raises progress to p. Lower values are ignored so progress
// never regresses; values are clamped to [0, 100].
func (j *Job) AdvanceProgress(p int) {
	if p > 100 {
		p = 100
	}
	if p > j.Progress {
		j.Progress = p
	}
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	c.Scenes = append([]SceneAssignment(nil), j.Scenes...)
	c.Script = append([]ScriptLine(nil), j.Script...)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// ScriptTexts returns the narration lines in scene order.
func (j *Job) ScriptTexts() []string {
	texts := make([]string, len(j.Script))
	for i, line := range j.Script {
		texts[i] = line.Text
	}
	return texts
}

type jobRecord struct {
	ID          uuid.UUID         `json:"id"`
	State       stateRecord       `json:"state"`
	Progress    int               `json:"progress"`
	CurrentStep string            `json:"current_step"`
	Mode        RenderMode        `json:"mode"`
	Quality     string            `json:"quality,omitempty"`
	Style       string            `json:"style,omitempty"`
	Property    PropertyDetails   `json:"property"`
	Settings    RenderSettings    `json:"settings"`
	Scenes      []SceneAssignment `json:"scenes"`
	Script      []ScriptLine      `json:"script"`
	TalkTrack   TalkTrackState    `json:"talk_track"`
	Artifacts   Artifacts         `json:"artifacts"`
	RenderToken string            `json:"render_token,omitempty"`
	Error       *JobError         `json:"error,omitempty"`
	UpdatedBy   Actor             `json:"updated_by"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (j *Job) MarshalJSON() ([]byte, error) {
	state := j.State
	if state == nil {
		state = Initializing{}
	}
	return json.Marshal(jobRecord{
		ID:          j.ID,
		State:       encodeState(state),
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
		Mode:        j.Mode,
		Quality:     j.Quality,
		Style:       j.Style,
		Property:    j.Property,
		Settings:    j.Settings,
		Scenes:      j.Scenes,
		Script:      j.Script,
		TalkTrack:   j.TalkTrack,
		Artifacts:   j.Artifacts,
		RenderToken: j.RenderToken,
		Error:       j.Error,
		UpdatedBy:   j.UpdatedBy,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	})
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var rec jobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	state, err := decodeState(rec.State)
	if err != nil {
		return fmt.Errorf("job %s: %w", rec.ID, err)
	}
	*j = Job{
		ID:          rec.ID,
		State:       state,
		Progress:    rec.Progress,
		CurrentStep: rec.CurrentStep,
		Mode:        rec.Mode,
		Quality:     rec.Quality,
		Style:       rec.Style,
		Property:    rec.Property,
		Settings:    rec.Settings,
		Scenes:      rec.Scenes,
		Script:      rec.Script,
		TalkTrack:   rec.TalkTrack,
		Artifacts:   rec.Artifacts,
		RenderToken: rec.RenderToken,
		Error:       rec.Error,
		UpdatedBy:   rec.UpdatedBy,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	return nil
}
