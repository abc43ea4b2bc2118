package models

import (
	"fmt"

	"github.com/google/uuid"
)

// FilesGenerated is the caller-facing artifact map.
type FilesGenerated struct {
	ImageCount     int    `json:"image_count"`
	VideoPath      string `json:"video_path,omitempty"`
	VideoURL       string `json:"video_url,omitempty"`
	NarrationAudio string `json:"narration_audio,omitempty"`
	NarratedVideo  string `json:"narrated_video,omitempty"`
}

// JobStatusView is the job status document exposed to callers.
type JobStatusView struct {
	JobID           uuid.UUID         `json:"job_id"`
	Status          Status            `json:"status"`
	Progress        int               `json:"progress"`
	CurrentStep     string            `json:"current_step"`
	VideoAvailable  bool              `json:"video_available"`
	ImagesProcessed int               `json:"images_processed"`
	FilesGenerated  FilesGenerated    `json:"files_generated"`
	RoomAssignments []SceneAssignment `json:"room_assignments"`
	RoomScripts     []ScriptLine      `json:"room_scripts"`
	TalkTrack       TalkTrackState    `json:"talk_track"`
	RenderToken     string            `json:"render_token,omitempty"`
	Error           *JobError         `json:"error"`
}

// View builds the status document.
func (j *Job) View() JobStatusView {
	view := JobStatusView{
		JobID:           j.ID,
		Status:          j.Status(),
		Progress:        j.Progress,
		CurrentStep:     j.CurrentStep,
		VideoAvailable:  j.VideoAvailable(),
		ImagesProcessed: j.Artifacts.ImageCount,
		FilesGenerated: FilesGenerated{
			ImageCount:     j.Artifacts.ImageCount,
			VideoPath:      j.Artifacts.LocalVideoPath,
			VideoURL:       j.Artifacts.RemoteVideoURL,
			NarrationAudio: firstNonEmpty(j.Artifacts.NarrationAudioURL, j.Artifacts.NarrationAudioPath),
			NarratedVideo:  firstNonEmpty(j.Artifacts.NarratedVideoURL, j.Artifacts.NarratedVideoPath),
		},
		RoomAssignments: append([]SceneAssignment{}, j.Scenes...),
		RoomScripts:     append([]ScriptLine{}, j.Script...),
		TalkTrack:       j.TalkTrack,
		RenderToken:     j.RenderToken,
	}

	state := j.State
	if state == nil {
		state = Initializing{}
	}
	switch st := state.(type) {
	case Initializing, UploadingAssets, TriggeringRender, Rendering:
	case Completed:
		// The completed state is authoritative for the playable video.
		video := st.Video()
		if view.FilesGenerated.VideoURL == "" {
			view.FilesGenerated.VideoURL = video.URL
		}
		if view.FilesGenerated.VideoPath == "" {
			view.FilesGenerated.VideoPath = video.LocalPath
		}
		view.VideoAvailable = true
	case Failed:
		view.Error = j.Error
		if view.Error == nil {
			view.Error = &JobError{Reason: st.Reason, Message: st.Message, Detail: st.Detail}
		}
		if view.CurrentStep == "" {
			view.CurrentStep = "Failed: " + view.Error.Message
		}
	default:
		panic(fmt.Sprintf("models: unknown state %T", state))
	}

	return view
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
