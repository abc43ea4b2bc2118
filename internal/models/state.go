package models

import "fmt"

// State is the tagged union of job lifecycle states. The concrete types below
// are the only implementations; read sites switch over them exhaustively.
type State interface {
	Status() Status
	isState()
}

type Initializing struct{}

type UploadingAssets struct{}

type TriggeringRender struct{}

// Rendering is the remote (or local) render in flight. Token is the external
// render job token; Attempts counts poll attempts consumed.
type Rendering struct {
	Token    string
	Attempts int
}

// Completed can only be built through NewCompleted, so a completed job
// always carries a playable video.
type Completed struct {
	video VideoArtifact
}

type Failed struct {
	Reason  FailureReason
	Message string
	Detail  string
}

func (Initializing) Status() Status     { return StatusInitializing }
func (UploadingAssets) Status() Status  { return StatusUploadingAssets }
func (TriggeringRender) Status() Status { return StatusTriggeringRender }
func (Rendering) Status() Status        { return StatusRendering }
func (Completed) Status() Status        { return StatusCompleted }
func (Failed) Status() Status           { return StatusFailed }

func (Initializing) isState()     {}
func (UploadingAssets) isState()  {}
func (TriggeringRender) isState() {}
func (Rendering) isState()        {}
func (Completed) isState()        {}
func (Failed) isState()           {}

// NewCompleted returns the completed state for a playable video.
func NewCompleted(video VideoArtifact) (Completed, error) {
	if !video.Valid() {
		return Completed{}, fmt.Errorf("%w: completed state requires a playable video", ErrInvalidTransition)
	}
	return Completed{video: video}, nil
}

// Video returns the artifact the job completed with.
func (c Completed) Video() VideoArtifact { return c.video }

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s State) bool {
	switch s.(type) {
	case Completed, Failed:
		return true
	case Initializing, UploadingAssets, TriggeringRender, Rendering:
		return false
	default:
		panic(fmt.Sprintf("models: unknown state %T", s))
	}
}

// IsProcessing is the superstate between initializing and a terminal state.
func IsProcessing(s State) bool {
	switch s.(type) {
	case UploadingAssets, TriggeringRender, Rendering:
		return true
	case Initializing, Completed, Failed:
		return false
	default:
		panic(fmt.Sprintf("models: unknown state %T", s))
	}
}

// canTransition encodes the edges of the lifecycle graph.
func canTransition(from, to State) bool {
	if _, ok := to.(Failed); ok {
		return !IsTerminal(from)
	}
	switch from.(type) {
	case Initializing:
		_, ok := to.(UploadingAssets)
		return ok
	case UploadingAssets:
		switch to.(type) {
		case TriggeringRender, Rendering:
			return true
		}
	case TriggeringRender:
		_, ok := to.(Rendering)
		return ok
	case Rendering:
		switch to.(type) {
		case Rendering, Completed:
			return true
		}
	}
	return false
}

// stateRecord is the flattened persisted form of a State.
type stateRecord struct {
	Status   Status        `json:"status"`
	Token    string        `json:"token,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Video    VideoArtifact `json:"video,omitempty"`
	Reason   FailureReason `json:"reason,omitempty"`
	Message  string        `json:"message,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

func encodeState(s State) stateRecord {
	switch st := s.(type) {
	case Initializing, UploadingAssets, TriggeringRender:
		return stateRecord{Status: st.Status()}
	case Rendering:
		return stateRecord{Status: StatusRendering, Token: st.Token, Attempts: st.Attempts}
	case Completed:
		return stateRecord{Status: StatusCompleted, Video: st.video}
	case Failed:
		return stateRecord{Status: StatusFailed, Reason: st.Reason, Message: st.Message, Detail: st.Detail}
	default:
		panic(fmt.Sprintf("models: unknown state %T", s))
	}
}

func decodeState(r stateRecord) (State, error) {
	switch r.Status {
	case StatusInitializing:
		return Initializing{}, nil
	case StatusUploadingAssets:
		return UploadingAssets{}, nil
	case StatusTriggeringRender:
		return TriggeringRender{}, nil
	case StatusRendering:
		return Rendering{Token: r.Token, Attempts: r.Attempts}, nil
	case StatusCompleted:
		return NewCompleted(r.Video)
	case StatusFailed:
		return Failed{Reason: r.Reason, Message: r.Message, Detail: r.Detail}, nil
	default:
		return nil, fmt.Errorf("unknown job status %q", r.Status)
	}
}
