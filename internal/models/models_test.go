package models

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/uuid"
)

func TestTransitionHappyPathRemote(t *testing.T) {
	job := NewJob(uuid.New(), RenderModeRemote)

	steps := []State{
		UploadingAssets{},
		TriggeringRender{},
		Rendering{Token: "run-1"},
		Rendering{Token: "run-1", Attempts: 3},
	}
	for _, s := range steps {
		if err := job.Transition(s, "step"); err != nil {
			t.Fatalf("transition to %s failed: %v", s.Status(), err)
		}
	}

	if err := job.Complete(VideoArtifact{URL: "https://cdn.example.com/v.mp4"}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if job.Status() != StatusCompleted {
		t.Errorf("expected completed, got %s", job.Status())
	}
	if !job.VideoAvailable() {
		t.Error("completed job must have a video")
	}
	if job.Progress != 100 {
		t.Errorf("expected progress 100, got %d", job.Progress)
	}
	if job.RenderToken != "run-1" {
		t.Errorf("expected render token run-1, got %q", job.RenderToken)
	}
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	job := NewJob(uuid.New(), RenderModeRemote)
	if err := job.Fail(ReasonTimeout, "timed out", ""); err != nil {
		t.Fatalf("fail: %v", err)
	}

	err := job.Transition(UploadingAssets{}, "")
	if !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}
	if err := job.Complete(VideoArtifact{URL: "x"}); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal on complete, got %v", err)
	}
	if job.CurrentStep == "" {
		t.Error("failed job must carry a current step")
	}
}

func TestCompletedRequiresVideo(t *testing.T) {
	if _, err := NewCompleted(VideoArtifact{}); err == nil {
		t.Fatal("expected error for empty video artifact")
	}

	job := NewJob(uuid.New(), RenderModeRemote)
	_ = job.Transition(UploadingAssets{}, "")
	_ = job.Transition(TriggeringRender{}, "")
	_ = job.Transition(Rendering{Token: "t"}, "")

	if err := job.Complete(VideoArtifact{URL: "  "}); err == nil {
		t.Fatal("expected blank URL to be rejected")
	}
	if job.Status() != StatusRendering {
		t.Errorf("status changed on rejected completion: %s", job.Status())
	}
}

func TestInvalidEdges(t *testing.T) {
	job := NewJob(uuid.New(), RenderModeRemote)
	if err := job.Transition(Rendering{}, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("initializing -> rendering should be invalid, got %v", err)
	}
	completed, _ := NewCompleted(VideoArtifact{URL: "u"})
	if err := job.Transition(completed, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("initializing -> completed should be invalid, got %v", err)
	}
}

// TestStateMachineFuzz drives random transitions and checks the invariants
// on every reachable state.
func TestStateMachineFuzz(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	candidates := func() State {
		switch rng.Intn(7) {
		case 0:
			return UploadingAssets{}
		case 1:
			return TriggeringRender{}
		case 2:
			return Rendering{Token: "tok", Attempts: rng.Intn(50)}
		case 3:
			c, _ := NewCompleted(VideoArtifact{URL: "https://cdn/v.mp4"})
			return c
		case 4:
			return Failed{Reason: ReasonRenderFailed, Message: "boom"}
		case 5:
			return Initializing{}
		default:
			return Completed{} // zero value must never be accepted as a video
		}
	}

	for run := 0; run < 500; run++ {
		job := NewJob(uuid.New(), RenderModeRemote)
		last := job.Progress
		for step := 0; step < 20; step++ {
			if rng.Intn(2) == 0 {
				job.AdvanceProgress(rng.Intn(120) - 10)
			} else {
				_ = job.Transition(candidates(), "")
			}

			if job.Status() == StatusCompleted && !job.VideoAvailable() {
				t.Fatalf("run %d step %d: completed without video", run, step)
			}
			if job.Progress < last {
				t.Fatalf("run %d step %d: progress regressed %d -> %d", run, step, last, job.Progress)
			}
			if job.Status() == StatusFailed && job.CurrentStep == "" {
				t.Fatalf("run %d step %d: failed without current step", run, step)
			}
			last = job.Progress
		}
	}
}

func TestJobJSONPreservesState(t *testing.T) {
	job := NewJob(uuid.New(), RenderModeRemote)
	_ = job.Transition(UploadingAssets{}, "")
	_ = job.Transition(TriggeringRender{}, "")
	_ = job.Transition(Rendering{Token: "abc", Attempts: 2}, "Rendering")

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Job
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	r, ok := decoded.State.(Rendering)
	if !ok {
		t.Fatalf("expected Rendering, got %T", decoded.State)
	}
	if r.Token != "abc" || r.Attempts != 2 {
		t.Errorf("unexpected rendering state: %+v", r)
	}
}

func TestUnmarshalRejectsCompletedWithoutVideo(t *testing.T) {
	raw := []byte(`{"id":"` + uuid.NewString() + `","state":{"status":"completed"}}`)
	var job Job
	if err := json.Unmarshal(raw, &job); err == nil {
		t.Fatal("expected error decoding completed job without video")
	}
}

func TestNewSceneAssignment(t *testing.T) {
	s, err := NewSceneAssignment(0, "a.jpg", "living_room", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.DisplayLabel != "Living Room" {
		t.Errorf("expected display label 'Living Room', got %q", s.DisplayLabel)
	}
	if s.StoredFilename != "scene_01.jpg" {
		t.Errorf("unexpected stored filename %q", s.StoredFilename)
	}

	if _, err := NewSceneAssignment(1, "b.jpg", RoomOther, ""); err == nil {
		t.Error("expected error for other without display label")
	}
	if _, err := NewSceneAssignment(1, "b.jpg", "ballroom", ""); err == nil {
		t.Error("expected error for unknown label")
	}

	o, err := NewSceneAssignment(2, "c.jpg", RoomOther, "Wine Cellar")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.DisplayLabel != "Wine Cellar" {
		t.Errorf("unexpected display label %q", o.DisplayLabel)
	}
}

func TestViewFailedCarriesError(t *testing.T) {
	job := NewJob(uuid.New(), RenderModeRemote)
	_ = job.Transition(UploadingAssets{}, "")
	_ = job.Fail(ReasonStorageUnavailable, "could not upload images", "503 from storage")

	view := job.View()
	if view.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", view.Status)
	}
	if view.Error == nil || view.Error.Detail != "503 from storage" {
		t.Errorf("unexpected error record: %+v", view.Error)
	}
	if view.VideoAvailable {
		t.Error("failed job should not report a video")
	}
}
