package narration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/proptour/internal/jobstore"
	"github.com/bobarin/proptour/internal/models"
	"github.com/bobarin/proptour/internal/storage"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tone(rate int, d time.Duration, channels int) []byte {
	n := samplesFor(d, rate)
	data := make([]int, n*channels)
	for i := range data {
		data[i] = (i % 200) * 50
	}
	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, rate, 16, channels, 1)
	if err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}); err != nil {
		panic(err)
	}
	if err := enc.Close(); err != nil {
		panic(err)
	}
	return ws.buf
}

func TestDecodeWAVDownmixesAndResamples(t *testing.T) {
	track, err := DecodeWAV(tone(48000, time.Second, 2), 24000)
	require.NoError(t, err)
	assert.Equal(t, 24000, track.Rate)
	assert.Len(t, track.Samples, 24000)
	assert.Equal(t, time.Second, track.Duration())

	_, err = DecodeWAV([]byte("RIFF but not really"), 24000)
	assert.Error(t, err)
}

func TestPCM16ToWAV(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80}
	data, err := PCM16ToWAV(pcm, 16000)
	require.NoError(t, err)

	track, err := DecodeWAV(data, 16000)
	require.NoError(t, err)
	assert.Equal(t, []int{1, -1, -32768}, track.Samples)
}

func TestFit(t *testing.T) {
	short := &Track{Rate: 10, Samples: []int{1, 2, 3}}
	require.True(t, Fit(short, 5, 1))
	assert.Equal(t, []int{1, 2, 3, 0, 0}, short.Samples)

	slightlyLong := &Track{Rate: 10, Samples: []int{1, 2, 3, 4, 5, 6}}
	require.True(t, Fit(slightlyLong, 5, 1))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, slightlyLong.Samples)

	tooLong := &Track{Rate: 10, Samples: make([]int, 7)}
	assert.False(t, Fit(tooLong, 5, 1))
	assert.Len(t, tooLong.Samples, 7)
}

type fakeProvider struct {
	mu      sync.Mutex
	lengths map[string]time.Duration
	err     error
	calls   int
}

func (f *fakeProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.lengths[text]
	if !ok {
		d = time.Second
	}
	return tone(22050, d, 1), nil
}

type fakeMerger struct {
	mu        sync.Mutex
	calls     int
	audioDurs []time.Duration
	err       error
}

func (f *fakeMerger) MergeAudio(ctx context.Context, video, audioPath, outputPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return err
	}
	track, err := DecodeWAV(data, DefaultSampleRate)
	if err != nil {
		return err
	}
	f.audioDurs = append(f.audioDurs, track.Duration())
	return os.WriteFile(outputPath, []byte("narrated "+video), 0o644)
}

type fixture struct {
	repo     *jobstore.MemoryRepository
	provider *fakeProvider
	merger   *fakeMerger
	pipeline *Pipeline
	workDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir(), "http://files.local")
	require.NoError(t, err)

	f := &fixture{
		repo:     jobstore.NewMemoryRepository(),
		provider: &fakeProvider{lengths: map[string]time.Duration{}},
		merger:   &fakeMerger{},
		workDir:  t.TempDir(),
	}
	f.pipeline = NewPipeline(context.Background(), f.repo, f.provider, f.merger, store, f.workDir)
	return f
}

// addJob stores a job with n scenes and a 2s scene budget; withVideo
// completes it with a local video.
func (f *fixture) addJob(t *testing.T, n int, withVideo bool) uuid.UUID {
	t.Helper()
	job := models.NewJob(uuid.New(), models.RenderModeLocal)
	job.Settings.DurationPerImage = 2
	for i := 0; i < n; i++ {
		sc, err := models.NewSceneAssignment(i, "img.jpg", models.RoomKitchen, "")
		require.NoError(t, err)
		job.Scenes = append(job.Scenes, sc)
	}
	require.NoError(t, job.Transition(models.UploadingAssets{}, ""))
	require.NoError(t, job.Transition(models.Rendering{}, ""))
	if withVideo {
		require.NoError(t, job.Complete(models.VideoArtifact{LocalPath: "/videos/tour.mp4"}))
	}
	require.NoError(t, f.repo.Create(context.Background(), job))
	return job.ID
}

func (f *fixture) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestScenarioThreeScenesNarratedVideoMatchesBudget(t *testing.T) {
	f := newFixture(t)
	id := f.addJob(t, 3, true)

	state, err := f.pipeline.Synthesize(context.Background(), id, []string{"Welcome home.", "  Bright kitchen. ", "Cozy bedroom."})
	require.NoError(t, err)
	assert.Equal(t, models.TalkTrackInProgress, state.Status)
	f.pipeline.Wait()

	job := f.job(t, id)
	require.Equal(t, models.TalkTrackCompleted, job.TalkTrack.Status, job.TalkTrack.Message)
	assert.Equal(t, 100, job.TalkTrack.Progress)
	assert.NotEmpty(t, job.Artifacts.NarratedVideoPath)
	assert.Equal(t, "http://files.local/videos/"+id.String()+"_narrated.mp4", job.Artifacts.NarratedVideoURL)
	assert.Equal(t, "Bright kitchen.", job.Script[1].Text)

	data, err := os.ReadFile(job.TalkTrack.AudioPath)
	require.NoError(t, err)
	track, err := DecodeWAV(data, DefaultSampleRate)
	require.NoError(t, err)
	assert.Len(t, track.Samples, 3*2*DefaultSampleRate)

	require.Len(t, f.merger.audioDurs, 1)
	assert.Equal(t, 6*time.Second, f.merger.audioDurs[0])
}

func TestScenarioLineCountMismatch(t *testing.T) {
	f := newFixture(t)
	id := f.addJob(t, 3, true)

	_, err := f.pipeline.Synthesize(context.Background(), id, []string{"One.", "Two."})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Error(), "expected 3, received 2")

	job := f.job(t, id)
	assert.Equal(t, models.TalkTrackNotStarted, job.TalkTrack.Status)
	assert.Zero(t, f.provider.calls)
}

func TestEmptyLineNamesScene(t *testing.T) {
	f := newFixture(t)
	id := f.addJob(t, 3, true)

	_, err := f.pipeline.Synthesize(context.Background(), id, []string{"One.", "   ", "Three."})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, 2, ve.Scene)
}

func TestTooLongLineFailsWithSceneAndNoAudio(t *testing.T) {
	f := newFixture(t)
	f.provider.lengths["A very long line."] = 3 * time.Second
	id := f.addJob(t, 1, true)

	_, err := f.pipeline.Synthesize(context.Background(), id, []string{"A very long line."})
	require.NoError(t, err)
	f.pipeline.Wait()

	job := f.job(t, id)
	assert.Equal(t, models.TalkTrackFailed, job.TalkTrack.Status)
	assert.Equal(t, 1, job.TalkTrack.FailedScene)
	assert.Contains(t, job.TalkTrack.Message, "scene 1")
	assert.Empty(t, job.TalkTrack.AudioPath)
	assert.Empty(t, job.Artifacts.NarrationAudioPath)
	assert.NoFileExists(t, filepath.Join(f.workDir, id.String(), "narration.wav"))
	assert.Zero(t, f.merger.calls)
}

func TestWithinToleranceIsTrimmed(t *testing.T) {
	f := newFixture(t)
	f.provider.lengths["Just over."] = 2*time.Second + 100*time.Millisecond
	id := f.addJob(t, 1, true)

	_, err := f.pipeline.Synthesize(context.Background(), id, []string{"Just over."})
	require.NoError(t, err)
	f.pipeline.Wait()

	job := f.job(t, id)
	require.Equal(t, models.TalkTrackCompleted, job.TalkTrack.Status, job.TalkTrack.Message)
	assert.Equal(t, []time.Duration{2 * time.Second}, f.merger.audioDurs)
}

func TestProviderFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.provider.err = &ProviderError{Provider: "elevenlabs", StatusCode: 401, Err: errors.New("invalid api key")}
	id := f.addJob(t, 2, true)

	_, err := f.pipeline.Synthesize(context.Background(), id, []string{"One.", "Two."})
	require.NoError(t, err)
	f.pipeline.Wait()

	job := f.job(t, id)
	assert.Equal(t, models.TalkTrackFailed, job.TalkTrack.Status)
	assert.Contains(t, job.TalkTrack.Message, "elevenlabs")
	assert.Contains(t, job.TalkTrack.Message, "invalid api key")
}

func TestMergeDeferredUntilVideoThenRunsOnce(t *testing.T) {
	f := newFixture(t)
	id := f.addJob(t, 2, false)

	_, err := f.pipeline.Synthesize(context.Background(), id, []string{"One.", "Two."})
	require.NoError(t, err)
	f.pipeline.Wait()

	job := f.job(t, id)
	assert.Equal(t, models.TalkTrackCompleted, job.TalkTrack.Status)
	assert.Equal(t, "audio ready, video merge skipped", job.TalkTrack.Message)
	assert.True(t, job.TalkTrack.MergePending)
	assert.NotEmpty(t, job.Artifacts.NarrationAudioPath)
	assert.Zero(t, f.merger.calls)

	// Nothing to merge onto yet.
	f.pipeline.MergePending(context.Background(), id)
	f.pipeline.Wait()
	assert.Zero(t, f.merger.calls)

	_, err = f.repo.Update(context.Background(), id, models.ActorWebhook, func(j *models.Job) error {
		return j.Complete(models.VideoArtifact{URL: "https://cdn.example.com/tour.mp4"})
	})
	require.NoError(t, err)

	f.pipeline.MergePending(context.Background(), id)
	f.pipeline.MergePending(context.Background(), id)
	f.pipeline.Wait()

	assert.Equal(t, 1, f.merger.calls)
	job = f.job(t, id)
	assert.Equal(t, models.TalkTrackCompleted, job.TalkTrack.Status)
	assert.False(t, job.TalkTrack.MergePending)
	assert.NotEmpty(t, job.Artifacts.NarratedVideoURL)
}

func TestMergeFailureKeepsAudio(t *testing.T) {
	f := newFixture(t)
	f.merger.err = errors.New("ffmpeg exited 1")
	id := f.addJob(t, 1, true)

	_, err := f.pipeline.Synthesize(context.Background(), id, []string{"Hello."})
	require.NoError(t, err)
	f.pipeline.Wait()

	job := f.job(t, id)
	assert.Equal(t, models.TalkTrackFailed, job.TalkTrack.Status)
	assert.Contains(t, job.TalkTrack.Message, "video merge failed")
	assert.NotEmpty(t, job.TalkTrack.AudioPath)
}

func TestSynthesizeRejectedWhileInProgress(t *testing.T) {
	f := newFixture(t)
	id := f.addJob(t, 1, true)
	_, err := f.repo.Update(context.Background(), id, models.ActorNarration, func(j *models.Job) error {
		j.TalkTrack.Status = models.TalkTrackInProgress
		return nil
	})
	require.NoError(t, err)

	_, err = f.pipeline.Synthesize(context.Background(), id, []string{"Hello."})
	assert.ErrorIs(t, err, ErrInProgress)
}

func TestRetryClearsPreviousNarration(t *testing.T) {
	f := newFixture(t)
	f.provider.lengths["New line that is far too long."] = 5 * time.Second
	id := f.addJob(t, 1, true)

	_, err := f.pipeline.Synthesize(context.Background(), id, []string{"Hello."})
	require.NoError(t, err)
	f.pipeline.Wait()
	first := f.job(t, id)
	require.Equal(t, models.TalkTrackCompleted, first.TalkTrack.Status, first.TalkTrack.Message)
	require.NotEmpty(t, first.Artifacts.NarratedVideoURL)

	_, err = f.pipeline.Synthesize(context.Background(), id, []string{"New line that is far too long."})
	require.NoError(t, err)
	f.pipeline.Wait()

	job := f.job(t, id)
	assert.Equal(t, models.TalkTrackFailed, job.TalkTrack.Status)
	assert.Equal(t, "New line that is far too long.", job.Script[0].Text)
	assert.Empty(t, job.Artifacts.NarrationAudioPath)
	assert.Empty(t, job.Artifacts.NarrationAudioURL)
	assert.Empty(t, job.Artifacts.NarratedVideoPath)
	assert.Empty(t, job.Artifacts.NarratedVideoURL)

	view := job.View()
	assert.Empty(t, view.FilesGenerated.NarrationAudio)
	assert.Empty(t, view.FilesGenerated.NarratedVideo)
}

func TestResumeFailsInterruptedNarration(t *testing.T) {
	f := newFixture(t)
	stuck := f.addJob(t, 1, true)
	idle := f.addJob(t, 1, true)
	_, err := f.repo.Update(context.Background(), stuck, models.ActorNarration, func(j *models.Job) error {
		j.TalkTrack.Status = models.TalkTrackInProgress
		return nil
	})
	require.NoError(t, err)

	f.pipeline.Resume(context.Background(), []*models.Job{f.job(t, stuck), f.job(t, idle)})

	job := f.job(t, stuck)
	assert.Equal(t, models.TalkTrackFailed, job.TalkTrack.Status)
	assert.Contains(t, job.TalkTrack.Message, "interrupted")
	assert.Equal(t, models.TalkTrackNotStarted, f.job(t, idle).TalkTrack.Status)

	_, err = f.pipeline.Synthesize(context.Background(), stuck, []string{"Hello again."})
	assert.NoError(t, err)
	f.pipeline.Wait()
}
