// Package narration turns the per-scene script into a talk track aligned to
// scene timing and merges it onto the rendered tour.
package narration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobarin/proptour/internal/jobstore"
	"github.com/bobarin/proptour/internal/models"
	"github.com/bobarin/proptour/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Provider synthesizes one line of speech and returns WAV bytes.
type Provider interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Merger attaches an audio track to a video. video may be a local path or URL.
type Merger interface {
	MergeAudio(ctx context.Context, video, audioPath, outputPath string) error
}

const (
	DefaultSampleRate = 24000
	DefaultTolerance  = 250 * time.Millisecond
	DefaultBudget     = 5 * time.Second

	msgSkipped = "audio ready, video merge skipped"
)

// Pipeline runs one background worker per synthesis request.
type Pipeline struct {
	repo     jobstore.Repository
	provider Provider
	merger   Merger
	store    storage.Store
	workDir  string

	SampleRate  int
	Tolerance   time.Duration
	Concurrency int

	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewPipeline creates a pipeline whose workers run under ctx.
func NewPipeline(ctx context.Context, repo jobstore.Repository, provider Provider, merger Merger, store storage.Store, workDir string) *Pipeline {
	return &Pipeline{
		repo:        repo,
		provider:    provider,
		merger:      merger,
		store:       store,
		workDir:     workDir,
		SampleRate:  DefaultSampleRate,
		Tolerance:   DefaultTolerance,
		Concurrency: 3,
		baseCtx:     ctx,
	}
}

// Wait blocks until every background worker has returned.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Synthesize validates lines against the job, records the talk track as
// in progress and starts the background worker. Validation problems are
// returned as *ValidationError and leave the job untouched.
func (p *Pipeline) Synthesize(ctx context.Context, jobID uuid.UUID, lines []string) (models.TalkTrackState, error) {
	job, err := p.repo.Get(ctx, jobID)
	if err != nil {
		return models.TalkTrackState{}, err
	}
	if err := ValidateLines(len(job.Scenes), lines); err != nil {
		return models.TalkTrackState{}, err
	}

	cleaned := make([]string, len(lines))
	for i, l := range lines {
		cleaned[i] = strings.TrimSpace(l)
	}

	var budget time.Duration
	updated, err := p.repo.Update(ctx, jobID, models.ActorNarration, func(j *models.Job) error {
		if j.TalkTrack.Status == models.TalkTrackInProgress {
			return ErrInProgress
		}
		budget = j.Settings.SceneDuration()
		if budget <= 0 {
			budget = DefaultBudget
		}
		j.Script = make([]models.ScriptLine, len(cleaned))
		for i, text := range cleaned {
			j.Script[i] = models.ScriptLine{Scene: i + 1, Room: j.Scenes[i].DisplayLabel, Text: text}
		}
		j.TalkTrack = models.TalkTrackState{
			Status:    models.TalkTrackInProgress,
			Message:   "Synthesizing narration",
			UpdatedAt: time.Now().UTC(),
		}
		clearNarration(&j.Artifacts)
		return nil
	})
	if err != nil {
		return models.TalkTrackState{}, err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(jobID, cleaned, budget)
	}()

	return updated.TalkTrack, nil
}

// clearNarration drops the previous attempt's outputs so a new attempt
// never reports audio or video built from an older script.
func clearNarration(a *models.Artifacts) {
	a.NarrationAudioPath = ""
	a.NarrationAudioURL = ""
	a.NarratedVideoPath = ""
	a.NarratedVideoURL = ""
}

// Resume fails talk tracks a previous process left in progress. Their
// workers died with it, so they would otherwise never finish.
func (p *Pipeline) Resume(ctx context.Context, jobs []*models.Job) {
	for _, job := range jobs {
		if job.TalkTrack.Status != models.TalkTrackInProgress {
			continue
		}
		_, err := p.repo.Update(ctx, job.ID, models.ActorNarration, func(j *models.Job) error {
			if j.TalkTrack.Status != models.TalkTrackInProgress {
				return errNothingPending
			}
			j.TalkTrack.Status = models.TalkTrackFailed
			j.TalkTrack.Progress = 100
			j.TalkTrack.Message = "narration interrupted by a restart, start it again"
			j.TalkTrack.MergePending = false
			j.TalkTrack.UpdatedAt = time.Now().UTC()
			return nil
		})
		switch {
		case errors.Is(err, errNothingPending):
		case err != nil:
			log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to record interrupted narration")
		default:
			log.Warn().Str("job_id", job.ID.String()).Msg("interrupted narration marked failed")
		}
	}
}

// ValidateLines checks count and content of a script against scenes.
func ValidateLines(scenes int, lines []string) error {
	if len(lines) != scenes {
		return &ValidationError{Message: fmt.Sprintf("script line count mismatch: expected %d, received %d", scenes, len(lines))}
	}
	for i, l := range lines {
		if strings.TrimSpace(l) == "" {
			return &ValidationError{Scene: i + 1, Message: fmt.Sprintf("script line for scene %d is empty", i+1)}
		}
	}
	return nil
}

func (p *Pipeline) run(jobID uuid.UUID, lines []string, budget time.Duration) {
	ctx := p.baseCtx
	logger := log.With().Str("job_id", jobID.String()).Str("component", "narration").Logger()

	track, err := p.buildTrack(ctx, jobID, lines, budget)
	if err != nil {
		logger.Error().Err(err).Msg("narration failed")
		p.fail(ctx, jobID, err)
		return
	}

	dir := filepath.Join(p.workDir, jobID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.fail(ctx, jobID, fmt.Errorf("create work dir: %w", err))
		return
	}
	data, err := EncodeWAV(track)
	if err != nil {
		p.fail(ctx, jobID, err)
		return
	}
	audioPath := filepath.Join(dir, "narration.wav")
	if err := os.WriteFile(audioPath, data, 0o644); err != nil {
		p.fail(ctx, jobID, fmt.Errorf("write narration: %w", err))
		return
	}

	var audioURL string
	if p.store != nil {
		res, err := p.store.Upload(ctx, data, jobID.String()+".wav", storage.FolderAudio, "audio/wav")
		if err != nil {
			p.fail(ctx, jobID, fmt.Errorf("upload narration audio: %w", err))
			return
		}
		audioURL = res.URL
	}

	logger.Info().Dur("duration", track.Duration()).Int("scenes", len(lines)).Msg("narration track ready")

	// Deciding between merging now and deferring happens in the same atomic
	// update the render completion path uses, so exactly one side merges.
	var video models.VideoArtifact
	job, err := p.repo.Update(ctx, jobID, models.ActorNarration, func(j *models.Job) error {
		j.Artifacts.NarrationAudioPath = audioPath
		j.Artifacts.NarrationAudioURL = audioURL
		j.TalkTrack.AudioPath = audioPath
		j.TalkTrack.AudioURL = audioURL
		j.TalkTrack.UpdatedAt = time.Now().UTC()

		if !j.VideoAvailable() {
			j.TalkTrack.Status = models.TalkTrackCompleted
			j.TalkTrack.Progress = 100
			j.TalkTrack.Message = msgSkipped
			j.TalkTrack.MergePending = true
			return nil
		}
		video = j.Artifacts.Video()
		j.TalkTrack.Progress = 80
		j.TalkTrack.Message = "Merging narration onto video"
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record narration audio")
		return
	}
	if job.TalkTrack.MergePending {
		logger.Info().Msg(msgSkipped)
		return
	}

	p.merge(ctx, jobID, video, audioPath)
}

// buildTrack synthesizes every line and fits each to the scene budget.
// Nothing is written unless every scene fits.
func (p *Pipeline) buildTrack(ctx context.Context, jobID uuid.UUID, lines []string, budget time.Duration) (*Track, error) {
	rate := p.SampleRate
	budgetSamples := samplesFor(budget, rate)
	tolSamples := samplesFor(p.Tolerance, rate)

	segments := make([]*Track, len(lines))
	var done atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	limit := p.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, text := range lines {
		g.Go(func() error {
			wavData, err := p.provider.Synthesize(gctx, text)
			if err != nil {
				var pe *ProviderError
				if !errors.As(err, &pe) {
					err = &ProviderError{Provider: "narration", Err: err}
				}
				return sceneError{scene: i + 1, err: err}
			}
			seg, err := DecodeWAV(wavData, rate)
			if err != nil {
				return sceneError{scene: i + 1, err: &ProviderError{Provider: "narration", Err: err}}
			}
			if d := seg.Duration(); !Fit(seg, budgetSamples, tolSamples) {
				return sceneError{scene: i + 1, err: &TooLongError{Scene: i + 1, Duration: d, Budget: budget}}
			}
			segments[i] = seg

			n := done.Add(1)
			p.progress(gctx, jobID, int(n)*70/len(lines), fmt.Sprintf("Synthesized %d of %d scenes", n, len(lines)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Concat(rate, segments...), nil
}

type sceneError struct {
	scene int
	err   error
}

func (e sceneError) Error() string { return e.err.Error() }
func (e sceneError) Unwrap() error { return e.err }

func (p *Pipeline) progress(ctx context.Context, jobID uuid.UUID, pct int, msg string) {
	_, err := p.repo.Update(ctx, jobID, models.ActorNarration, func(j *models.Job) error {
		if j.TalkTrack.Status != models.TalkTrackInProgress {
			return nil
		}
		if pct > j.TalkTrack.Progress {
			j.TalkTrack.Progress = pct
		}
		j.TalkTrack.Message = msg
		j.TalkTrack.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("job_id", jobID.String()).Msg("failed to record narration progress")
	}
}

func (p *Pipeline) fail(ctx context.Context, jobID uuid.UUID, cause error) {
	failedScene := 0
	var se sceneError
	if errors.As(cause, &se) {
		failedScene = se.scene
	}
	_, err := p.repo.Update(ctx, jobID, models.ActorNarration, func(j *models.Job) error {
		j.TalkTrack = models.TalkTrackState{
			Status:      models.TalkTrackFailed,
			Progress:    100,
			Message:     cause.Error(),
			FailedScene: failedScene,
			UpdatedAt:   time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to record narration failure")
	}
}

// MergePending starts the deferred merge for a job whose audio finished
// before its video. Calls after the merge was claimed are no-ops.
func (p *Pipeline) MergePending(ctx context.Context, jobID uuid.UUID) {
	var (
		video     models.VideoArtifact
		audioPath string
	)
	_, err := p.repo.Update(ctx, jobID, models.ActorNarration, func(j *models.Job) error {
		if !j.TalkTrack.MergePending || !j.VideoAvailable() {
			return errNothingPending
		}
		j.TalkTrack.MergePending = false
		j.TalkTrack.Status = models.TalkTrackInProgress
		j.TalkTrack.Progress = 80
		j.TalkTrack.Message = "Merging narration onto video"
		j.TalkTrack.UpdatedAt = time.Now().UTC()
		video = j.Artifacts.Video()
		audioPath = j.TalkTrack.AudioPath
		return nil
	})
	if errors.Is(err, errNothingPending) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to claim pending merge")
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.merge(p.baseCtx, jobID, video, audioPath)
	}()
}

var errNothingPending = errors.New("no pending merge")

func (p *Pipeline) merge(ctx context.Context, jobID uuid.UUID, video models.VideoArtifact, audioPath string) {
	logger := log.With().Str("job_id", jobID.String()).Str("component", "narration").Logger()

	source := video.LocalPath
	if source == "" {
		source = video.URL
	}
	outPath := filepath.Join(p.workDir, jobID.String(), "narrated.mp4")

	if err := p.merger.MergeAudio(ctx, source, audioPath, outPath); err != nil {
		logger.Error().Err(err).Msg("narration merge failed")
		p.mergeFailed(ctx, jobID, err)
		return
	}

	var videoURL string
	if p.store != nil {
		data, err := os.ReadFile(outPath)
		if err != nil {
			p.mergeFailed(ctx, jobID, err)
			return
		}
		res, err := p.store.Upload(ctx, data, jobID.String()+"_narrated.mp4", storage.FolderVideos, "video/mp4")
		if err != nil {
			p.mergeFailed(ctx, jobID, fmt.Errorf("upload narrated video: %w", err))
			return
		}
		videoURL = res.URL
	}

	_, err := p.repo.Update(ctx, jobID, models.ActorNarration, func(j *models.Job) error {
		j.Artifacts.NarratedVideoPath = outPath
		j.Artifacts.NarratedVideoURL = videoURL
		j.TalkTrack.Status = models.TalkTrackCompleted
		j.TalkTrack.Progress = 100
		j.TalkTrack.Message = "Narrated video ready"
		j.TalkTrack.VideoPath = outPath
		j.TalkTrack.VideoURL = videoURL
		j.TalkTrack.MergePending = false
		j.TalkTrack.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record narrated video")
		return
	}
	logger.Info().Str("path", outPath).Msg("narrated video ready")
}

// mergeFailed keeps the audio references; only the merge is reported failed.
func (p *Pipeline) mergeFailed(ctx context.Context, jobID uuid.UUID, cause error) {
	_, err := p.repo.Update(ctx, jobID, models.ActorNarration, func(j *models.Job) error {
		j.TalkTrack.Status = models.TalkTrackFailed
		j.TalkTrack.Progress = 100
		j.TalkTrack.Message = "audio ready, video merge failed: " + cause.Error()
		j.TalkTrack.MergePending = false
		j.TalkTrack.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to record merge failure")
	}
}
