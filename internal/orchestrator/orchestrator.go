// Package orchestrator owns the render job lifecycle: ingestion, remote or
// local rendering, completion detection by polling and webhook, and the
// hand-off to the narration merge.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/proptour/internal/jobstore"
	"github.com/bobarin/proptour/internal/kenburns"
	"github.com/bobarin/proptour/internal/media"
	"github.com/bobarin/proptour/internal/models"
	"github.com/bobarin/proptour/internal/narration"
	"github.com/bobarin/proptour/internal/render"
	"github.com/bobarin/proptour/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval    = 10 * time.Second
	DefaultMaxPollAttempts = 45

	// progress milestones
	progressPrepared  = 10
	progressScripted  = 15
	progressUploaded  = 30
	progressTriggered = 40
	progressPollSpan  = 55

	maxEffectSpeed = 3

	// job record writes are tried this many times before the job is given up
	storeWriteAttempts     = 3
	DefaultStoreRetryDelay = 250 * time.Millisecond
)

var ErrInvalidInput = errors.New("invalid input")

// InputError is a request rejected before a job is created.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }
func (e *InputError) Unwrap() error { return ErrInvalidInput }

func inputErrorf(format string, args ...any) error {
	return &InputError{Message: fmt.Sprintf(format, args...)}
}

// RenderClient is the remote render farm.
type RenderClient interface {
	Trigger(ctx context.Context, req render.Request) (render.TriggerResult, error)
	Status(ctx context.Context, token string) (render.StatusResult, error)
}

// Compositor renders the tour in process.
type Compositor interface {
	Render(ctx context.Context, scenes []kenburns.Scene, preset kenburns.Preset, style kenburns.Style, outBase string) (*kenburns.Result, error)
}

// MergeStarter runs a narration merge that was deferred until the video existed.
type MergeStarter interface {
	MergePending(ctx context.Context, jobID uuid.UUID)
}

type Config struct {
	WorkDir           string
	PollInterval      time.Duration
	MaxPollAttempts   int
	DefaultMode       models.RenderMode
	DefaultQuality    string
	DefaultStyle      kenburns.Style
	UploadConcurrency int
	// StoreRetryDelay is the base backoff between job record write attempts.
	StoreRetryDelay time.Duration
}

// Deps are the collaborators. Render or Compositor may be nil when the
// corresponding mode is disabled; Writer and Merges are optional.
type Deps struct {
	Repo       jobstore.Repository
	Store      storage.Store
	Preparer   *media.Preparer
	Render     RenderClient
	Compositor Compositor
	Writer     ScriptWriter
	Merges     MergeStarter
	Clock      Clock
}

type Orchestrator struct {
	repo       jobstore.Repository
	store      storage.Store
	preparer   *media.Preparer
	render     RenderClient
	compositor Compositor
	writer     ScriptWriter
	merges     MergeStarter
	clock      Clock
	cfg        Config

	baseCtx context.Context
	wg      sync.WaitGroup
}

// New creates an orchestrator whose background workers run under ctx.
func New(ctx context.Context, deps Deps, cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = models.RenderModeRemote
	}
	if cfg.DefaultQuality == "" {
		cfg.DefaultQuality = kenburns.DefaultPreset
	}
	if cfg.DefaultStyle == "" {
		cfg.DefaultStyle = kenburns.StyleCinematic
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	if cfg.StoreRetryDelay <= 0 {
		cfg.StoreRetryDelay = DefaultStoreRetryDelay
	}
	clock := deps.Clock
	if clock == nil {
		clock = RealClock()
	}
	return &Orchestrator{
		repo:       deps.Repo,
		store:      deps.Store,
		preparer:   deps.Preparer,
		render:     deps.Render,
		compositor: deps.Compositor,
		writer:     deps.Writer,
		merges:     deps.Merges,
		clock:      clock,
		cfg:        cfg,
		baseCtx:    ctx,
	}
}

// SetMerges wires the narration pipeline after construction; the pipeline
// and the orchestrator share a repository so they are built in two steps.
func (o *Orchestrator) SetMerges(m MergeStarter) {
	o.merges = m
}

// Wait blocks until every background worker has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// ImageInput is one uploaded photo and its room assignment.
type ImageInput struct {
	Name        string
	Data        []byte
	Room        models.RoomLabel
	CustomLabel string
}

type SubmitRequest struct {
	Images   []ImageInput
	Property models.PropertyDetails
	Settings models.RenderSettings
	Mode     models.RenderMode
	Quality  string
	Style    string
	// Script optionally replaces the generated narration lines.
	Script []string
}

// Submit validates the request, stores a new job and starts ingestion in
// the background. Validation failures never create a job.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if len(req.Images) == 0 {
		return nil, inputErrorf("at least one image is required")
	}

	mode := req.Mode
	if mode == "" {
		mode = o.cfg.DefaultMode
	}
	switch mode {
	case models.RenderModeRemote:
		if o.render == nil {
			return nil, inputErrorf("remote rendering is not configured")
		}
	case models.RenderModeLocal:
		if o.compositor == nil {
			return nil, inputErrorf("local rendering is not configured")
		}
	default:
		return nil, inputErrorf("unknown render mode %q", mode)
	}

	quality := req.Quality
	if quality == "" {
		quality = o.cfg.DefaultQuality
	}
	preset, err := kenburns.PresetByName(quality)
	if err != nil {
		return nil, &InputError{Message: err.Error()}
	}
	style := o.cfg.DefaultStyle
	if req.Style != "" {
		if style, err = kenburns.ParseStyle(req.Style); err != nil {
			return nil, &InputError{Message: err.Error()}
		}
	}

	settings, err := normalizeSettings(req.Settings, preset)
	if err != nil {
		return nil, err
	}

	scenes := make([]models.SceneAssignment, len(req.Images))
	for i, img := range req.Images {
		if err := o.preparer.Validate(img.Name, img.Data); err != nil {
			return nil, err
		}
		scene, err := models.NewSceneAssignment(i, img.Name, img.Room, img.CustomLabel)
		if err != nil {
			return nil, &InputError{Message: err.Error()}
		}
		scenes[i] = scene
	}

	if req.Script != nil {
		if err := narration.ValidateLines(len(scenes), req.Script); err != nil {
			return nil, err
		}
	}

	job := models.NewJob(uuid.New(), mode)
	job.Quality = preset.Name
	job.Style = string(style)
	job.Property = req.Property
	job.Settings = settings
	job.Scenes = scenes
	for i, line := range req.Script {
		job.Script = append(job.Script, models.ScriptLine{Scene: i + 1, Room: scenes[i].DisplayLabel, Text: strings.TrimSpace(line)})
	}

	if err := o.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	log.Info().
		Str("job_id", job.ID.String()).
		Str("mode", string(mode)).
		Str("quality", preset.Name).
		Int("images", len(scenes)).
		Msg("job submitted")

	uploads := make([]media.Upload, len(req.Images))
	for i, img := range req.Images {
		uploads[i] = media.Upload{Name: img.Name, Data: img.Data}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.ingest(o.baseCtx, job.ID, uploads)
	}()

	return job.Clone(), nil
}

func normalizeSettings(s models.RenderSettings, preset kenburns.Preset) (models.RenderSettings, error) {
	if s.DurationPerImage < 0 || s.TransitionDuration < 0 || s.EffectSpeed < 0 {
		return s, inputErrorf("render settings must not be negative")
	}
	if s.DurationPerImage == 0 {
		s.DurationPerImage = preset.SceneDuration.Seconds()
	}
	if s.DurationPerImage > 30 {
		return s, inputErrorf("durationPerImage must be at most 30 seconds")
	}
	if s.TransitionDuration == 0 {
		s.TransitionDuration = preset.Transition.Seconds()
	}
	if s.TransitionDuration >= s.DurationPerImage {
		return s, inputErrorf("transitionDuration must be shorter than durationPerImage")
	}
	if s.EffectSpeed == 0 {
		s.EffectSpeed = 1
	}
	if s.EffectSpeed > maxEffectSpeed {
		return s, inputErrorf("effectSpeed must be at most %d", maxEffectSpeed)
	}
	return s, nil
}

// ingest is the ingestion worker: prepare, upload, then hand off to the
// selected renderer.
func (o *Orchestrator) ingest(ctx context.Context, jobID uuid.UUID, uploads []media.Upload) {
	logger := log.With().Str("job_id", jobID.String()).Str("actor", string(models.ActorIngestion)).Logger()

	prepared, err := o.preparer.PrepareBatch(ctx, jobID.String(), uploads)
	if err != nil {
		logger.Error().Err(err).Msg("image preparation failed")
		o.fail(ctx, jobID, models.ActorIngestion, models.ReasonPreparationFailed, "Image preparation failed", err.Error())
		return
	}

	job, err := o.update(ctx, jobID, models.ActorIngestion, func(j *models.Job) error {
		if err := j.Transition(models.UploadingAssets{}, "Uploading images"); err != nil {
			return err
		}
		j.Artifacts.ImageCount = len(prepared)
		j.AdvanceProgress(progressPrepared)
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record prepared images")
		o.writeFailed(ctx, jobID, models.ActorIngestion, "record prepared images", err)
		return
	}

	if len(job.Script) == 0 {
		lines := o.writeScript(ctx, job)
		job, err = o.update(ctx, jobID, models.ActorIngestion, func(j *models.Job) error {
			if len(j.Script) > 0 {
				return nil
			}
			j.Script = make([]models.ScriptLine, len(lines))
			for i, text := range lines {
				j.Script[i] = models.ScriptLine{Scene: i + 1, Room: j.Scenes[i].DisplayLabel, Text: text}
			}
			j.AdvanceProgress(progressScripted)
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to record script")
			o.writeFailed(ctx, jobID, models.ActorIngestion, "record script", err)
			return
		}
	}

	urls, uploadErr := o.uploadImages(ctx, jobID, prepared)
	if uploadErr != nil && job.Mode == models.RenderModeRemote {
		logger.Error().Err(uploadErr).Msg("image upload failed")
		o.fail(ctx, jobID, models.ActorIngestion, models.ReasonStorageUnavailable, "Could not upload images to storage", uploadErr.Error())
		return
	}
	if uploadErr != nil {
		logger.Warn().Err(uploadErr).Msg("image upload failed, continuing with local files")
	}

	job, err = o.update(ctx, jobID, models.ActorIngestion, func(j *models.Job) error {
		if j.Terminal() {
			return models.ErrTerminal
		}
		for i := range j.Scenes {
			if i < len(urls) {
				j.Scenes[i].ImageURL = urls[i]
			}
		}
		j.AdvanceProgress(progressUploaded)
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record image URLs")
		o.writeFailed(ctx, jobID, models.ActorIngestion, "record image URLs", err)
		return
	}

	switch job.Mode {
	case models.RenderModeLocal:
		o.renderLocal(ctx, job, prepared)
	default:
		o.triggerRemote(ctx, job, urls)
	}
}

// uploadImages pushes prepared images to storage and returns their public
// URLs in scene order. Any failure aborts the batch.
func (o *Orchestrator) uploadImages(ctx context.Context, jobID uuid.UUID, prepared []*media.PreparedImage) ([]string, error) {
	urls := make([]string, len(prepared))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.UploadConcurrency)
	for i, img := range prepared {
		g.Go(func() error {
			data, err := os.ReadFile(img.Path)
			if err != nil {
				return fmt.Errorf("read %s: %w", img.Name, err)
			}
			res, err := o.store.Upload(gctx, data, jobID.String()+"/"+img.Name, storage.FolderImages, "image/jpeg")
			if err != nil {
				return fmt.Errorf("upload %s: %w", img.Name, err)
			}
			if !res.Success || res.URL == "" {
				return fmt.Errorf("upload %s: storage returned no public URL", img.Name)
			}
			urls[i] = res.URL
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

func (o *Orchestrator) triggerRemote(ctx context.Context, job *models.Job, urls []string) {
	logger := log.With().Str("job_id", job.ID.String()).Str("actor", string(models.ActorIngestion)).Logger()

	_, err := o.update(ctx, job.ID, models.ActorIngestion, func(j *models.Job) error {
		return j.Transition(models.TriggeringRender{}, "Triggering remote render")
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record trigger start")
		o.writeFailed(ctx, job.ID, models.ActorIngestion, "record trigger start", err)
		return
	}

	res, err := o.render.Trigger(ctx, render.Request{
		JobID:    job.ID,
		Images:   urls,
		Property: job.Property,
		Settings: job.Settings,
	})
	if err != nil {
		var te *render.TriggerError
		if errors.As(err, &te) {
			logger.Error().Int("status", te.StatusCode).Str("body", te.Body).Msg("render trigger rejected")
			o.fail(ctx, job.ID, models.ActorIngestion, models.ReasonRenderTriggerRejected,
				fmt.Sprintf("Render trigger rejected (status %d)", te.StatusCode), te.Body)
			return
		}
		logger.Error().Err(err).Msg("render trigger failed")
		o.fail(ctx, job.ID, models.ActorIngestion, models.ReasonRenderTriggerRejected, "Render trigger failed", err.Error())
		return
	}

	token := res.JobID
	if token == "" {
		token = job.ID.String()
	}
	_, err = o.update(ctx, job.ID, models.ActorIngestion, func(j *models.Job) error {
		if err := j.Transition(models.Rendering{Token: token}, "Rendering video"); err != nil {
			return err
		}
		j.AdvanceProgress(progressTriggered)
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("token", token).Msg("failed to record render token")
		o.writeFailed(ctx, job.ID, models.ActorIngestion, "record render token "+token, err)
		return
	}

	logger.Info().Str("token", token).Msg("remote render started")
	o.startPoller(ctx, job.ID, token, 0)
}

// startPoller runs the status worker; from is the number of attempts
// already spent on this render.
func (o *Orchestrator) startPoller(ctx context.Context, jobID uuid.UUID, token string, from int) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.poll(ctx, jobID, token, from)
	}()
}

func (o *Orchestrator) renderLocal(ctx context.Context, job *models.Job, prepared []*media.PreparedImage) {
	logger := log.With().Str("job_id", job.ID.String()).Str("actor", string(models.ActorIngestion)).Logger()

	_, err := o.update(ctx, job.ID, models.ActorIngestion, func(j *models.Job) error {
		if err := j.Transition(models.Rendering{Token: localToken}, "Rendering video locally"); err != nil {
			return err
		}
		j.AdvanceProgress(progressTriggered)
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record local render start")
		o.writeFailed(ctx, job.ID, models.ActorIngestion, "record local render start", err)
		return
	}

	preset, err := kenburns.PresetByName(job.Quality)
	if err != nil {
		preset, _ = kenburns.PresetByName(kenburns.DefaultPreset)
	}
	sceneDuration := job.Settings.SceneDuration()
	preset = preset.WithSceneDuration(sceneDuration).
		WithTransition(time.Duration(job.Settings.TransitionDuration * float64(time.Second))).
		WithEffectSpeed(job.Settings.EffectSpeed)

	scenes := make([]kenburns.Scene, len(prepared))
	for i, img := range prepared {
		scenes[i] = kenburns.Scene{ImagePath: img.Path, Duration: sceneDuration}
	}

	style, err := kenburns.ParseStyle(job.Style)
	if err != nil {
		style = o.cfg.DefaultStyle
	}

	outBase := filepath.Join(o.cfg.WorkDir, job.ID.String(), "tour.mp4")
	result, err := o.compositor.Render(ctx, scenes, preset, style, outBase)
	if err != nil {
		logger.Error().Err(err).Msg("local render failed")
		o.fail(ctx, job.ID, models.ActorIngestion, models.ReasonCompositorFailed, "Video rendering failed", err.Error())
		return
	}

	video := models.VideoArtifact{LocalPath: result.Path}
	if o.store != nil {
		if data, err := os.ReadFile(result.Path); err == nil {
			name := job.ID.String() + filepath.Ext(result.Path)
			res, err := o.store.Upload(ctx, data, name, storage.FolderVideos, videoContentType(result.Path))
			if err != nil {
				logger.Warn().Err(err).Msg("video upload failed, serving local file")
			} else {
				video.URL = res.URL
			}
		}
	}

	if _, err := o.complete(ctx, job.ID, models.ActorIngestion, video); err != nil {
		o.writeFailed(ctx, job.ID, models.ActorIngestion, "record local render result", err)
	}
}

// localToken marks a render running inside this process.
const localToken = "local"

// update commits fn, retrying when the store itself fails. Rejections from
// fn, missing jobs and cancellation come back at once.
func (o *Orchestrator) update(ctx context.Context, id uuid.UUID, actor models.Actor, fn jobstore.UpdateFunc) (*models.Job, error) {
	for attempt := 1; ; attempt++ {
		var rejected error
		job, err := o.repo.Update(ctx, id, actor, func(j *models.Job) error {
			rejected = fn(j)
			return rejected
		})
		if err == nil {
			return job, nil
		}
		if rejected != nil || errors.Is(err, jobstore.ErrNotFound) || ctx.Err() != nil || attempt == storeWriteAttempts {
			return nil, err
		}

		delay := o.cfg.StoreRetryDelay * time.Duration(attempt)
		log.Warn().Err(err).Str("job_id", id.String()).Str("actor", string(actor)).
			Int("attempt", attempt).Dur("wait", delay).Msg("job write failed, retrying")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, err
		case <-t.C:
		}
	}
}

// writeFailed gives up on a job whose progress could not be recorded. On
// shutdown the job is left as is and Resume settles it on the next start.
func (o *Orchestrator) writeFailed(ctx context.Context, jobID uuid.UUID, actor models.Actor, step string, err error) {
	if errors.Is(err, models.ErrTerminal) || errors.Is(err, jobstore.ErrNotFound) || ctx.Err() != nil {
		return
	}
	o.fail(ctx, jobID, actor, models.ReasonStateWriteFailed, "Could not record job progress", fmt.Sprintf("%s: %v", step, err))
}

// Resume settles jobs a previous process left unfinished. Remote renders
// get a poller back with the attempts they already spent. Jobs caught in
// ingestion or a local render lost their working files with the process
// and are failed as interrupted. It returns the number of pollers started.
func (o *Orchestrator) Resume(ctx context.Context, jobs []*models.Job) int {
	resumed := 0
	for _, job := range jobs {
		if job.Terminal() {
			continue
		}
		logger := log.With().Str("job_id", job.ID.String()).Str("status", string(job.Status())).Logger()

		if st, ok := job.State.(models.Rendering); ok && st.Token != localToken && o.render != nil {
			token := st.Token
			if token == "" {
				token = job.ID.String()
			}
			logger.Info().Int("attempts", st.Attempts).Msg("resuming render polling")
			o.startPoller(o.baseCtx, job.ID, token, st.Attempts)
			resumed++
			continue
		}

		logger.Warn().Msg("job interrupted by restart")
		o.fail(ctx, job.ID, models.ActorIngestion, models.ReasonInterrupted,
			"Processing was interrupted by a service restart",
			fmt.Sprintf("job was %s when the previous process stopped", job.Status()))
	}
	return resumed
}

func videoContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".avi":
		return "video/x-msvideo"
	default:
		return "video/mp4"
	}
}

// Get returns the current job.
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return o.repo.Get(ctx, id)
}

// Status returns the caller-facing status document.
func (o *Orchestrator) Status(ctx context.Context, id uuid.UUID) (models.JobStatusView, error) {
	job, err := o.repo.Get(ctx, id)
	if err != nil {
		return models.JobStatusView{}, err
	}
	return job.View(), nil
}

// UpdateScript replaces the narration lines ahead of synthesis.
func (o *Orchestrator) UpdateScript(ctx context.Context, id uuid.UUID, lines []string) (*models.Job, error) {
	job, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := narration.ValidateLines(len(job.Scenes), lines); err != nil {
		return nil, err
	}

	return o.repo.Update(ctx, id, models.ActorIngestion, func(j *models.Job) error {
		if j.TalkTrack.Status == models.TalkTrackInProgress {
			return narration.ErrInProgress
		}
		j.Script = make([]models.ScriptLine, len(lines))
		for i, text := range lines {
			j.Script[i] = models.ScriptLine{Scene: i + 1, Room: j.Scenes[i].DisplayLabel, Text: strings.TrimSpace(text)}
		}
		return nil
	})
}
