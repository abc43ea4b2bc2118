package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/proptour/internal/jobstore"
	"github.com/bobarin/proptour/internal/models"
	"github.com/bobarin/proptour/internal/render"
	"github.com/bobarin/proptour/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotRendering means a completion arrived before the job recorded its
// render, so nothing was applied. The poller still covers the job.
var ErrNotRendering = errors.New("job is not rendering yet")

// ErrArtifactMissing means the farm reported success but no video could be
// located yet. The job stays in rendering so the poller can still find it.
var ErrArtifactMissing = errors.New("render completed but no video artifact was found")

// expectedVideo is where the render workflow uploads its result.
func expectedVideo(jobID uuid.UUID) string {
	return jobID.String() + ".mp4"
}

// resultManifest is the optional artifact document written next to the video.
func resultManifest(jobID uuid.UUID) string {
	return jobID.String() + "/result.json"
}

// pollProgress maps attempts consumed onto the rendering progress band.
func pollProgress(attempt, max int) int {
	if max <= 0 {
		return progressTriggered
	}
	return progressTriggered + attempt*progressPollSpan/max
}

// poll is the per-job status worker. It stops as soon as the job is
// terminal, whoever made it so. from counts attempts spent before a restart.
func (o *Orchestrator) poll(ctx context.Context, jobID uuid.UUID, token string, from int) {
	logger := log.With().Str("job_id", jobID.String()).Str("actor", string(models.ActorPoller)).Logger()
	max := o.cfg.MaxPollAttempts

	for attempt := from + 1; attempt <= max; attempt++ {
		select {
		case <-ctx.Done():
			logger.Info().Msg("poller stopped")
			return
		case <-o.clock.After(o.cfg.PollInterval):
		}

		job, err := o.repo.Get(ctx, jobID)
		if err != nil {
			logger.Error().Err(err).Msg("poller could not load job")
			continue
		}
		if job.Terminal() {
			logger.Debug().Str("status", string(job.Status())).Msg("job already terminal, poller exiting")
			return
		}

		res, err := o.render.Status(ctx, token)
		step := fmt.Sprintf("Rendering video (check %d of %d)", attempt, max)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("render status check failed")
		} else {
			logger.Debug().Int("attempt", attempt).Str("run_status", string(res.Status)).Msg("render status")
			switch res.Status {
			case render.StatusCompleted:
				video, found, err := o.probeVideo(ctx, jobID)
				if err != nil {
					logger.Warn().Err(err).Msg("artifact probe failed")
				}
				if found {
					won, err := o.complete(ctx, jobID, models.ActorPoller, video)
					if won || err == nil {
						return
					}
					step = "Render finished, recording the video"
					break
				}
				step = "Render finished, waiting for video upload"
			case render.StatusFailed:
				detail := res.Detail
				if detail == "" {
					detail = "render run failed"
				}
				o.fail(ctx, jobID, models.ActorPoller, models.ReasonRenderFailed, "Remote render failed", detail)
				return
			case render.StatusQueued, render.StatusUnknown:
				step = fmt.Sprintf("Waiting for render to start (check %d of %d)", attempt, max)
			}
		}

		_, err = o.update(ctx, jobID, models.ActorPoller, func(j *models.Job) error {
			if err := j.Transition(models.Rendering{Token: token, Attempts: attempt}, step); err != nil {
				return err
			}
			j.AdvanceProgress(pollProgress(attempt, max))
			return nil
		})
		if errors.Is(err, models.ErrTerminal) {
			logger.Debug().Msg("job finished elsewhere, poller exiting")
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to record poll attempt")
		}
	}

	logger.Warn().Int("attempts", max).Msg("render polling timed out")
	o.fail(ctx, jobID, models.ActorPoller, models.ReasonTimeout,
		fmt.Sprintf("Render timed out after %d status checks", max),
		fmt.Sprintf("no completed video after %s", o.cfg.PollInterval*time.Duration(max)))
}

// probeVideo checks storage for the expected artifact with an existence
// probe only.
func (o *Orchestrator) probeVideo(ctx context.Context, jobID uuid.UUID) (models.VideoArtifact, bool, error) {
	name := expectedVideo(jobID)
	ok, err := o.store.Exists(ctx, name, storage.FolderVideos)
	if err != nil || !ok {
		return models.VideoArtifact{}, false, err
	}
	return models.VideoArtifact{URL: o.store.URLFor(name, storage.FolderVideos)}, true, nil
}

// resolveVideo finds the playable URL for a completion event: the URL
// carried by the event, then the result manifest, then the storage probe.
func (o *Orchestrator) resolveVideo(ctx context.Context, ev render.CompletionEvent) (models.VideoArtifact, bool) {
	logger := log.With().Str("job_id", ev.JobID.String()).Str("actor", string(models.ActorWebhook)).Logger()

	if ev.VideoURL != "" {
		return models.VideoArtifact{URL: ev.VideoURL}, true
	}

	manifest, err := o.store.Download(ctx, resultManifest(ev.JobID), storage.FolderRenders)
	switch {
	case err == nil:
		url, perr := render.ParseArtifact(manifest)
		if perr == nil {
			return models.VideoArtifact{URL: url}, true
		}
		logger.Warn().Err(perr).Msg("result manifest has no video URL")
	case !errors.Is(err, storage.ErrNotFound):
		logger.Warn().Err(err).Msg("result manifest download failed")
	}

	video, found, err := o.probeVideo(ctx, ev.JobID)
	if err != nil {
		logger.Warn().Err(err).Msg("artifact probe failed")
	}
	return video, found
}

// HandleCompletion applies a webhook completion event exactly as the poller
// would. Events for terminal jobs are ignored.
func (o *Orchestrator) HandleCompletion(ctx context.Context, ev render.CompletionEvent) error {
	logger := log.With().Str("job_id", ev.JobID.String()).Str("actor", string(models.ActorWebhook)).Logger()

	job, err := o.repo.Get(ctx, ev.JobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		logger.Info().Str("status", string(job.Status())).Msg("completion event for finished job ignored")
		return nil
	}

	switch ev.Status {
	case render.StatusCompleted:
		video, found := o.resolveVideo(ctx, ev)
		if !found {
			logger.Warn().Int64("run_id", ev.RunID).Msg("completion event without a video yet")
			return ErrArtifactMissing
		}
		_, err := o.complete(ctx, ev.JobID, models.ActorWebhook, video)
		if errors.Is(err, models.ErrInvalidTransition) {
			return fmt.Errorf("%w: job is %s", ErrNotRendering, job.Status())
		}
		return err
	case render.StatusFailed:
		detail := ev.Detail
		if detail == "" {
			detail = "render run failed"
		}
		return o.fail(ctx, ev.JobID, models.ActorWebhook, models.ReasonRenderFailed, "Remote render failed", detail)
	default:
		logger.Debug().Str("run_status", string(ev.Status)).Msg("non-terminal completion event ignored")
	}
	return nil
}

// complete flips the job to completed and reports whether this caller won.
// Losing to another actor is not an error; only the winner starts the
// deferred narration merge.
func (o *Orchestrator) complete(ctx context.Context, jobID uuid.UUID, actor models.Actor, video models.VideoArtifact) (bool, error) {
	logger := log.With().Str("job_id", jobID.String()).Str("actor", string(actor)).Logger()

	job, err := o.update(ctx, jobID, actor, func(j *models.Job) error {
		return j.Complete(video)
	})
	if errors.Is(err, models.ErrTerminal) {
		logger.Info().Msg("job already terminal, completion ignored")
		return false, nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to record completion")
		return false, err
	}

	logger.Info().Str("video_url", video.URL).Str("video_path", video.LocalPath).Msg("job completed")
	if job.TalkTrack.MergePending && o.merges != nil {
		o.merges.MergePending(ctx, jobID)
	}
	return true, nil
}

// fail records a failure. A job that is already terminal is left alone and
// is not an error.
func (o *Orchestrator) fail(ctx context.Context, jobID uuid.UUID, actor models.Actor, reason models.FailureReason, message, detail string) error {
	_, err := o.update(ctx, jobID, actor, func(j *models.Job) error {
		return j.Fail(reason, message, detail)
	})
	switch {
	case errors.Is(err, models.ErrTerminal):
		log.Info().Str("job_id", jobID.String()).Str("actor", string(actor)).Msg("job already terminal, failure ignored")
		return nil
	case errors.Is(err, jobstore.ErrNotFound):
		log.Error().Str("job_id", jobID.String()).Msg("cannot fail unknown job")
	case err != nil:
		log.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to record job failure")
	default:
		log.Warn().Str("job_id", jobID.String()).Str("reason", string(reason)).Str("detail", detail).Msg(message)
	}
	return err
}
