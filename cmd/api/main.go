package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bobarin/proptour/internal/api"
	"github.com/bobarin/proptour/internal/config"
	"github.com/bobarin/proptour/internal/jobstore"
	"github.com/bobarin/proptour/internal/kenburns"
	"github.com/bobarin/proptour/internal/logging"
	"github.com/bobarin/proptour/internal/media"
	"github.com/bobarin/proptour/internal/models"
	"github.com/bobarin/proptour/internal/narration"
	"github.com/bobarin/proptour/internal/orchestrator"
	"github.com/bobarin/proptour/internal/render"
	"github.com/bobarin/proptour/internal/services"
	"github.com/bobarin/proptour/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger := logging.New(cfg.AppEnv, cfg.LogLevel)
	logger.Info().Str("env", cfg.AppEnv).Msg("Starting property tour API...")

	style, err := kenburns.ParseStyle(cfg.RenderStyle)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid RENDER_STYLE")
	}
	if _, err := kenburns.PresetByName(cfg.RenderQuality); err != nil {
		log.Fatal().Err(err).Msg("Invalid RENDER_QUALITY")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Job repository
	baseRepo, closeRepo, err := newRepository(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.JobStore).Msg("Failed to open job store")
	}
	defer closeRepo()
	log.Info().Str("store", cfg.JobStore).Msg("Job store ready")

	// Object storage
	store, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("Failed to initialize storage")
	}
	log.Info().Str("backend", cfg.StorageBackend).Msg("Initialized object storage")

	// Committed job updates are pushed to websocket subscribers
	hub := api.NewHub()
	go hub.Run(ctx)
	repo := jobstore.NewObserved(baseRepo, hub)

	ffmpegSvc := services.NewFFmpegService()
	if err := ffmpegSvc.CheckBinaries(); err != nil {
		log.Warn().Err(err).Msg("ffmpeg unavailable, local rendering and narration merge will fail")
	}

	var renderClient orchestrator.RenderClient
	if cfg.RemoteRenderEnabled() {
		renderClient = render.NewClient(render.Config{
			BaseURL:   cfg.GitHubAPIURL,
			Owner:     cfg.GitHubOwner,
			Repo:      cfg.GitHubRepo,
			Token:     cfg.GitHubToken,
			EventType: cfg.RenderEventType,
		})
		log.Info().Str("repo", cfg.GitHubOwner+"/"+cfg.GitHubRepo).Msg("Remote rendering enabled")
	}

	var compositor orchestrator.Compositor
	if cfg.LocalRender {
		compositor = kenburns.NewCompositor(ffmpegSvc)
		log.Info().Msg("Local Ken Burns rendering enabled")
	}

	// TTS providers: ElevenLabs preferred, OpenAI as fallback
	var providers services.ProviderChain
	if cfg.ElevenLabsKey != "" {
		providers = append(providers, services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID))
		log.Info().Str("voice", cfg.ElevenLabsVoiceID).Msg("TTS provider: ElevenLabs")
	}
	var openaiSvc *services.OpenAIService
	if cfg.OpenAIKey != "" {
		openaiSvc = services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIVoice)
		providers = append(providers, openaiSvc)
		log.Info().Str("voice", cfg.OpenAIVoice).Msg("TTS provider: OpenAI")
	}

	writer, err := newScriptWriter(ctx, cfg, openaiSvc)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize script writer")
	}
	log.Info().Str("writer", cfg.ScriptWriter).Msg("Script writer ready")

	jobs := orchestrator.New(ctx, orchestrator.Deps{
		Repo:       repo,
		Store:      store,
		Preparer:   media.NewPreparer(filepath.Join(cfg.WorkDir, "images"), media.DefaultConstraints()),
		Render:     renderClient,
		Compositor: compositor,
		Writer:     writer,
	}, orchestrator.Config{
		WorkDir:         filepath.Join(cfg.WorkDir, "renders"),
		PollInterval:    cfg.PollInterval,
		MaxPollAttempts: cfg.MaxPollAttempts,
		DefaultMode:     models.RenderMode(cfg.RenderMode),
		DefaultQuality:  cfg.RenderQuality,
		DefaultStyle:    style,
	})

	pipeline := narration.NewPipeline(ctx, repo, providers, ffmpegSvc, store, filepath.Join(cfg.WorkDir, "narration"))
	jobs.SetMerges(pipeline)

	// Pick up work a previous process left behind
	active, err := repo.ListActive(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list unfinished jobs")
	}
	resumed := jobs.Resume(ctx, active)
	pipeline.Resume(ctx, active)
	log.Info().Int("unfinished", len(active)).Int("pollers_resumed", resumed).Msg("Recovered unfinished jobs")

	// Create API handler
	handler := api.NewHandler(jobs, pipeline, hub, api.HandlerConfig{
		WebhookSecret:  cfg.RenderWebhookSecret,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		Logger:             logger,
	})
	if local, ok := store.(*storage.LocalStore); ok {
		mountFiles(router, local)
	}

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("API key authentication enabled")
	} else {
		log.Warn().Msg("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}
	if cfg.RenderWebhookSecret == "" {
		log.Warn().Msg("No RENDER_WEBHOOK_SECRET set, render webhooks are not verified")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Shutdown HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop background workers and wait for them to notice
	cancel()
	jobs.Wait()
	pipeline.Wait()

	log.Info().Msg("Server exited")
}

func newRepository(cfg *config.Config) (jobstore.Repository, func(), error) {
	switch cfg.JobStore {
	case "redis":
		repo, err := jobstore.NewRedisRepository(cfg.RedisURL, cfg.RedisRetention)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { repo.Close() }, nil
	case "postgres":
		repo, err := jobstore.NewPostgresRepository(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { repo.Close() }, nil
	default:
		return jobstore.NewMemoryRepository(), func() {}, nil
	}
}

func newStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
			Endpoint:        cfg.S3Endpoint,
			PublicBaseURL:   cfg.S3PublicBaseURL,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
	case "local":
		return storage.NewLocalStore(cfg.LocalStoragePath, cfg.LocalStorageBaseURL)
	case "supabase":
		return storage.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func newScriptWriter(ctx context.Context, cfg *config.Config, openaiSvc *services.OpenAIService) (orchestrator.ScriptWriter, error) {
	switch cfg.ScriptWriter {
	case "openai":
		if openaiSvc == nil {
			return nil, fmt.Errorf("OpenAI script writer needs OPENAI_API_KEY")
		}
		return openaiSvc, nil
	case "gemini":
		return services.NewGeminiService(ctx, cfg.GeminiKey, cfg.GeminiBaseURL)
	default:
		return orchestrator.TemplateWriter{}, nil
	}
}

// mountFiles serves the local storage directory so its public URLs resolve.
func mountFiles(r chi.Router, local *storage.LocalStore) {
	fs := http.StripPrefix("/files/", http.FileServer(http.Dir(local.BasePath())))
	r.Handle("/files/*", fs)
	log.Info().Str("path", local.BasePath()).Msg("Serving local storage under /files")
}
