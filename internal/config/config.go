package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	AppEnv             string
	LogLevel           string
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	MaxUploadMB        int

	// Job repository: memory, redis or postgres
	JobStore       string
	DatabaseURL    string
	RedisURL       string
	RedisRetention time.Duration

	// Object storage: supabase, s3 or local
	StorageBackend        string
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
	S3Bucket              string
	S3Region              string
	S3Prefix              string
	S3Endpoint            string
	S3PublicBaseURL       string
	AWSAccessKeyID        string
	AWSSecretAccessKey    string
	LocalStoragePath      string
	LocalStorageBaseURL   string

	// Remote render farm (GitHub Actions repository_dispatch)
	GitHubToken         string
	GitHubOwner         string
	GitHubRepo          string
	GitHubAPIURL        string
	RenderEventType     string
	RenderWebhookSecret string

	// Rendering
	RenderMode      string // remote or local
	RenderQuality   string
	RenderStyle     string
	LocalRender     bool // enable the in-process compositor (needs ffmpeg)
	WorkDir         string
	PollInterval    time.Duration
	MaxPollAttempts int

	// Narration
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	OpenAIKey         string
	OpenAIBaseURL     string
	OpenAIVoice       string

	// Script writer: openai, gemini or template
	ScriptWriter  string
	GeminiKey     string
	GeminiBaseURL string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		AppEnv:                getEnv("APP_ENV", "development"),
		LogLevel:              getEnv("LOG_LEVEL", ""),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		MaxUploadMB:           getEnvInt("MAX_UPLOAD_MB", 200),
		JobStore:              strings.ToLower(getEnv("JOB_STORE", "memory")),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisRetention:        getEnvDuration("REDIS_JOB_RETENTION", 7*24*time.Hour),
		StorageBackend:        strings.ToLower(getEnv("STORAGE_BACKEND", "supabase")),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "property-tours"),
		S3Bucket:              getEnv("S3_BUCKET", ""),
		S3Region:              getEnv("AWS_REGION", "us-east-1"),
		S3Prefix:              getEnv("S3_PREFIX", ""),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3PublicBaseURL:       getEnv("S3_PUBLIC_BASE_URL", ""),
		AWSAccessKeyID:        getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:    getEnv("AWS_SECRET_ACCESS_KEY", ""),
		LocalStoragePath:      getEnv("LOCAL_STORAGE_PATH", "data/storage"),
		LocalStorageBaseURL:   getEnv("LOCAL_STORAGE_BASE_URL", "http://localhost:8080/files"),
		GitHubToken:           getEnv("GITHUB_TOKEN", ""),
		GitHubOwner:           getEnv("GITHUB_OWNER", ""),
		GitHubRepo:            getEnv("GITHUB_REPO", ""),
		GitHubAPIURL:          getEnv("GITHUB_API_URL", "https://api.github.com"),
		RenderEventType:       getEnv("RENDER_EVENT_TYPE", "render-property-tour"),
		RenderWebhookSecret:   getEnv("RENDER_WEBHOOK_SECRET", ""),
		RenderMode:            strings.ToLower(getEnv("RENDER_MODE", "remote")),
		RenderQuality:         getEnv("RENDER_QUALITY", "high"),
		RenderStyle:           getEnv("RENDER_STYLE", "cinematic"),
		LocalRender:           getEnvBool("LOCAL_RENDER_ENABLED", true),
		WorkDir:               getEnv("WORK_DIR", "/tmp/proptour"),
		PollInterval:          getEnvDuration("RENDER_POLL_INTERVAL", 10*time.Second),
		MaxPollAttempts:       getEnvInt("RENDER_MAX_POLL_ATTEMPTS", 45),
		ElevenLabsKey:         getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:     getEnv("ELEVENLABS_VOICE_ID", ""),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:         getEnv("OPENAI_BASE_URL", ""),
		OpenAIVoice:           getEnv("OPENAI_TTS_VOICE", "alloy"),
		ScriptWriter:          strings.ToLower(getEnv("SCRIPT_WRITER", "")),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		GeminiBaseURL:         getEnv("GEMINI_BASE_URL", ""),
	}

	if cfg.ScriptWriter == "" {
		cfg.ScriptWriter = defaultScriptWriter(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RemoteRenderEnabled reports whether the render farm credentials are set.
func (c *Config) RemoteRenderEnabled() bool {
	return c.GitHubToken != "" && c.GitHubOwner != "" && c.GitHubRepo != ""
}

// Validate checks that every selected backend has what it needs.
func (c *Config) Validate() error {
	switch c.JobStore {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when JOB_STORE=redis")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when JOB_STORE=postgres")
		}
	default:
		return fmt.Errorf("JOB_STORE must be memory, redis or postgres (got %q)", c.JobStore)
	}

	switch c.StorageBackend {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	case "local":
		if c.LocalStoragePath == "" {
			return fmt.Errorf("LOCAL_STORAGE_PATH is required when STORAGE_BACKEND=local")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be supabase, s3 or local (got %q)", c.StorageBackend)
	}

	switch c.RenderMode {
	case "remote":
		if !c.RemoteRenderEnabled() {
			return fmt.Errorf("GITHUB_TOKEN, GITHUB_OWNER and GITHUB_REPO are required when RENDER_MODE=remote")
		}
	case "local":
		if !c.LocalRender {
			return fmt.Errorf("RENDER_MODE=local requires LOCAL_RENDER_ENABLED")
		}
	default:
		return fmt.Errorf("RENDER_MODE must be remote or local (got %q)", c.RenderMode)
	}

	if c.PollInterval <= 0 || c.MaxPollAttempts <= 0 {
		return fmt.Errorf("RENDER_POLL_INTERVAL and RENDER_MAX_POLL_ATTEMPTS must be positive")
	}

	// At least one TTS provider must be configured
	if c.ElevenLabsKey == "" && c.OpenAIKey == "" {
		return fmt.Errorf("either ELEVENLABS_API_KEY or OPENAI_API_KEY is required for TTS")
	}

	switch c.ScriptWriter {
	case "template":
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when SCRIPT_WRITER=openai")
		}
	case "gemini":
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when SCRIPT_WRITER=gemini")
		}
	default:
		return fmt.Errorf("SCRIPT_WRITER must be openai, gemini or template (got %q)", c.ScriptWriter)
	}

	return nil
}

// defaultScriptWriter prefers an LLM when a key is present.
func defaultScriptWriter(c *Config) string {
	switch {
	case c.OpenAIKey != "":
		return "openai"
	case c.GeminiKey != "":
		return "gemini"
	default:
		return "template"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("15s") or a plain number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
