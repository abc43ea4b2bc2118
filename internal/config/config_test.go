package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setMinimalEnv(t *testing.T) {
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("GITHUB_OWNER", "acme")
	t.Setenv("GITHUB_REPO", "tours")
	t.Setenv("ELEVENLABS_API_KEY", "el-key")
	// keep a developer's real keys out of the defaults
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("SCRIPT_WRITER", "")
	t.Setenv("JOB_STORE", "")
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("RENDER_MODE", "")
}

func TestLoadDefaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.APIPort)
	assert.Equal(t, "memory", cfg.JobStore)
	assert.Equal(t, "supabase", cfg.StorageBackend)
	assert.Equal(t, "remote", cfg.RenderMode)
	assert.Equal(t, "template", cfg.ScriptWriter)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 45, cfg.MaxPollAttempts)
	assert.True(t, cfg.RemoteRenderEnabled())
}

func TestLoadScriptWriterFollowsKeys(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("GEMINI_API_KEY", "gm-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.ScriptWriter)

	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.ScriptWriter)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown job store", map[string]string{"JOB_STORE": "mongo"}, "JOB_STORE"},
		{"postgres without url", map[string]string{"JOB_STORE": "postgres", "DATABASE_URL": ""}, "DATABASE_URL"},
		{"s3 without bucket", map[string]string{"STORAGE_BACKEND": "s3", "S3_BUCKET": ""}, "S3_BUCKET"},
		{"supabase without key", map[string]string{"SUPABASE_SERVICE_KEY": ""}, "SUPABASE_SERVICE_KEY"},
		{"remote without github", map[string]string{"GITHUB_TOKEN": ""}, "GITHUB_TOKEN"},
		{"local render disabled", map[string]string{"RENDER_MODE": "local", "LOCAL_RENDER_ENABLED": "false"}, "LOCAL_RENDER_ENABLED"},
		{"no tts", map[string]string{"ELEVENLABS_API_KEY": ""}, "TTS"},
		{"gemini writer without key", map[string]string{"SCRIPT_WRITER": "gemini"}, "GEMINI_API_KEY"},
		{"bad poll attempts", map[string]string{"RENDER_MAX_POLL_ATTEMPTS": "0"}, "RENDER_MAX_POLL_ATTEMPTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setMinimalEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "1500ms")
	assert.Equal(t, 1500*time.Millisecond, getEnvDuration("TEST_DURATION", time.Second))

	t.Setenv("TEST_DURATION", "30")
	assert.Equal(t, 30*time.Second, getEnvDuration("TEST_DURATION", time.Second))

	t.Setenv("TEST_DURATION", "soon")
	assert.Equal(t, time.Second, getEnvDuration("TEST_DURATION", time.Second))
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_BOOL", "nope")
	assert.True(t, getEnvBool("TEST_BOOL", true))
	t.Setenv("TEST_BOOL", "false")
	assert.False(t, getEnvBool("TEST_BOOL", true))

	t.Setenv("TEST_INT", "12")
	assert.Equal(t, 12, getEnvInt("TEST_INT", 3))
	t.Setenv("TEST_INT", "twelve")
	assert.Equal(t, 3, getEnvInt("TEST_INT", 3))

	assert.Equal(t, "fallback", getEnv("TEST_UNSET_VALUE", "fallback"))
}
