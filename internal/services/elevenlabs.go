package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/proptour/internal/narration"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// ElevenLabs Text-to-Speech
// Model: eleven_flash_v2_5. Audio is requested as raw 16-bit PCM and wrapped
// in a WAV container so the pipeline can measure it exactly.
// ---------------------------------------------------------------------------

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
	elevenLabsDefaultVoice = "pNInz6obpgDQGcFmaJgB"
	elevenLabsSampleRate   = 24000
	elevenLabsOutputFormat = "pcm_24000"
)

// ElevenLabsService handles text-to-speech via the ElevenLabs API.
type ElevenLabsService struct {
	apiKey  string
	voiceID string
	modelID string
	baseURL string
	speed   float64
	client  *http.Client
}

var _ narration.Provider = (*ElevenLabsService)(nil)

// NewElevenLabsService creates an ElevenLabs provider. An empty voiceID uses
// the default narrator voice.
func NewElevenLabsService(apiKey, voiceID string) *ElevenLabsService {
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}
	return &ElevenLabsService{
		apiKey:  apiKey,
		voiceID: voiceID,
		modelID: elevenLabsDefaultModel,
		baseURL: elevenLabsBaseURL,
		speed:   0.95,
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// Synthesize converts one narration line to WAV audio.
func (s *ElevenLabsService) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if err := checkSpeechText(text); err != nil {
		return nil, err
	}

	reqBody := elevenLabsRequest{
		Text:    text,
		ModelID: s.modelID,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       0.60,
			SimilarityBoost: 0.80,
			Style:           0.20,
			Speed:           s.speed,
			UseSpeakerBoost: true,
		},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ElevenLabs request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, s.voiceID, elevenLabsOutputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create ElevenLabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/pcm")
	req.Header.Set("xi-api-key", s.apiKey)

	log.Debug().
		Str("voice_id", s.voiceID).
		Str("model", s.modelID).
		Int("text_len", len(text)).
		Msg("elevenlabs synthesizing speech")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &narration.ProviderError{Provider: "elevenlabs", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &narration.ProviderError{
			Provider:   "elevenlabs",
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &narration.ProviderError{Provider: "elevenlabs", Err: fmt.Errorf("read audio: %w", err)}
	}
	if len(pcm) < 2 {
		return nil, &narration.ProviderError{Provider: "elevenlabs", Err: errors.New("empty audio")}
	}

	wav, err := narration.PCM16ToWAV(pcm, elevenLabsSampleRate)
	if err != nil {
		return nil, &narration.ProviderError{Provider: "elevenlabs", Err: err}
	}
	log.Debug().Int("bytes", len(wav)).Msg("elevenlabs speech generated")
	return wav, nil
}
