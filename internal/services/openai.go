package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bobarin/proptour/internal/models"
	"github.com/bobarin/proptour/internal/narration"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const (
	openAIChatModel  = "gpt-5-mini"
	openAISpeechRate = 24000 // pcm responses are 24kHz 16-bit mono
	openAIVoice      = openai.VoiceAlloy
)

// OpenAIService writes tour scripts with chat completions and speaks them
// with the speech endpoint.
type OpenAIService struct {
	client *openai.Client
	voice  openai.SpeechVoice
}

var _ narration.Provider = (*OpenAIService)(nil)

// NewOpenAIService creates the client. baseURL is only set for proxies and tests.
func NewOpenAIService(apiKey, baseURL, voice string) *OpenAIService {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	v := openAIVoice
	if voice != "" {
		v = openai.SpeechVoice(voice)
	}
	return &OpenAIService{
		client: openai.NewClientWithConfig(cfg),
		voice:  v,
	}
}

// WriteScript drafts one narration line per scene.
func (s *OpenAIService) WriteScript(ctx context.Context, property models.PropertyDetails, scenes []models.SceneAssignment, budget time.Duration) ([]string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: openAIChatModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: buildScriptSystemPrompt(budget),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildScriptUserPrompt(property, scenes),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no response from openai")
	}

	raw := resp.Choices[0].Message.Content
	lines, err := parseScript(raw, len(scenes))
	if err != nil {
		log.Warn().Err(err).Str("raw", truncateString(raw, 2000)).Msg("openai script rejected")
		return nil, err
	}
	return lines, nil
}

// Synthesize speaks one narration line and returns WAV bytes.
func (s *OpenAIService) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if err := checkSpeechText(text); err != nil {
		return nil, err
	}

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return nil, openAIProviderError(err)
	}
	defer resp.Close()

	pcm, err := io.ReadAll(resp)
	if err != nil {
		return nil, &narration.ProviderError{Provider: "openai", Err: fmt.Errorf("read audio: %w", err)}
	}
	if len(pcm) < 2 {
		return nil, &narration.ProviderError{Provider: "openai", Err: errors.New("empty audio")}
	}

	wav, err := narration.PCM16ToWAV(pcm, openAISpeechRate)
	if err != nil {
		return nil, &narration.ProviderError{Provider: "openai", Err: err}
	}
	return wav, nil
}

func openAIProviderError(err error) error {
	pe := &narration.ProviderError{Provider: "openai", Err: err}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		pe.StatusCode = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		pe.StatusCode = reqErr.HTTPStatusCode
	}
	return pe
}
