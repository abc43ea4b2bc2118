package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bobarin/proptour/internal/models"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const geminiModel = "gemini-2.5-flash"

// GeminiService writes tour scripts with the Gemini API.
type GeminiService struct {
	client *genai.Client
	model  string
}

// NewGeminiService creates the client. baseURL is only set for proxies and tests.
func NewGeminiService(ctx context.Context, apiKey, baseURL string) (*GeminiService, error) {
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiService{client: client, model: geminiModel}, nil
}

// WriteScript drafts one narration line per scene.
func (s *GeminiService) WriteScript(ctx context.Context, property models.PropertyDetails, scenes []models.SceneAssignment, budget time.Duration) ([]string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: buildScriptSystemPrompt(budget)}},
		},
		ResponseMIMEType: "application/json",
	}

	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(buildScriptUserPrompt(property, scenes)), config)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	raw := resp.Text()
	if raw == "" {
		return nil, errors.New("no response from gemini")
	}
	lines, err := parseScript(raw, len(scenes))
	if err != nil {
		log.Warn().Err(err).Str("raw", truncateString(raw, 2000)).Msg("gemini script rejected")
		return nil, err
	}
	return lines, nil
}
