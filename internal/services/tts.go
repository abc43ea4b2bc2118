package services

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/bobarin/proptour/internal/narration"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Speech providers
// ElevenLabs and OpenAI both implement narration.Provider and return WAV
// bytes, so the narration pipeline never sees provider specific formats.
// ---------------------------------------------------------------------------

// maxSpeechChars bounds a single narration line sent to a provider.
const maxSpeechChars = 1000

// ProviderChain tries each provider in order and returns the first success.
// A validation-style failure (empty text) is not retried.
type ProviderChain []narration.Provider

var _ narration.Provider = ProviderChain(nil)

func (c ProviderChain) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if err := checkSpeechText(text); err != nil {
		return nil, err
	}
	if len(c) == 0 {
		return nil, &narration.ProviderError{Provider: "chain", Err: errors.New("no speech provider configured")}
	}

	var errs []error
	for i, p := range c {
		audio, err := p.Synthesize(ctx, text)
		if err == nil {
			return audio, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		log.Warn().Err(err).Int("provider", i).Msg("speech provider failed, trying next")
		errs = append(errs, err)
	}
	if len(errs) == 1 {
		return nil, errs[0]
	}
	return nil, &narration.ProviderError{Provider: "chain", Err: errors.Join(errs...)}
}

func checkSpeechText(text string) error {
	if text == "" {
		return &narration.ProviderError{Provider: "speech", Err: errors.New("empty text")}
	}
	if n := utf8.RuneCountInString(text); n > maxSpeechChars {
		return &narration.ProviderError{Provider: "speech", Err: errors.New("text exceeds provider limit")}
	}
	return nil
}
