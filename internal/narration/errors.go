package narration

import (
	"errors"
	"fmt"
	"time"
)

var ErrInProgress = errors.New("talk track synthesis already in progress")

// ValidationError is a caller mistake in the submitted script. Scene is
// 1-based and zero when the error is not scene specific.
type ValidationError struct {
	Scene   int
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// TooLongError reports a narration line that does not fit its scene.
type TooLongError struct {
	Scene    int
	Duration time.Duration
	Budget   time.Duration
}

func (e *TooLongError) Error() string {
	return fmt.Sprintf("narration for scene %d is too long: %.2fs exceeds the %.2fs scene budget; shorten that line",
		e.Scene, e.Duration.Seconds(), e.Budget.Seconds())
}

// ProviderError is a failure of the speech provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s speech synthesis failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s speech synthesis failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
