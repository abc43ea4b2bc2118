package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bobarin/proptour/internal/models"
)

// wordsPerSecond is a conservative narration pace used to size script lines.
const wordsPerSecond = 2.3

// ErrScriptShape is returned when a model answers with the wrong number of lines.
var ErrScriptShape = errors.New("script does not match scene count")

type scriptResponse struct {
	Lines []string `json:"lines"`
}

// maxWords is the longest line that comfortably fits one scene.
func maxWords(budget time.Duration) int {
	n := int(math.Floor(budget.Seconds() * wordsPerSecond))
	if n < 4 {
		n = 4
	}
	return n
}

func buildScriptSystemPrompt(budget time.Duration) string {
	return fmt.Sprintf(`You write narration for real estate video tours.
Each scene shows one room for %.1f seconds. Write exactly one sentence per scene,
at most %d words, spoken by a warm professional agent. Mention the room naturally,
highlight what a buyer would notice, never invent measurements or prices.

Respond with JSON only: {"lines": ["sentence for scene 1", "sentence for scene 2", ...]}`,
		budget.Seconds(), maxWords(budget))
}

func buildScriptUserPrompt(property models.PropertyDetails, scenes []models.SceneAssignment) string {
	var b strings.Builder
	b.WriteString("PROPERTY\n")
	writeField(&b, "Address", property.Address)
	writeField(&b, "City", property.City)
	writeField(&b, "Status", property.Status)
	writeField(&b, "Details", property.Details)
	writeField(&b, "Brand", property.BrandName)
	writeField(&b, "Agent", property.AgentName)

	fmt.Fprintf(&b, "\nSCENES (%d, in order)\n", len(scenes))
	for i, s := range scenes {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.DisplayLabel)
	}
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	if value = strings.TrimSpace(value); value != "" {
		fmt.Fprintf(b, "%s: %s\n", name, value)
	}
}

// parseScript decodes a model answer and checks it has one non-empty line per scene.
func parseScript(raw string, scenes int) ([]string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var resp scriptResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if len(resp.Lines) != scenes {
		return nil, fmt.Errorf("%w: expected %d, received %d", ErrScriptShape, scenes, len(resp.Lines))
	}
	lines := make([]string, len(resp.Lines))
	for i, line := range resp.Lines {
		lines[i] = strings.TrimSpace(line)
		if lines[i] == "" {
			return nil, fmt.Errorf("%w: scene %d is empty", ErrScriptShape, i+1)
		}
	}
	return lines, nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
