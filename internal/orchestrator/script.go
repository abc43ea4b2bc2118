package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/proptour/internal/models"
	"github.com/rs/zerolog/log"
)

// ScriptWriter drafts one narration line per scene. Lines are reviewed and
// edited by the caller before synthesis.
type ScriptWriter interface {
	WriteScript(ctx context.Context, property models.PropertyDetails, scenes []models.SceneAssignment, budget time.Duration) ([]string, error)
}

var roomSentences = map[models.RoomLabel]string{
	models.RoomExterior:   "Welcome to %s, with inviting curb appeal from the very first look.",
	models.RoomLivingRoom: "The living room offers a comfortable space to relax and gather.",
	models.RoomKitchen:    "The kitchen is ready for everyday meals and easy entertaining.",
	models.RoomDiningRoom: "The dining room sets the scene for shared dinners.",
	models.RoomBedroom:    "This bedroom is a calm retreat at the end of the day.",
	models.RoomBathroom:   "The bathroom is clean, bright and well kept.",
	models.RoomBackyard:   "Step outside to a backyard made for fresh air and downtime.",
	models.RoomOffice:     "A dedicated office makes working from home simple.",
	models.RoomGarage:     "The garage adds parking and practical storage.",
}

// TemplateWriter produces a fixed sentence per room label. It never fails and
// backs up the model-based writers.
type TemplateWriter struct{}

func (TemplateWriter) WriteScript(_ context.Context, property models.PropertyDetails, scenes []models.SceneAssignment, _ time.Duration) ([]string, error) {
	place := strings.TrimSpace(property.Address)
	if place == "" {
		place = "this home"
	}

	lines := make([]string, len(scenes))
	for i, s := range scenes {
		tmpl, ok := roomSentences[s.Room]
		switch {
		case ok && s.Room == models.RoomExterior:
			lines[i] = fmt.Sprintf(tmpl, place)
		case ok:
			lines[i] = tmpl
		default:
			lines[i] = fmt.Sprintf("Take a look at the %s.", strings.ToLower(s.DisplayLabel))
		}
	}
	return lines, nil
}

// writeScript asks the configured writer and falls back to the templates.
func (o *Orchestrator) writeScript(ctx context.Context, job *models.Job) []string {
	budget := job.Settings.SceneDuration()
	if o.writer != nil {
		lines, err := o.writer.WriteScript(ctx, job.Property, job.Scenes, budget)
		if err == nil && len(lines) == len(job.Scenes) {
			return lines
		}
		log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("script writer failed, using templates")
	}
	lines, _ := TemplateWriter{}.WriteScript(ctx, job.Property, job.Scenes, budget)
	return lines
}
