package orchestrator

import (
	"github.com/google/uuid"

	"report-orchestrator/internal/assembly"
	"report-orchestrator/internal/models"
)

// RunRequest is everything frozen into a new run.
type RunRequest struct {
	ID        string                    `json:"id,omitempty" yaml:"id"`
	Template  models.TemplateSnapshot   `json:"template" yaml:"template"`
	Profile   *models.GenerationProfile `json:"profile,omitempty" yaml:"profile"`
	PromptSet *models.PromptSet         `json:"promptSet,omitempty" yaml:"promptSet"`
	Input     models.RunInput           `json:"input" yaml:"input"`
}

// NewRun snapshots the request into a QUEUED run with one section run per
// template section, in template order.
func NewRun(req RunRequest) (models.Run, []models.SectionRun) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	template := req.Template
	run := models.Run{
		ID:                id,
		Status:            models.StatusQueued,
		TemplateSnapshot:  &template,
		ProfileSnapshot:   req.Profile,
		PromptSetSnapshot: req.PromptSet,
		Input:             req.Input,
	}
	sections := make([]models.SectionRun, 0, len(template.Sections))
	for _, s := range assembly.OrderedSections(template) {
		sections = append(sections, models.SectionRun{
			ID:                uuid.New().String(),
			RunID:             id,
			TemplateSectionID: s.ID,
			Title:             s.Title,
			Status:            models.StatusQueued,
		})
	}
	return run, sections
}
