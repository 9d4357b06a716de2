package orchestrator

import (
	"strings"
	"time"

	"report-orchestrator/internal/models"
)

// BuildBlueprint derives the run-wide assumptions every section is written
// against.
func BuildBlueprint(run models.Run, now time.Time) models.Blueprint {
	assumptions := []string{}
	if run.TemplateSnapshot != nil {
		assumptions = append(assumptions, "Template: "+run.TemplateSnapshot.Name)
	}
	if topic := strings.TrimSpace(run.Input.Topic); topic != "" {
		assumptions = append(assumptions, "Topic: "+topic)
	}
	return models.Blueprint{
		Glossary:    []string{},
		Assumptions: assumptions,
		Scope:       []string{"Generate sections per template definition."},
		NonGoals:    []string{},
		Boundaries:  []string{},
		CreatedAt:   now,
	}
}

// BlueprintGuidance renders a blueprint as prompt text, or "" when there is
// nothing to say.
func BlueprintGuidance(bp *models.Blueprint) string {
	if bp == nil {
		return ""
	}
	var b strings.Builder
	block := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(title + ":\n")
		for _, item := range items {
			b.WriteString("- " + item + "\n")
		}
	}
	block("Assumptions", bp.Assumptions)
	block("Scope", bp.Scope)
	block("Non-goals", bp.NonGoals)
	block("Boundaries", bp.Boundaries)
	block("Glossary", bp.Glossary)
	return strings.TrimSpace(b.String())
}
