// Package fingerprint hashes section outputs and records the inputs a run
// depended on, so a later run can tell which sections need regenerating.
package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"
	"time"

	"report-orchestrator/internal/models"
)

// Fingerprint returns the SHA-1 hex digest of content, or "" for empty content.
func Fingerprint(content string) string {
	if content == "" {
		return ""
	}
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// RetrievalQueries returns the queries used to retrieve evidence for a section.
func RetrievalQueries(section models.SectionSnapshot) []string {
	return []string{section.Title}
}

// BuildSnapshot captures the dependency snapshot of an assembled run.
func BuildSnapshot(runID string, template models.TemplateSnapshot, blueprint *models.Blueprint, sectionRuns []models.SectionRun) models.DependencySnapshot {
	byTemplateSection := make(map[string]models.SectionRun, len(sectionRuns))
	for _, sr := range sectionRuns {
		byTemplateSection[sr.TemplateSectionID] = sr
	}

	assumptions := []string{}
	if blueprint != nil && blueprint.Assumptions != nil {
		assumptions = append(assumptions, blueprint.Assumptions...)
	}

	queries := make(map[string][]string, len(template.Sections))
	outputs := make(map[string]string, len(template.Sections))
	for _, section := range template.Sections {
		queries[section.ID] = RetrievalQueries(section)
		sr, ok := byTemplateSection[section.ID]
		if !ok {
			outputs[section.ID] = ""
			continue
		}
		outputs[section.ID] = Fingerprint(sr.FinalContent())
	}

	return models.DependencySnapshot{
		RunID:                     runID,
		TemplateID:                template.ID,
		BlueprintAssumptions:      assumptions,
		RetrievalQueriesBySection: queries,
		SectionOutputs:            outputs,
		CreatedAt:                 time.Now().UTC(),
	}
}
