package assembly

import (
	"fmt"
	"regexp"
	"strings"

	"report-orchestrator/internal/fingerprint"
	"report-orchestrator/internal/models"
)

var executiveSummaryTitle = regexp.MustCompile(`(?i)executive summary`)

// FindExecutiveSummary returns the template section titled like an executive summary.
func FindExecutiveSummary(template models.TemplateSnapshot) (models.SectionSnapshot, bool) {
	for _, section := range template.Sections {
		if executiveSummaryTitle.MatchString(section.Title) {
			return section, true
		}
	}
	return models.SectionSnapshot{}, false
}

// SynthesizeExecutiveSummary rewrites the executive-summary section run from
// the first sentence of every other section. It reports false when the
// template has no such section or the section has no run.
func SynthesizeExecutiveSummary(template models.TemplateSnapshot, sectionRuns []models.SectionRun) (models.SectionRun, bool, error) {
	summary, ok := FindExecutiveSummary(template)
	if !ok {
		return models.SectionRun{}, false, nil
	}

	byTemplateSection := make(map[string]models.SectionRun, len(sectionRuns))
	for _, sr := range sectionRuns {
		byTemplateSection[sr.TemplateSectionID] = sr
	}
	target, ok := byTemplateSection[summary.ID]
	if !ok {
		return models.SectionRun{}, false, nil
	}

	bullets := make([]string, 0)
	for _, section := range OrderedSections(template) {
		if section.ID == summary.ID {
			continue
		}
		sr, ok := byTemplateSection[section.ID]
		if !ok {
			continue
		}
		if sentence := firstSentence(sr.FinalContent()); sentence != "" {
			bullets = append(bullets, fmt.Sprintf("- %s.", sentence))
		}
	}

	body := "- No prior section content available."
	if len(bullets) > 0 {
		body = strings.Join(bullets, "\n")
	}
	content := fmt.Sprintf("## %s\nSummary of prior sections:\n%s", summary.Title, body)

	synthesis, err := models.NewArtifact(models.ArtifactSynthesis, models.Synthesis{
		Title:       summary.Title,
		Bullets:     bullets,
		SourceCount: len(bullets),
	})
	if err != nil {
		return models.SectionRun{}, false, err
	}
	final, err := models.NewArtifact(models.ArtifactFinal, content)
	if err != nil {
		return models.SectionRun{}, false, err
	}

	artifacts := make([]models.Artifact, 0, len(target.Artifacts)+2)
	for _, a := range target.Artifacts {
		if a.Type == models.ArtifactFinal || a.Type == models.ArtifactSynthesis {
			continue
		}
		artifacts = append(artifacts, a)
	}
	target.Artifacts = append(artifacts, synthesis, final)
	target.OutputFingerprint = fingerprint.Fingerprint(content)
	return target, true, nil
}

func firstSentence(content string) string {
	return strings.TrimSpace(strings.SplitN(content, ".", 2)[0])
}
