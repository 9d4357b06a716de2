// Package assembly combines completed section outputs into the final report.
package assembly

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"report-orchestrator/internal/models"
)

// OrderedSections returns the template sections sorted by Order, keeping
// declaration order for ties.
func OrderedSections(template models.TemplateSnapshot) []models.SectionSnapshot {
	sections := append([]models.SectionSnapshot(nil), template.Sections...)
	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].Order < sections[j].Order
	})
	return sections
}

// AssembleFinalReport joins section FINAL contents in template order under a
// generated title and table of contents.
func AssembleFinalReport(template models.TemplateSnapshot, sectionRuns []models.SectionRun) models.FinalReport {
	byTemplateSection := make(map[string]models.SectionRun, len(sectionRuns))
	for _, sr := range sectionRuns {
		byTemplateSection[sr.TemplateSectionID] = sr
	}

	sections := OrderedSections(template)
	parts := make([]string, 0, len(sections))
	breakdown := make([]models.ReportSection, 0, len(sections))
	toc := make([]string, 0, len(sections))

	for i, section := range sections {
		content := ""
		if sr, ok := byTemplateSection[section.ID]; ok {
			content = sr.FinalContent()
		}
		toc = append(toc, fmt.Sprintf("- %d. %s", i+1, section.Title))
		parts = append(parts, withHeading(section.Title, content))
		breakdown = append(breakdown, models.ReportSection{ID: section.ID, Title: section.Title, Content: content})
	}

	var b strings.Builder
	b.WriteString("# Report\n\n## Table of Contents\n")
	b.WriteString(strings.Join(toc, "\n"))
	b.WriteString("\n\n")
	b.WriteString(strings.Join(parts, "\n\n"))

	return models.FinalReport{Content: b.String(), Sections: breakdown}
}

func withHeading(title, content string) string {
	heading := regexp.MustCompile(`(?i)^##\s+` + regexp.QuoteMeta(title))
	if heading.MatchString(strings.TrimSpace(content)) {
		return content
	}
	return fmt.Sprintf("## %s\n\n%s", title, content)
}
