package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"report-orchestrator/internal/models"
	"report-orchestrator/internal/policy"
)

// DraftRequest carries everything the writer sees for one section.
type DraftRequest struct {
	Section  models.SectionSnapshot
	Evidence []models.EvidenceItem
	Tools    models.ToolConfig
	Input    models.RunInput
	Prompts  models.PromptBundle
}

// Drafter writes section drafts with the model, or locally without one.
type Drafter struct {
	client Client
}

// NewDrafter returns a drafter. A nil client selects the local fallback.
func NewDrafter(client Client) *Drafter {
	return &Drafter{client: client}
}

// Draft returns section markdown.
func (d *Drafter) Draft(ctx context.Context, req DraftRequest) (string, error) {
	if d == nil || d.client == nil {
		return FallbackDraft(req.Section, req.Evidence), nil
	}
	tmpl, err := Prompt("write-section")
	if err != nil {
		return "", err
	}
	prompt := Format(tmpl, map[string]string{
		"System":        req.Prompts.System,
		"Developer":     req.Prompts.Developer,
		"Topic":         req.Input.Topic,
		"Title":         req.Section.Title,
		"Purpose":       req.Section.Purpose,
		"OutputFormat":  orDefault(req.Section.OutputFormat, "NARRATIVE"),
		"Policy":        string(req.Section.EvidencePolicy.OrDefault()),
		"CitationStyle": orDefault(req.Section.CitationStyle(), "sources"),
		"Instructions":  joinNonEmpty("\n", req.Section.Prompt, req.Prompts.Write, variablesBlock(req.Input.Variables)),
		"Evidence":      evidenceBlock(req.Evidence),
	})
	text, err := d.client.GenerateContent(ctx, prompt, TierAdvanced)
	if err != nil {
		return "", fmt.Errorf("draft section %q: %w", req.Section.Title, err)
	}
	return strings.TrimSpace(text), nil
}

// FallbackDraft is the deterministic draft used without a model.
func FallbackDraft(section models.SectionSnapshot, evidence []models.EvidenceItem) string {
	p := section.EvidencePolicy.OrDefault()
	lines := []string{fmt.Sprintf("### %s", section.Title)}
	if section.Purpose != "" {
		lines = append(lines, section.Purpose)
	}
	lines = append(lines, fmt.Sprintf("Evidence policy: %s.", p))
	if len(evidence) == 0 && policy.RequiresEvidence(p) {
		lines = append(lines, "Open questions: evidence required but not available.")
	}
	if len(evidence) > 0 {
		lines = append(lines, fmt.Sprintf("Key point supported by evidence [citation:%s].", evidence[0].ID))
	}

	sources := make([]string, 0)
	for _, item := range evidence {
		if item.Kind == models.EvidenceWeb {
			sources = append(sources, fmt.Sprintf("- [citation:%s] %s", item.ID, item.URL()))
		}
	}
	if len(sources) > 0 {
		header := "Sources"
		switch section.CitationStyle() {
		case "endnotes":
			header = "References"
		case "footnotes":
			header = "Footnotes"
		}
		lines = append(lines, header+":\n"+strings.Join(sources, "\n"))
	}
	return strings.Join(lines, "\n\n")
}

func evidenceBlock(evidence []models.EvidenceItem) string {
	if len(evidence) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, item := range evidence {
		fmt.Fprintf(&b, "[%s] (%s) %s", item.ID, item.Kind, item.Content)
		if u := item.URL(); u != "" {
			fmt.Fprintf(&b, " <%s>", u)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func variablesBlock(vars map[string]any) string {
	if len(vars) == 0 {
		return ""
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return ""
	}
	return "Run variables: " + string(raw)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func joinNonEmpty(sep string, parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
