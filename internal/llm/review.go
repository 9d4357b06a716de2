package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"report-orchestrator/internal/models"
)

// VerifyRequest is the input of a model verification pass.
type VerifyRequest struct {
	SectionTitle string
	Policy       models.EvidencePolicy
	Evidence     []models.EvidenceItem
	Draft        string
	Instructions string
}

// Verifier asks the model to flag unsupported claims.
type Verifier struct {
	client Client
}

// NewVerifier returns a verifier. A nil client makes it unavailable.
func NewVerifier(client Client) *Verifier {
	return &Verifier{client: client}
}

// Available reports whether a model is configured.
func (v *Verifier) Available() bool {
	return v != nil && v.client != nil
}

// Verify returns the issues found by the model.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) ([]string, error) {
	if !v.Available() {
		return nil, fmt.Errorf("verifier has no model client")
	}
	tmpl, err := Prompt("verify-section")
	if err != nil {
		return nil, err
	}
	prompt := Format(tmpl, map[string]string{
		"Title":        req.SectionTitle,
		"Policy":       string(req.Policy.OrDefault()),
		"Instructions": req.Instructions,
		"Evidence":     evidenceBlock(req.Evidence),
		"Draft":        req.Draft,
	})
	raw, err := v.client.GenerateJSON(ctx, prompt, TierStandard)
	if err != nil {
		return nil, fmt.Errorf("verify section %q: %w", req.SectionTitle, err)
	}
	var out struct {
		Issues []string `json:"issues"`
	}
	if err := json.Unmarshal([]byte(CleanJSONBlock(raw)), &out); err != nil {
		return nil, fmt.Errorf("parse verification response: %w", err)
	}
	return out.Issues, nil
}

// ReviewRequest is the input of a reviewer pass.
type ReviewRequest struct {
	SectionTitle        string
	Draft               string
	VerificationSummary string
}

// Reviewer produces qualitative feedback for a section.
type Reviewer struct {
	client Client
}

// NewReviewer returns a reviewer. A nil client selects the local fallback.
func NewReviewer(client Client) *Reviewer {
	return &Reviewer{client: client}
}

const fallbackReview = "Checklist:\n- Confirm the section covers its stated purpose\n- Check every claim against cited evidence\nRisk Flags:\n- None\nConfidence: 0.6"

// Review never fails: a model error degrades to the local review text.
func (r *Reviewer) Review(ctx context.Context, req ReviewRequest) models.Review {
	if r == nil || r.client == nil {
		return ParseReview(fallbackReview)
	}
	tmpl, err := Prompt("review-section")
	if err != nil {
		log.Printf("[reviewer] %v", err)
		return ParseReview(fallbackReview)
	}
	prompt := Format(tmpl, map[string]string{
		"Title":        req.SectionTitle,
		"Verification": orDefault(req.VerificationSummary, "no issues"),
		"Draft":        req.Draft,
	})
	text, err := r.client.GenerateContent(ctx, prompt, TierLite)
	if err != nil {
		log.Printf("[reviewer] section %q: %v", req.SectionTitle, err)
		review := ParseReview(fallbackReview)
		review.RiskFlags = []string{"Reviewer not available"}
		return review
	}
	return ParseReview(text)
}

// ParseReview reads the Checklist / Risk Flags / Confidence text format.
func ParseReview(text string) models.Review {
	review := models.Review{Checklist: []string{}, RiskFlags: []string{}, Raw: text}
	var current *[]string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "checklist"):
			current = &review.Checklist
		case strings.HasPrefix(lower, "risk flags"):
			current = &review.RiskFlags
		case strings.HasPrefix(lower, "confidence"):
			current = nil
			if idx := strings.Index(trimmed, ":"); idx >= 0 {
				if f, err := strconv.ParseFloat(strings.TrimSpace(trimmed[idx+1:]), 64); err == nil {
					review.Confidence = f
				}
			}
		case strings.HasPrefix(trimmed, "-") && current != nil:
			item := strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
			if item != "" && !strings.EqualFold(item, "none") {
				*current = append(*current, item)
			}
		}
	}
	return review
}
