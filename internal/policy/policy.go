// Package policy enforces section evidence policies against drafted content.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"report-orchestrator/internal/models"
)

var citationPattern = regexp.MustCompile(`\[citation:([^\]]+)\]`)

// Input is everything the engine needs to judge one draft.
type Input struct {
	Policy           models.EvidencePolicy
	Markdown         string
	Evidence         []models.EvidenceItem
	Claims           []models.Claim
	NoNewFacts       bool
	EnforceCitations bool
	VectorInvoked    bool
	WebInvoked       bool
}

// Result is the engine verdict.
type Result struct {
	Pass   bool     `json:"pass"`
	Issues []string `json:"issues"`
}

// RequiresEvidence reports whether the policy forbids evidence-free drafts.
func RequiresEvidence(p models.EvidencePolicy) bool {
	switch p {
	case models.PolicyVectorOnly, models.PolicyWebOnly, models.PolicyVectorLLM,
		models.PolicyWebLLM, models.PolicyVectorWeb, models.PolicyAll:
		return true
	}
	return false
}

// RequiresWeb reports whether at least one web item must back the draft.
func RequiresWeb(p models.EvidencePolicy) bool {
	switch p {
	case models.PolicyWebOnly, models.PolicyWebLLM, models.PolicyVectorWeb, models.PolicyAll:
		return true
	}
	return false
}

func known(p models.EvidencePolicy) bool {
	return p == models.PolicyLLMOnly || p == models.PolicySynthesisOnly || RequiresEvidence(p)
}

// Enforce evaluates the draft against its policy. It performs no I/O.
func Enforce(in Input) Result {
	policy := in.Policy.OrDefault()
	issues := make([]string, 0)

	if !known(policy) {
		issues = append(issues, fmt.Sprintf("Unknown evidence policy: %s.", policy))
		return Result{Pass: false, Issues: issues}
	}

	hasEvidence := len(in.Evidence) > 0
	if RequiresEvidence(policy) && !hasEvidence {
		if in.VectorInvoked || in.WebInvoked {
			issues = append(issues, fmt.Sprintf("Evidence required but retrieval returned none (vector=%t, web=%t).", in.VectorInvoked, in.WebInvoked))
		} else {
			issues = append(issues, "Evidence required but none provided.")
		}
	}

	if policy == models.PolicySynthesisOnly {
		if hasEvidence {
			issues = append(issues, "Synthesis-only sections must not include new evidence.")
		}
		if in.NoNewFacts && strings.TrimSpace(in.Markdown) == "" {
			issues = append(issues, "Synthesis-only section has no content.")
		}
	}

	if in.EnforceCitations && RequiresEvidence(policy) && hasEvidence {
		cited := CitedIDs(in.Markdown)
		missing := map[string]bool{}
		for _, claim := range in.Claims {
			if len(claim.EvidenceIDs) == 0 {
				issues = append(issues, fmt.Sprintf("Claim missing evidence: %s", claim.Text))
				continue
			}
			for _, id := range claim.EvidenceIDs {
				if !cited[id] && !missing[id] {
					missing[id] = true
					issues = append(issues, fmt.Sprintf("Missing citation for evidence id: %s.", id))
				}
			}
		}
	}

	if in.NoNewFacts && policy != models.PolicySynthesisOnly {
		for _, claim := range in.Claims {
			if len(claim.EvidenceIDs) == 0 {
				issues = append(issues, fmt.Sprintf("Claim not grounded in evidence: %s", claim.Text))
			}
		}
	}

	if RequiresWeb(policy) && !hasKind(in.Evidence, models.EvidenceWeb) {
		issues = append(issues, "Web evidence required but none found.")
	}

	return Result{Pass: len(issues) == 0, Issues: issues}
}

// CitedIDs returns the evidence ids referenced as [citation:<id>].
func CitedIDs(markdown string) map[string]bool {
	out := map[string]bool{}
	for _, m := range citationPattern.FindAllStringSubmatch(markdown, -1) {
		out[strings.TrimSpace(m[1])] = true
	}
	return out
}

func hasKind(items []models.EvidenceItem, kind string) bool {
	for _, item := range items {
		if item.Kind == kind {
			return true
		}
	}
	return false
}
