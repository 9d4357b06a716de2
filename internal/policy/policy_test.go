package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-orchestrator/internal/models"
)

func TestEnforce_EvidenceRequiredPolicies(t *testing.T) {
	required := []models.EvidencePolicy{
		models.PolicyVectorOnly,
		models.PolicyWebOnly,
		models.PolicyVectorLLM,
		models.PolicyWebLLM,
		models.PolicyVectorWeb,
		models.PolicyAll,
	}
	for _, p := range required {
		t.Run(string(p), func(t *testing.T) {
			for _, invoked := range []bool{false, true} {
				res := Enforce(Input{
					Policy:        p,
					Markdown:      "Some draft.",
					VectorInvoked: invoked,
					WebInvoked:    invoked,
				})
				assert.False(t, res.Pass)
				assert.NotEmpty(t, res.Issues)
			}
		})
	}
}

func TestEnforce_LLMOnlyPassesWithoutEvidence(t *testing.T) {
	res := Enforce(Input{Policy: models.PolicyLLMOnly, Markdown: "A. B."})
	assert.True(t, res.Pass)
	assert.Empty(t, res.Issues)

	res = Enforce(Input{Markdown: "Default policy."})
	assert.True(t, res.Pass)
}

func TestEnforce_SynthesisOnly(t *testing.T) {
	evidence := []models.EvidenceItem{{ID: "e1", Kind: models.EvidenceVector}}

	res := Enforce(Input{Policy: models.PolicySynthesisOnly, Markdown: "x", Evidence: evidence})
	assert.False(t, res.Pass)

	res = Enforce(Input{Policy: models.PolicySynthesisOnly, Markdown: "  ", NoNewFacts: true})
	assert.False(t, res.Pass)
	assert.Contains(t, res.Issues, "Synthesis-only section has no content.")

	res = Enforce(Input{
		Policy:     models.PolicySynthesisOnly,
		Markdown:   "Summary of prior sections.",
		NoNewFacts: true,
		Claims:     []models.Claim{{Text: "Summary of prior sections", EvidenceIDs: []string{}}},
	})
	assert.True(t, res.Pass)
}

func TestEnforce_CitationEnforcement(t *testing.T) {
	evidence := []models.EvidenceItem{{ID: "e1", Kind: models.EvidenceVector}}

	draft := "Revenue grew [citation:e1]."
	claims := BuildClaims(draft, evidence)
	res := Enforce(Input{
		Policy:           models.PolicyVectorOnly,
		Markdown:         draft,
		Evidence:         evidence,
		Claims:           claims,
		EnforceCitations: true,
	})
	assert.True(t, res.Pass, res.Issues)

	uncited := "Revenue grew."
	res = Enforce(Input{
		Policy:           models.PolicyVectorOnly,
		Markdown:         uncited,
		Evidence:         evidence,
		Claims:           BuildClaims(uncited, evidence),
		EnforceCitations: true,
	})
	assert.False(t, res.Pass)
	assert.Contains(t, res.Issues, "Missing citation for evidence id: e1.")

	res = Enforce(Input{
		Policy:           models.PolicyVectorOnly,
		Markdown:         draft,
		Evidence:         evidence,
		Claims:           []models.Claim{{Text: "orphan"}},
		EnforceCitations: true,
	})
	assert.False(t, res.Pass)
	assert.Contains(t, res.Issues, "Claim missing evidence: orphan")
}

func TestEnforce_NoNewFactsFlagsUnlinkedClaims(t *testing.T) {
	res := Enforce(Input{
		Policy:     models.PolicyLLMOnly,
		Markdown:   "Invented fact.",
		Claims:     BuildClaims("Invented fact.", nil),
		NoNewFacts: true,
	})
	require.False(t, res.Pass)
	assert.Contains(t, res.Issues, "Claim not grounded in evidence: Invented fact")
}

func TestEnforce_WebPolicyNeedsWebEvidence(t *testing.T) {
	evidence := []models.EvidenceItem{{ID: "v1", Kind: models.EvidenceVector}}
	res := Enforce(Input{Policy: models.PolicyVectorWeb, Markdown: "x", Evidence: evidence})
	assert.False(t, res.Pass)
	assert.Contains(t, res.Issues, "Web evidence required but none found.")

	evidence = append(evidence, models.EvidenceItem{ID: "w1", Kind: models.EvidenceWeb})
	res = Enforce(Input{Policy: models.PolicyVectorWeb, Markdown: "x", Evidence: evidence})
	assert.True(t, res.Pass)
}

func TestEnforce_UnknownPolicy(t *testing.T) {
	res := Enforce(Input{Policy: "SOMETHING"})
	assert.False(t, res.Pass)
	assert.Len(t, res.Issues, 1)
}

func TestBuildClaims(t *testing.T) {
	evidence := []models.EvidenceItem{{ID: "a"}, {ID: "b"}}
	claims := BuildClaims("First point [citation:b]. Second point.  .", evidence)
	require.Len(t, claims, 2)
	assert.Equal(t, []string{"b"}, claims[0].EvidenceIDs)
	assert.Equal(t, []string{"a"}, claims[1].EvidenceIDs)
	assert.Equal(t, "Second point", claims[1].Text)

	claims = BuildClaims("No evidence here.", nil)
	require.Len(t, claims, 1)
	assert.Empty(t, claims[0].EvidenceIDs)
}
