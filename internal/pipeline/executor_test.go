package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-orchestrator/internal/fingerprint"
	"report-orchestrator/internal/llm"
	"report-orchestrator/internal/models"
	"report-orchestrator/internal/retrieval"
)

type fakeRetriever struct {
	items []models.EvidenceItem
	err   error
	reqs  []retrieval.Request
}

func (f *fakeRetriever) Retrieve(_ context.Context, req retrieval.Request) ([]models.EvidenceItem, error) {
	f.reqs = append(f.reqs, req)
	return f.items, f.err
}

type fakeVerifier struct {
	issues []string
	err    error
}

func (f *fakeVerifier) Available() bool { return true }

func (f *fakeVerifier) Verify(context.Context, llm.VerifyRequest) ([]string, error) {
	return f.issues, f.err
}

func boolPtr(b bool) *bool { return &b }

func artifactTypes(sr models.SectionRun) []models.ArtifactType {
	out := make([]models.ArtifactType, 0, len(sr.Artifacts))
	for _, a := range sr.Artifacts {
		out = append(out, a.Type)
	}
	return out
}

func baseInput(policy models.EvidencePolicy) Input {
	section := models.SectionSnapshot{ID: "s1", Title: "Market", Purpose: "Size the market.", EvidencePolicy: policy}
	return Input{
		SectionRun: models.SectionRun{ID: "sr-1", RunID: "run-1", TemplateSectionID: "s1", Status: models.StatusRunning},
		Section:    section,
		Template:   models.TemplateSnapshot{ID: "tpl", Name: "Market", Sections: []models.SectionSnapshot{section}},
	}
}

func TestEnabled_Defaults(t *testing.T) {
	var profile models.GenerationProfile
	assert.True(t, Enabled(profile, StagePlan))
	assert.True(t, Enabled(profile, StageRetrieve))
	assert.True(t, Enabled(profile, StageWrite))
	assert.True(t, Enabled(profile, StageClaims))
	assert.True(t, Enabled(profile, StagePolicy))
	assert.True(t, Enabled(profile, StageScore))
	assert.False(t, Enabled(profile, StageVerify))
	assert.False(t, Enabled(profile, StageRepair))
	assert.False(t, Enabled(profile, StageReview))
	assert.False(t, Enabled(profile, Stage("unknown")))
}

func TestEnabled_TogglesAndStageConfig(t *testing.T) {
	profile := models.GenerationProfile{
		Toggles: models.ProfileToggles{EnableVerification: true, EnableRepair: true},
		StageConfig: map[string]models.StageSetting{
			"repair": {Enabled: boolPtr(false)},
			"review": {},
			"plan":   {Enabled: boolPtr(false)},
			"score":  {Enabled: boolPtr(false)},
			"verify": {Enabled: boolPtr(true)},
		},
	}
	assert.True(t, Enabled(profile, StageVerify))
	assert.False(t, Enabled(profile, StageRepair))
	assert.True(t, Enabled(profile, StageReview), "a stageConfig entry without enabled turns the stage on")
	assert.False(t, Enabled(profile, StagePlan))
	assert.True(t, Enabled(profile, StageScore), "score always runs")
}

func TestRunSection_DefaultProfile(t *testing.T) {
	retriever := &fakeRetriever{items: []models.EvidenceItem{
		{ID: "e1", Kind: models.EvidenceVector, Content: "The market grew."},
	}}
	exec := NewExecutor(retriever, nil, nil, nil)
	in := baseInput(models.PolicyVectorLLM)
	in.Template.DefaultVectorStoreIDs = []string{"vs-1"}

	out, err := exec.RunSection(context.Background(), in)
	require.NoError(t, err)

	sr := out.SectionRun
	assert.Equal(t, models.StatusCompleted, sr.Status)
	assert.Equal(t, 1, sr.AttemptCount)
	assert.Equal(t, []models.ArtifactType{
		models.ArtifactPlan, models.ArtifactEvidence, models.ArtifactDraft,
		models.ArtifactFinal, models.ArtifactClaims, models.ArtifactProvenance,
		models.ArtifactScores, models.ArtifactPromptsUsed,
	}, artifactTypes(sr))

	final := sr.FinalContent()
	assert.Contains(t, final, "[citation:e1]")
	assert.Equal(t, fingerprint.Fingerprint(final), sr.OutputFingerprint)

	require.Len(t, retriever.reqs, 1)
	assert.Equal(t, "Market", retriever.reqs[0].Query)
	assert.Equal(t, []string{"vs-1"}, retriever.reqs[0].Tools.VectorStoreIDs)

	assert.True(t, out.Policy.Pass)
	var prov models.Provenance
	a, ok := sr.Artifact(models.ArtifactProvenance)
	require.True(t, ok)
	require.NoError(t, a.Decode(&prov))
	assert.Equal(t, models.PolicyVectorLLM, prov.Policy)
	assert.True(t, prov.PolicyPass)
	assert.Equal(t, []string{"e1"}, prov.EvidenceIDs)
}

func TestRunSection_MissingEvidenceIsRepaired(t *testing.T) {
	exec := NewExecutor(&fakeRetriever{}, nil, nil, nil)
	in := baseInput(models.PolicyVectorOnly)
	in.Template.DefaultVectorStoreIDs = []string{"vs-1"}
	in.Profile = models.GenerationProfile{Toggles: models.ProfileToggles{
		EnableVerification: true, EnableRepair: true, EnableReviewer: true,
	}}

	out, err := exec.RunSection(context.Background(), in)
	require.NoError(t, err)

	sr := out.SectionRun
	assert.Equal(t, []models.ArtifactType{
		models.ArtifactPlan, models.ArtifactEvidence, models.ArtifactDraft,
		models.ArtifactVerification, models.ArtifactReview,
		models.ArtifactFinal, models.ArtifactClaims, models.ArtifactProvenance,
		models.ArtifactScores, models.ArtifactPromptsUsed,
	}, artifactTypes(sr))

	draft, _ := sr.Artifact(models.ArtifactDraft)
	assert.Contains(t, draft.Text(), "Open questions: evidence required but not available.")

	issue := "Evidence required but retrieval returned none (vector=true, web=false)."
	assert.False(t, out.Policy.Pass)
	assert.Equal(t, []string{issue}, out.Policy.Issues)

	var verification models.VerificationResult
	a, _ := sr.Artifact(models.ArtifactVerification)
	require.NoError(t, a.Decode(&verification))
	assert.False(t, verification.Pass)
	assert.Equal(t, []string{issue}, verification.Issues)

	assert.Equal(t, draft.Text()+"\n\nRepairs applied:\n- "+issue, sr.FinalContent())
	assert.Equal(t, models.Score{}, out.Score)
}

func TestRunSection_ModelVerificationMerged(t *testing.T) {
	exec := NewExecutor(nil, nil, &fakeVerifier{issues: []string{"Unsupported figure."}}, nil)
	in := baseInput(models.PolicyLLMOnly)
	in.Profile = models.GenerationProfile{Toggles: models.ProfileToggles{EnableVerification: true}}

	out, err := exec.RunSection(context.Background(), in)
	require.NoError(t, err)

	var verification models.VerificationResult
	a, ok := out.SectionRun.Artifact(models.ArtifactVerification)
	require.True(t, ok)
	require.NoError(t, a.Decode(&verification))
	assert.False(t, verification.Pass)
	assert.Equal(t, []string{"Unsupported figure."}, verification.Issues)

	// Repair is off, so FINAL stays the draft.
	draft, _ := out.SectionRun.Artifact(models.ArtifactDraft)
	assert.Equal(t, draft.Text(), out.SectionRun.FinalContent())
}

func TestRunSection_VerifierErrorFallsBackToPolicy(t *testing.T) {
	exec := NewExecutor(nil, nil, &fakeVerifier{err: errors.New("quota")}, nil)
	in := baseInput(models.PolicyLLMOnly)
	in.Profile = models.GenerationProfile{Toggles: models.ProfileToggles{EnableVerification: true, EnableRepair: true}}

	out, err := exec.RunSection(context.Background(), in)
	require.NoError(t, err)

	var verification models.VerificationResult
	a, _ := out.SectionRun.Artifact(models.ArtifactVerification)
	require.NoError(t, a.Decode(&verification))
	assert.True(t, verification.Pass)
	assert.Empty(t, verification.Issues)
	assert.NotContains(t, out.SectionRun.FinalContent(), "Repairs applied")
}

func TestRunSection_RetrieveDisabled(t *testing.T) {
	retriever := &fakeRetriever{items: []models.EvidenceItem{{ID: "e1", Kind: models.EvidenceVector}}}
	exec := NewExecutor(retriever, nil, nil, nil)
	in := baseInput(models.PolicyVectorWeb)
	in.Template.DefaultVectorStoreIDs = []string{"vs-1"}
	in.Profile = models.GenerationProfile{StageConfig: map[string]models.StageSetting{
		"retrieve": {Enabled: boolPtr(false)},
		"plan":     {Enabled: boolPtr(false)},
	}}

	out, err := exec.RunSection(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, retriever.reqs)

	assert.Equal(t, models.ArtifactEvidence, out.SectionRun.Artifacts[0].Type)

	var prov models.Provenance
	a, _ := out.SectionRun.Artifact(models.ArtifactProvenance)
	require.NoError(t, a.Decode(&prov))
	assert.Empty(t, prov.Tools.VectorStoreIDs)
	assert.False(t, prov.Tools.WebSearchEnabled)
	assert.Equal(t, []string{"Evidence required but none provided.", "Web evidence required but none found."}, prov.PolicyIssues)
}

func TestRunSection_RetrieverErrorFails(t *testing.T) {
	exec := NewExecutor(&fakeRetriever{err: errors.New("vector store down")}, nil, nil, nil)
	_, err := exec.RunSection(context.Background(), baseInput(models.PolicyLLMOnly))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage retrieve")
	assert.Contains(t, err.Error(), "vector store down")
}

func TestRunSection_PromptsUsedIncludeBlueprint(t *testing.T) {
	exec := NewExecutor(nil, nil, nil, nil)
	in := baseInput(models.PolicyLLMOnly)
	in.PromptSet = &models.PromptSet{
		GlobalPrompts: models.GlobalPrompts{System: "sys", Developer: "dev"},
		Sections:      []models.SectionPrompt{{ID: "s1", Stages: map[string]string{"write": "Be brief."}}},
	}
	in.BlueprintGuidance = "Assumptions:\n- Template: Market"

	out, err := exec.RunSection(context.Background(), in)
	require.NoError(t, err)

	var bundle models.PromptBundle
	a, _ := out.SectionRun.Artifact(models.ArtifactPromptsUsed)
	require.NoError(t, a.Decode(&bundle))
	assert.Equal(t, "sys", bundle.System)
	assert.Equal(t, "Be brief.", bundle.Write)
	assert.Equal(t, "dev\n\n--- REPORT COHESION BLUEPRINT ---\nAssumptions:\n- Template: Market\n--- END BLUEPRINT ---\n\n", bundle.Developer)
}

func TestComputeScores(t *testing.T) {
	assert.Equal(t, models.Score{}, ComputeScores(nil))

	s := ComputeScores([]models.EvidenceItem{
		{ID: "a", Kind: models.EvidenceVector},
		{ID: "b", Kind: models.EvidenceWeb},
	})
	assert.InDelta(t, 2.0/3.0, s.Coverage, 1e-9)
	assert.InDelta(t, 1.0, s.Diversity, 1e-9)
	assert.InDelta(t, 0.0, s.Redundancy, 1e-9)
	assert.InDelta(t, 0.5, s.Recency, 1e-9)

	s = ComputeScores([]models.EvidenceItem{
		{ID: "a", Kind: models.EvidenceVector},
		{ID: "b", Kind: models.EvidenceVector},
		{ID: "c", Kind: models.EvidenceVector},
		{ID: "d", Kind: models.EvidenceVector},
	})
	assert.InDelta(t, 1.0, s.Coverage, 1e-9)
	assert.InDelta(t, 0.25, s.Diversity, 1e-9)
	assert.InDelta(t, 0.75, s.Redundancy, 1e-9)
}
