// Package pipeline runs the stage sequence that turns one template section
// into a FINAL artifact.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"report-orchestrator/internal/fingerprint"
	"report-orchestrator/internal/llm"
	"report-orchestrator/internal/models"
	"report-orchestrator/internal/policy"
	"report-orchestrator/internal/retrieval"
)

// Retriever fetches evidence for a section.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) ([]models.EvidenceItem, error)
}

// Drafter writes a section draft.
type Drafter interface {
	Draft(ctx context.Context, req llm.DraftRequest) (string, error)
}

// Verifier flags unsupported claims with a model.
type Verifier interface {
	Available() bool
	Verify(ctx context.Context, req llm.VerifyRequest) ([]string, error)
}

// Reviewer produces qualitative feedback.
type Reviewer interface {
	Review(ctx context.Context, req llm.ReviewRequest) models.Review
}

// Executor runs sections. Nil collaborators select local behavior.
type Executor struct {
	retriever Retriever
	drafter   Drafter
	verifier  Verifier
	reviewer  Reviewer
}

// NewExecutor wires the collaborators used by every stage.
func NewExecutor(r Retriever, d Drafter, v Verifier, rv Reviewer) *Executor {
	if d == nil {
		d = llm.NewDrafter(nil)
	}
	if rv == nil {
		rv = llm.NewReviewer(nil)
	}
	return &Executor{retriever: r, drafter: d, verifier: v, reviewer: rv}
}

// Input is one section execution request.
type Input struct {
	SectionRun        models.SectionRun
	Section           models.SectionSnapshot
	Template          models.TemplateSnapshot
	Connectors        []models.Connector
	Profile           models.GenerationProfile
	RunInput          models.RunInput
	PromptSet         *models.PromptSet
	BlueprintGuidance string
}

// Outcome is the result of a section execution.
type Outcome struct {
	SectionRun models.SectionRun
	Score      models.Score
	Policy     policy.Result
}

type state struct {
	ctx          context.Context
	in           Input
	enabled      map[Stage]bool
	prompts      models.PromptBundle
	plan         *models.Plan
	tools        models.ToolConfig
	evidence     []models.EvidenceItem
	draft        string
	final        string
	claims       []models.Claim
	policy       policy.Result
	verification *models.VerificationResult
	review       *models.Review
	score        models.Score
}

// RunSection executes every enabled stage and returns the section run with
// a replaced artifact set, status COMPLETED and one more attempt.
func (e *Executor) RunSection(ctx context.Context, in Input) (Outcome, error) {
	started := time.Now()
	st := &state{
		ctx:      ctx,
		in:       in,
		enabled:  make(map[Stage]bool, len(stageTable)),
		evidence: []models.EvidenceItem{},
		prompts:  promptBundle(in.PromptSet, in.Section.ID, in.BlueprintGuidance),
	}
	for _, spec := range stageTable {
		st.enabled[spec.stage] = Enabled(in.Profile, spec.stage)
	}

	for _, spec := range stageTable {
		if !st.enabled[spec.stage] {
			continue
		}
		if err := spec.run(e, st); err != nil {
			return Outcome{}, fmt.Errorf("section %q stage %s: %w", in.Section.Title, spec.stage, err)
		}
	}

	artifacts, err := st.artifacts()
	if err != nil {
		return Outcome{}, err
	}

	sr := in.SectionRun
	sr.Status = models.StatusCompleted
	sr.AttemptCount++
	sr.Artifacts = artifacts
	sr.OutputFingerprint = fingerprint.Fingerprint(st.final)
	sr.DurationMs = time.Since(started).Milliseconds()

	log.Printf("[pipeline] section=%s evidence=%d policy_pass=%t issues=%d", in.Section.ID, len(st.evidence), st.policy.Pass, len(st.policy.Issues))
	return Outcome{SectionRun: sr, Score: st.score, Policy: st.policy}, nil
}

func (e *Executor) plan(st *state) error {
	section := st.in.Section
	purpose := section.Purpose
	if purpose == "" {
		purpose = section.Title
	}
	outline := []string{"Cover purpose: " + purpose}
	if st.prompts.Plan != "" {
		outline = append(outline, st.prompts.Plan)
	}
	format := section.OutputFormat
	if format == "" {
		format = "NARRATIVE"
	}
	st.plan = &models.Plan{
		Outline:          outline,
		RetrievalQueries: fingerprint.RetrievalQueries(section),
		KeyConstraints:   []string{format},
		RiskNotes:        []string{},
	}
	return nil
}

func (e *Executor) retrieve(st *state) error {
	section := st.in.Section
	st.tools = ResolveTools(section, st.in.Template, st.in.Connectors, st.in.RunInput, true)
	if e.retriever == nil {
		return nil
	}
	query := section.Title
	if st.plan != nil && len(st.plan.RetrievalQueries) > 0 {
		query = st.plan.RetrievalQueries[0]
	}
	req := retrieval.Request{SectionID: section.ID, Query: query, Tools: st.tools}
	if wp := section.WebPolicy; wp != nil {
		req.Allowlist = wp.Allowlist
		req.Blocklist = wp.Blocklist
		req.MinSources = wp.MinSources
	}
	items, err := e.retriever.Retrieve(st.ctx, req)
	if err != nil {
		return err
	}
	if items != nil {
		st.evidence = items
	}
	return nil
}

func (e *Executor) write(st *state) error {
	if !st.enabled[StageRetrieve] {
		st.tools = ResolveTools(st.in.Section, st.in.Template, st.in.Connectors, st.in.RunInput, false)
	}
	draft, err := e.drafter.Draft(st.ctx, llm.DraftRequest{
		Section:  st.in.Section,
		Evidence: st.evidence,
		Tools:    st.tools,
		Input:    st.in.RunInput,
		Prompts:  st.prompts,
	})
	if err != nil {
		return err
	}
	st.draft = draft
	st.final = draft
	return nil
}

func (e *Executor) claims(st *state) error {
	st.claims = policy.BuildClaims(st.draft, st.evidence)
	return nil
}

func (e *Executor) enforce(st *state) error {
	section := st.in.Section
	st.policy = policy.Enforce(policy.Input{
		Policy:           section.EvidencePolicy,
		Markdown:         st.draft,
		Evidence:         st.evidence,
		Claims:           st.claims,
		NoNewFacts:       section.NoNewFacts(),
		EnforceCitations: st.in.Profile.Toggles.EnforceCitations,
		VectorInvoked:    len(st.tools.VectorStoreIDs) > 0,
		WebInvoked:       st.tools.WebSearchEnabled,
	})
	return nil
}

func (e *Executor) verify(st *state) error {
	result := models.VerificationResult{
		Pass:   st.policy.Pass,
		Issues: append([]string{}, st.policy.Issues...),
	}
	if e.verifier != nil && e.verifier.Available() {
		issues, err := e.verifier.Verify(st.ctx, llm.VerifyRequest{
			SectionTitle: st.in.Section.Title,
			Policy:       st.in.Section.EvidencePolicy,
			Evidence:     st.evidence,
			Draft:        st.draft,
			Instructions: st.prompts.Verify,
		})
		if err != nil {
			log.Printf("[pipeline] section=%s model verification unavailable: %v", st.in.Section.ID, err)
		} else {
			result.Issues = append(result.Issues, issues...)
			result.Pass = len(result.Issues) == 0
		}
	}
	st.verification = &result
	return nil
}

func (e *Executor) repair(st *state) error {
	if st.verification == nil || st.verification.Pass {
		return nil
	}
	st.final = st.draft + "\n\nRepairs applied:\n- " + strings.Join(st.verification.Issues, "\n- ")
	return nil
}

func (e *Executor) review(st *state) error {
	r := e.reviewer.Review(st.ctx, llm.ReviewRequest{
		SectionTitle:        st.in.Section.Title,
		Draft:               st.final,
		VerificationSummary: strings.Join(st.policy.Issues, "; "),
	})
	st.review = &r
	return nil
}

func (e *Executor) score(st *state) error {
	st.score = ComputeScores(st.evidence)
	return nil
}

func (st *state) artifacts() ([]models.Artifact, error) {
	type entry struct {
		t       models.ArtifactType
		content any
	}
	entries := make([]entry, 0, 10)
	if st.plan != nil {
		entries = append(entries, entry{models.ArtifactPlan, st.plan})
	}
	entries = append(entries,
		entry{models.ArtifactEvidence, st.evidence},
		entry{models.ArtifactDraft, st.draft},
	)
	if st.verification != nil {
		entries = append(entries, entry{models.ArtifactVerification, st.verification})
	}
	if st.review != nil {
		entries = append(entries, entry{models.ArtifactReview, st.review})
	}

	evidenceIDs := make([]string, 0, len(st.evidence))
	for _, item := range st.evidence {
		evidenceIDs = append(evidenceIDs, item.ID)
	}
	claims := st.claims
	if claims == nil {
		claims = []models.Claim{}
	}
	entries = append(entries,
		entry{models.ArtifactFinal, st.final},
		entry{models.ArtifactClaims, claims},
		entry{models.ArtifactProvenance, models.Provenance{
			SectionID:    st.in.Section.ID,
			Policy:       st.in.Section.EvidencePolicy.OrDefault(),
			PolicyPass:   st.policy.Pass,
			PolicyIssues: st.policy.Issues,
			Tools:        st.tools,
			EvidenceIDs:  evidenceIDs,
			Claims:       claims,
			Fingerprint:  fingerprint.Fingerprint(st.final),
			GeneratedAt:  time.Now().UTC(),
		}},
		entry{models.ArtifactScores, st.score},
		entry{models.ArtifactPromptsUsed, st.prompts},
	)

	out := make([]models.Artifact, 0, len(entries))
	for _, en := range entries {
		a, err := models.NewArtifact(en.t, en.content)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func promptBundle(set *models.PromptSet, sectionID, guidance string) models.PromptBundle {
	var bundle models.PromptBundle
	if set != nil {
		bundle.System = set.GlobalPrompts.System
		bundle.Developer = set.GlobalPrompts.Developer
	}
	stages := set.ForSection(sectionID)
	bundle.Plan = stages["plan"]
	bundle.Write = stages["write"]
	bundle.Verify = stages["verify"]
	bundle.Repair = stages["repair"]
	bundle.Synthesis = stages["synthesis"]
	if guidance != "" {
		bundle.Developer += "\n\n--- REPORT COHESION BLUEPRINT ---\n" + guidance + "\n--- END BLUEPRINT ---\n\n"
	}
	return bundle
}

// ComputeScores derives evidence quality scores. Recency is a fixed 0.5.
func ComputeScores(evidence []models.EvidenceItem) models.Score {
	n := len(evidence)
	if n == 0 {
		return models.Score{}
	}
	kinds := map[string]bool{}
	for _, item := range evidence {
		kinds[item.Kind] = true
	}
	diversity := float64(len(kinds)) / float64(n)
	coverage := float64(n) / 3
	if coverage > 1 {
		coverage = 1
	}
	redundancy := 1 - diversity
	if redundancy < 0 {
		redundancy = 0
	}
	return models.Score{Coverage: coverage, Diversity: diversity, Recency: 0.5, Redundancy: redundancy}
}
