package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-orchestrator/internal/models"
)

type fakeClient struct {
	text    string
	json    string
	err     error
	prompts []string
}

func (f *fakeClient) GenerateContent(_ context.Context, prompt string, _ ModelTier) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.text, f.err
}

func (f *fakeClient) GenerateJSON(_ context.Context, prompt string, _ ModelTier) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.json, f.err
}

func (f *fakeClient) Close() error { return nil }

func TestFallbackDraft(t *testing.T) {
	section := models.SectionSnapshot{
		Title:          "Market",
		Purpose:        "Size the market.",
		EvidencePolicy: models.PolicyWebOnly,
		WebPolicy:      &models.WebPolicy{CitationStyle: "endnotes"},
	}

	draft := FallbackDraft(section, nil)
	assert.Equal(t, "### Market\n\nSize the market.\n\nEvidence policy: WEB_ONLY.\n\nOpen questions: evidence required but not available.", draft)

	evidence := []models.EvidenceItem{
		{ID: "w1", Kind: models.EvidenceWeb, Metadata: map[string]any{"url": "https://example.com/a"}},
	}
	draft = FallbackDraft(section, evidence)
	assert.Contains(t, draft, "Key point supported by evidence [citation:w1].")
	assert.Contains(t, draft, "References:\n- [citation:w1] https://example.com/a")
	assert.NotContains(t, draft, "Open questions")

	draft = FallbackDraft(models.SectionSnapshot{Title: "Plain"}, nil)
	assert.Equal(t, "### Plain\n\nEvidence policy: LLM_ONLY.", draft)
}

func TestDrafter_UsesModelWhenConfigured(t *testing.T) {
	client := &fakeClient{text: "  model draft  "}
	d := NewDrafter(client)

	out, err := d.Draft(context.Background(), DraftRequest{
		Section: models.SectionSnapshot{Title: "Overview", Prompt: "Be brief."},
		Input:   models.RunInput{Topic: "Batteries"},
		Prompts: models.PromptBundle{System: "SYS", Developer: "DEV"},
	})
	require.NoError(t, err)
	assert.Equal(t, "model draft", out)
	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Topic: Batteries")
	assert.Contains(t, client.prompts[0], "Be brief.")
	assert.True(t, strings.HasPrefix(client.prompts[0], "SYS\n\nDEV"))

	client.err = errors.New("boom")
	_, err = d.Draft(context.Background(), DraftRequest{Section: models.SectionSnapshot{Title: "Overview"}})
	assert.Error(t, err)
}

func TestVerifier(t *testing.T) {
	assert.False(t, NewVerifier(nil).Available())

	client := &fakeClient{json: "```json\n{\"issues\": [\"claim 2 unsupported\"]}\n```"}
	v := NewVerifier(client)
	issues, err := v.Verify(context.Background(), VerifyRequest{SectionTitle: "Risks", Draft: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"claim 2 unsupported"}, issues)

	client.json = "not json"
	_, err = v.Verify(context.Background(), VerifyRequest{SectionTitle: "Risks"})
	assert.Error(t, err)
}

func TestReviewer(t *testing.T) {
	review := NewReviewer(nil).Review(context.Background(), ReviewRequest{SectionTitle: "A"})
	assert.Len(t, review.Checklist, 2)
	assert.Empty(t, review.RiskFlags)
	assert.InDelta(t, 0.6, review.Confidence, 1e-9)

	failing := NewReviewer(&fakeClient{err: errors.New("down")})
	review = failing.Review(context.Background(), ReviewRequest{SectionTitle: "A"})
	assert.Equal(t, []string{"Reviewer not available"}, review.RiskFlags)
}

func TestParseReview(t *testing.T) {
	review := ParseReview("Checklist:\n- one\n- two\nRisk Flags:\n- stale data\nConfidence: 0.85")
	assert.Equal(t, []string{"one", "two"}, review.Checklist)
	assert.Equal(t, []string{"stale data"}, review.RiskFlags)
	assert.InDelta(t, 0.85, review.Confidence, 1e-9)
}

type countingLimiter struct {
	calls int
	err   error
}

func (c *countingLimiter) Wait(context.Context, string) error {
	c.calls++
	return c.err
}

func TestThrottle(t *testing.T) {
	limiter := &countingLimiter{}
	client := Throttle(&fakeClient{text: "ok"}, limiter, "llm")

	_, err := client.GenerateContent(context.Background(), "p", TierLite)
	require.NoError(t, err)
	_, err = client.GenerateJSON(context.Background(), "p", TierLite)
	require.NoError(t, err)
	assert.Equal(t, 2, limiter.calls)

	limiter.err = context.DeadlineExceeded
	_, err = client.GenerateContent(context.Background(), "p", TierLite)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Nil(t, Throttle(nil, limiter, "llm"))
}

func TestModelsFallback(t *testing.T) {
	m := Models{TierStandard: "std"}
	assert.Equal(t, "std", m.Get(TierAdvanced))
	assert.Equal(t, "gemini-2.5-pro", DefaultModels().Get(TierAdvanced))
}
