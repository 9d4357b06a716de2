package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ArtifactType tags the payload of an artifact.
type ArtifactType string

const (
	ArtifactPlan         ArtifactType = "PLAN"
	ArtifactEvidence     ArtifactType = "EVIDENCE"
	ArtifactDraft        ArtifactType = "DRAFT"
	ArtifactVerification ArtifactType = "VERIFICATION"
	ArtifactReview       ArtifactType = "REVIEW"
	ArtifactFinal        ArtifactType = "FINAL"
	ArtifactClaims       ArtifactType = "CLAIMS"
	ArtifactProvenance   ArtifactType = "PROVENANCE"
	ArtifactScores       ArtifactType = "SCORES"
	ArtifactPromptsUsed  ArtifactType = "PROMPTS_USED"
	ArtifactSynthesis    ArtifactType = "SYNTHESIS"
)

// Artifact is a typed, replaceable byproduct of a pipeline execution.
type Artifact struct {
	ID        string          `json:"id"`
	Type      ArtifactType    `json:"type"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewArtifact encodes content as a new artifact.
func NewArtifact(t ArtifactType, content any) (Artifact, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Artifact{}, fmt.Errorf("encode %s artifact: %w", t, err)
	}
	return Artifact{
		ID:        uuid.New().String(),
		Type:      t,
		Content:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Text returns string content, or "" if the content is not a JSON string.
func (a Artifact) Text() string {
	var s string
	if err := json.Unmarshal(a.Content, &s); err != nil {
		return ""
	}
	return s
}

// Decode unmarshals the artifact content into out.
func (a Artifact) Decode(out any) error {
	if len(a.Content) == 0 {
		return fmt.Errorf("%s artifact has no content", a.Type)
	}
	if err := json.Unmarshal(a.Content, out); err != nil {
		return fmt.Errorf("decode %s artifact: %w", a.Type, err)
	}
	return nil
}

// Plan is the PLAN artifact content.
type Plan struct {
	Outline          []string `json:"outline"`
	RetrievalQueries []string `json:"retrievalQueries"`
	KeyConstraints   []string `json:"keyConstraints"`
	RiskNotes        []string `json:"riskNotes"`
}

// Provenance is the PROVENANCE artifact content.
type Provenance struct {
	SectionID    string         `json:"sectionId"`
	Policy       EvidencePolicy `json:"policy"`
	PolicyPass   bool           `json:"policyPass"`
	PolicyIssues []string       `json:"policyIssues"`
	Tools        ToolConfig     `json:"tools"`
	EvidenceIDs  []string       `json:"evidenceIds"`
	Claims       []Claim        `json:"claims"`
	Fingerprint  string         `json:"fingerprint"`
	GeneratedAt  time.Time      `json:"generatedAt"`
}

// ToolConfig is the resolved retrieval configuration of a section.
type ToolConfig struct {
	VectorStoreIDs   []string `json:"vectorStoreIds"`
	FileIDs          []string `json:"fileIds,omitempty"`
	WebSearchEnabled bool     `json:"webSearchEnabled"`
}

// Review is the REVIEW artifact content.
type Review struct {
	Checklist  []string `json:"checklist"`
	RiskFlags  []string `json:"riskFlags"`
	Confidence float64  `json:"confidence"`
	Raw        string   `json:"raw,omitempty"`
}

// PromptBundle is the PROMPTS_USED artifact content.
type PromptBundle struct {
	System    string `json:"system"`
	Developer string `json:"developer"`
	Plan      string `json:"plan"`
	Write     string `json:"write"`
	Verify    string `json:"verify"`
	Repair    string `json:"repair"`
	Synthesis string `json:"synthesis"`
}

// Synthesis is the SYNTHESIS artifact content.
type Synthesis struct {
	Title       string   `json:"title"`
	Bullets     []string `json:"bullets"`
	SourceCount int      `json:"sourceCount"`
}
