package models

import "strings"

// EvidencePolicy declares which evidence sources must back a section.
type EvidencePolicy string

const (
	PolicyLLMOnly       EvidencePolicy = "LLM_ONLY"
	PolicyVectorOnly    EvidencePolicy = "VECTOR_ONLY"
	PolicyWebOnly       EvidencePolicy = "WEB_ONLY"
	PolicyVectorLLM     EvidencePolicy = "VECTOR_LLM"
	PolicyWebLLM        EvidencePolicy = "WEB_LLM"
	PolicyVectorWeb     EvidencePolicy = "VECTOR_WEB"
	PolicyAll           EvidencePolicy = "ALL"
	PolicySynthesisOnly EvidencePolicy = "SYNTHESIS_ONLY"
)

// OrDefault maps an unset policy to LLM_ONLY.
func (p EvidencePolicy) OrDefault() EvidencePolicy {
	if p == "" {
		return PolicyLLMOnly
	}
	return p
}

// UsesWeb reports whether the policy names web search as a source.
func (p EvidencePolicy) UsesWeb() bool {
	return strings.Contains(string(p), "WEB")
}

// TemplateSnapshot is the frozen copy of a report template held by a run.
type TemplateSnapshot struct {
	ID                    string            `json:"id" yaml:"id" validate:"required"`
	Name                  string            `json:"name" yaml:"name" validate:"required"`
	Description           string            `json:"description,omitempty" yaml:"description"`
	Version               int               `json:"version,omitempty" yaml:"version"`
	DefaultVectorStoreIDs []string          `json:"defaultVectorStoreIds,omitempty" yaml:"defaultVectorStoreIds"`
	Sources               []TemplateSource  `json:"sources,omitempty" yaml:"sources" validate:"dive"`
	Sections              []SectionSnapshot `json:"sections" yaml:"sections" validate:"required,min=1,dive"`
}

// Section returns the template section with the given id.
func (t TemplateSnapshot) Section(id string) (SectionSnapshot, bool) {
	for _, s := range t.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return SectionSnapshot{}, false
}

// TemplateSource is a source declared on the template itself.
type TemplateSource struct {
	Type          string   `json:"type" yaml:"type" validate:"required,oneof=VECTOR WEB"`
	VectorStoreID string   `json:"vectorStoreId,omitempty" yaml:"vectorStoreId"`
	FileIDs       []string `json:"fileIds,omitempty" yaml:"fileIds"`
}

// SectionSnapshot is one ordered section of a template snapshot.
type SectionSnapshot struct {
	ID             string         `json:"id" yaml:"id" validate:"required"`
	Title          string         `json:"title" yaml:"title" validate:"required"`
	Purpose        string         `json:"purpose,omitempty" yaml:"purpose"`
	Order          int            `json:"order" yaml:"order"`
	OutputFormat   string         `json:"outputFormat,omitempty" yaml:"outputFormat"`
	EvidencePolicy EvidencePolicy `json:"evidencePolicy,omitempty" yaml:"evidencePolicy" validate:"omitempty,oneof=LLM_ONLY VECTOR_ONLY WEB_ONLY VECTOR_LLM WEB_LLM VECTOR_WEB ALL SYNTHESIS_ONLY"`
	Prompt         string         `json:"prompt,omitempty" yaml:"prompt"`
	VectorPolicy   *VectorPolicy  `json:"vectorPolicy,omitempty" yaml:"vectorPolicy"`
	WebPolicy      *WebPolicy     `json:"webPolicy,omitempty" yaml:"webPolicy"`
	QualityGates   *QualityGates  `json:"qualityGates,omitempty" yaml:"qualityGates"`
	Dependencies   []string       `json:"dependencies,omitempty" yaml:"dependencies"`
}

// NoNewFacts reports whether the "no new facts" quality gate is on.
func (s SectionSnapshot) NoNewFacts() bool {
	return s.QualityGates != nil && s.QualityGates.NoNewFacts
}

// CitationStyle returns the web citation style or "".
func (s SectionSnapshot) CitationStyle() string {
	if s.WebPolicy == nil {
		return ""
	}
	return s.WebPolicy.CitationStyle
}

// VectorPolicy scopes vector retrieval to specific connectors.
type VectorPolicy struct {
	ConnectorIDs []string `json:"connectorIds,omitempty" yaml:"connectorIds"`
}

// WebPolicy constrains web retrieval and citation output.
type WebPolicy struct {
	Allowlist     []string `json:"allowlist,omitempty" yaml:"allowlist"`
	Blocklist     []string `json:"blocklist,omitempty" yaml:"blocklist"`
	MinSources    int      `json:"minSources,omitempty" yaml:"minSources"`
	CitationStyle string   `json:"citationStyle,omitempty" yaml:"citationStyle"`
}

// QualityGates holds per-section content gates.
type QualityGates struct {
	NoNewFacts bool `json:"noNewFacts,omitempty" yaml:"noNewFacts"`
}

// Connector is a read-only source definition resolved at retrieval time.
type Connector struct {
	ID     string          `json:"id" yaml:"id"`
	Type   string          `json:"type" yaml:"type"`
	Name   string          `json:"name" yaml:"name"`
	Config ConnectorConfig `json:"config" yaml:"config"`
}

// ConnectorConfig lists the vector stores a connector exposes.
type ConnectorConfig struct {
	VectorStoreID string                 `json:"vectorStoreId,omitempty" yaml:"vectorStoreId"`
	VectorStores  []ConnectorVectorStore `json:"vectorStores,omitempty" yaml:"vectorStores"`
}

// ConnectorVectorStore is one vector store reachable through a connector.
type ConnectorVectorStore struct {
	ID      string   `json:"id" yaml:"id"`
	FileIDs []string `json:"fileIds,omitempty" yaml:"fileIds"`
}

// GenerationProfile is the frozen stage configuration of a run.
type GenerationProfile struct {
	ID          string                  `json:"id,omitempty" yaml:"id"`
	Name        string                  `json:"name,omitempty" yaml:"name"`
	Toggles     ProfileToggles          `json:"toggles" yaml:"toggles"`
	StageConfig map[string]StageSetting `json:"stageConfig,omitempty" yaml:"stageConfig"`
}

// ProfileToggles are the boolean switches exposed on a profile.
type ProfileToggles struct {
	EnableVerification bool `json:"enableVerification,omitempty" yaml:"enableVerification"`
	EnableRepair       bool `json:"enableRepair,omitempty" yaml:"enableRepair"`
	EnableReviewer     bool `json:"enableReviewer,omitempty" yaml:"enableReviewer"`
	EnforceCitations   bool `json:"enforceCitations,omitempty" yaml:"enforceCitations"`
}

// StageSetting overrides the default of one pipeline stage.
type StageSetting struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled"`
}

// PromptSet is the frozen prompt configuration of a run.
type PromptSet struct {
	ID            string          `json:"id,omitempty" yaml:"id"`
	GlobalPrompts GlobalPrompts   `json:"globalPrompts" yaml:"globalPrompts"`
	Sections      []SectionPrompt `json:"sections,omitempty" yaml:"sections"`
}

// GlobalPrompts apply to every section.
type GlobalPrompts struct {
	System    string `json:"system,omitempty" yaml:"system"`
	Developer string `json:"developer,omitempty" yaml:"developer"`
}

// SectionPrompt carries per-stage prompts for one template section.
type SectionPrompt struct {
	ID     string            `json:"id" yaml:"id"`
	Stages map[string]string `json:"stages,omitempty" yaml:"stages"`
}

// ForSection returns the stage prompts for a section, or nil.
func (p *PromptSet) ForSection(sectionID string) map[string]string {
	if p == nil {
		return nil
	}
	for _, s := range p.Sections {
		if s.ID == sectionID {
			return s.Stages
		}
	}
	return nil
}
