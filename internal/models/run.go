package models

import (
	"time"
)

// Run is one execution of a template against a topic.
type Run struct {
	ID                string             `json:"id"`
	Status            Status             `json:"status"`
	TemplateSnapshot  *TemplateSnapshot  `json:"templateSnapshot,omitempty"`
	ProfileSnapshot   *GenerationProfile `json:"profileSnapshot,omitempty"`
	PromptSetSnapshot *PromptSet         `json:"promptSetSnapshot,omitempty"`
	Input             RunInput           `json:"input"`
	Blueprint         *Blueprint         `json:"blueprint,omitempty"`
	FinalReport       *FinalReport       `json:"finalReport,omitempty"`
	StartedAt         *time.Time         `json:"startedAt,omitempty"`
	CompletedAt       *time.Time         `json:"completedAt,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// Profile returns the profile snapshot or an empty profile.
func (r Run) Profile() GenerationProfile {
	if r.ProfileSnapshot == nil {
		return GenerationProfile{}
	}
	return *r.ProfileSnapshot
}

// RunInput is the caller-supplied input for a run.
type RunInput struct {
	Topic           string                    `json:"topic,omitempty" yaml:"topic"`
	Variables       map[string]any            `json:"variables,omitempty" yaml:"variables"`
	SourceOverrides map[string]SourceOverride `json:"sourceOverrides,omitempty" yaml:"sourceOverrides"`
	// VectorStoreOverrides maps a template section id to vector store or connector ids.
	VectorStoreOverrides map[string][]string `json:"vectorStoreOverrides,omitempty" yaml:"vectorStoreOverrides"`
}

// SourceOverride replaces source resolution for one section of one run.
type SourceOverride struct {
	VectorStoreIDs   []string `json:"vectorStoreIds,omitempty" yaml:"vectorStoreIds"`
	FileIDs          []string `json:"fileIds,omitempty" yaml:"fileIds"`
	WebSearchEnabled *bool    `json:"webSearchEnabled,omitempty" yaml:"webSearchEnabled"`
}

// Blueprint holds the assumptions derived when a run starts.
type Blueprint struct {
	Glossary    []string  `json:"glossary"`
	Assumptions []string  `json:"assumptions"`
	Scope       []string  `json:"scope"`
	NonGoals    []string  `json:"nonGoals"`
	Boundaries  []string  `json:"boundaries"`
	CreatedAt   time.Time `json:"createdAt"`
}

// FinalReport is the assembled document of a completed run.
type FinalReport struct {
	Content  string          `json:"content"`
	Sections []ReportSection `json:"sections"`
}

// ReportSection is the per-section breakdown of a final report.
type ReportSection struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// SectionRun is the generation state of one template section within a run.
type SectionRun struct {
	ID                string     `json:"id"`
	RunID             string     `json:"runId"`
	TemplateSectionID string     `json:"templateSectionId"`
	Title             string     `json:"title"`
	Status            Status     `json:"status"`
	AttemptCount      int        `json:"attemptCount"`
	Artifacts         []Artifact `json:"artifacts,omitempty"`
	OutputFingerprint string     `json:"outputFingerprint,omitempty"`
	DurationMs        int64      `json:"durationMs,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Artifact returns the first artifact of the given type.
func (s SectionRun) Artifact(t ArtifactType) (Artifact, bool) {
	for _, a := range s.Artifacts {
		if a.Type == t {
			return a, true
		}
	}
	return Artifact{}, false
}

// FinalContent returns the FINAL artifact text or "".
func (s SectionRun) FinalContent() string {
	a, ok := s.Artifact(ArtifactFinal)
	if !ok {
		return ""
	}
	return a.Text()
}

// EvidenceItem is one retrieved piece of evidence.
type EvidenceItem struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Evidence kinds returned by the retrieval collaborators.
const (
	EvidenceVector = "vector"
	EvidenceWeb    = "web"
)

// URL returns metadata.url when present.
func (e EvidenceItem) URL() string {
	if e.Metadata == nil {
		return ""
	}
	if u, ok := e.Metadata["url"].(string); ok {
		return u
	}
	return ""
}

// Claim is a factual statement extracted from a draft.
type Claim struct {
	Text        string   `json:"text"`
	EvidenceIDs []string `json:"evidenceIds"`
}

// VerificationResult is the merged outcome of policy and model checks.
type VerificationResult struct {
	Pass   bool     `json:"pass"`
	Issues []string `json:"issues"`
}

// Score summarizes evidence quality for one section run.
type Score struct {
	Coverage   float64 `json:"coverage"`
	Diversity  float64 `json:"diversity"`
	Recency    float64 `json:"recency"`
	Redundancy float64 `json:"redundancy"`
}

// DependencySnapshot records the inputs that determine a run's section outputs.
type DependencySnapshot struct {
	RunID                     string              `json:"runId"`
	TemplateID                string              `json:"templateId"`
	BlueprintAssumptions      []string            `json:"blueprintAssumptions"`
	RetrievalQueriesBySection map[string][]string `json:"retrievalQueriesBySection"`
	SectionOutputs            map[string]string   `json:"sectionOutputs"`
	CreatedAt                 time.Time           `json:"createdAt"`
}

// ExportFormat is a requested export file type.
type ExportFormat string

const (
	FormatMarkdown ExportFormat = "MARKDOWN"
	FormatPDF      ExportFormat = "PDF"
	FormatDOCX     ExportFormat = "DOCX"
)

// Valid reports whether the format is supported.
func (f ExportFormat) Valid() bool {
	switch f {
	case FormatMarkdown, FormatPDF, FormatDOCX:
		return true
	}
	return false
}

// Export record states.
const (
	ExportQueued  = "QUEUED"
	ExportRunning = "RUNNING"
	ExportReady   = "READY"
	ExportFailed  = "FAILED"
)

// ExportRecord tracks one export of a completed run.
type ExportRecord struct {
	ID           string       `json:"id"`
	RunID        string       `json:"runId"`
	Format       ExportFormat `json:"format"`
	Status       string       `json:"status"`
	FilePath     string       `json:"filePath,omitempty"`
	StorageURL   string       `json:"storageUrl,omitempty"`
	FileSize     int64        `json:"fileSize,omitempty"`
	Checksum     string       `json:"checksum,omitempty"`
	ErrorMessage *string      `json:"errorMessage,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}
