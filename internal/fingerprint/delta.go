package fingerprint

import (
	"sort"

	"report-orchestrator/internal/models"
)

// Reason explains why a section would be regenerated.
type Reason string

const (
	ReasonAssumption     Reason = "ASSUMPTION"
	ReasonRetrieval      Reason = "RETRIEVAL"
	ReasonUpstreamOutput Reason = "UPSTREAM_OUTPUT"
	ReasonNewSection     Reason = "NEW_SECTION"
)

// SectionImpact is one section the delta plan would rerun.
type SectionImpact struct {
	SectionID string   `json:"sectionId"`
	Title     string   `json:"title"`
	Reasons   []Reason `json:"reasons"`
}

// DeltaPlan lists the sections whose inputs changed between two snapshots.
// It is advisory; nothing executes it.
type DeltaPlan struct {
	BaselineRunID      string          `json:"baselineRunId"`
	RunID              string          `json:"runId"`
	ChangedAssumptions []string        `json:"changedAssumptions"`
	Impacted           []SectionImpact `json:"impacted"`
	Unchanged          []string        `json:"unchanged"`
}

// Diff compares a baseline snapshot to the current one. Sections are walked
// in template order; dependents of impacted or changed sections inherit an
// UPSTREAM_OUTPUT reason.
func Diff(baseline, current models.DependencySnapshot, template models.TemplateSnapshot) DeltaPlan {
	plan := DeltaPlan{
		BaselineRunID:      baseline.RunID,
		RunID:              current.RunID,
		ChangedAssumptions: symmetricDiff(baseline.BlueprintAssumptions, current.BlueprintAssumptions),
		Impacted:           []SectionImpact{},
		Unchanged:          []string{},
	}

	reasons := map[string][]Reason{}
	add := func(id string, r Reason) {
		for _, existing := range reasons[id] {
			if existing == r {
				return
			}
		}
		reasons[id] = append(reasons[id], r)
	}

	for _, section := range template.Sections {
		if len(plan.ChangedAssumptions) > 0 {
			add(section.ID, ReasonAssumption)
		}
		prevQueries, seen := baseline.RetrievalQueriesBySection[section.ID]
		if !seen {
			add(section.ID, ReasonNewSection)
			continue
		}
		if !equalStrings(prevQueries, current.RetrievalQueriesBySection[section.ID]) {
			add(section.ID, ReasonRetrieval)
		}
	}

	dependents := map[string][]string{}
	for _, section := range template.Sections {
		for _, dep := range section.Dependencies {
			dependents[dep] = append(dependents[dep], section.ID)
		}
	}

	queue := []string{}
	for _, section := range template.Sections {
		outputChanged := baseline.SectionOutputs[section.ID] != current.SectionOutputs[section.ID]
		if len(reasons[section.ID]) > 0 || outputChanged {
			queue = append(queue, section.ID)
		}
	}
	visited := map[string]bool{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, dependent := range dependents[id] {
			add(dependent, ReasonUpstreamOutput)
			queue = append(queue, dependent)
		}
	}

	for _, section := range template.Sections {
		if r := reasons[section.ID]; len(r) > 0 {
			plan.Impacted = append(plan.Impacted, SectionImpact{SectionID: section.ID, Title: section.Title, Reasons: r})
			continue
		}
		plan.Unchanged = append(plan.Unchanged, section.ID)
	}
	return plan
}

func symmetricDiff(a, b []string) []string {
	inA := map[string]bool{}
	for _, v := range a {
		inA[v] = true
	}
	inB := map[string]bool{}
	for _, v := range b {
		inB[v] = true
	}
	out := []string{}
	for v := range inA {
		if !inB[v] {
			out = append(out, v)
		}
	}
	for v := range inB {
		if !inA[v] {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
