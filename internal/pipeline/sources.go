package pipeline

import "report-orchestrator/internal/models"

// ResolveTools decides which vector stores, files and web search a section
// may use. Vector ids come from the first non-empty of: the run's section
// override, the run's vector store overrides, the section vector policy,
// the template defaults, and the template's VECTOR sources. Ids naming a
// connector expand to that connector's stores.
func ResolveTools(section models.SectionSnapshot, template models.TemplateSnapshot, connectors []models.Connector, input models.RunInput, retrieveEnabled bool) models.ToolConfig {
	override, hasOverride := input.SourceOverrides[section.ID]

	tools := models.ToolConfig{VectorStoreIDs: []string{}}
	if override.WebSearchEnabled != nil {
		tools.WebSearchEnabled = *override.WebSearchEnabled
	} else {
		tools.WebSearchEnabled = retrieveEnabled && section.EvidencePolicy.UsesWeb()
	}
	if !retrieveEnabled {
		return tools
	}

	var selected []string
	if hasOverride && override.VectorStoreIDs != nil {
		selected = override.VectorStoreIDs
	} else {
		selected = defaultVectorIDs(section, template, input)
	}
	if len(selected) == 0 {
		return tools
	}

	byID := make(map[string]models.Connector, len(connectors))
	for _, c := range connectors {
		byID[c.ID] = c
	}
	overrideFiles := hasOverride && override.FileIDs != nil

	stores := newOrderedSet()
	files := newOrderedSet()
	for _, id := range selected {
		connector, ok := byID[id]
		if !ok {
			stores.add(id)
			continue
		}
		if len(connector.Config.VectorStores) > 0 {
			for _, vs := range connector.Config.VectorStores {
				stores.add(vs.ID)
				if !overrideFiles {
					files.add(vs.FileIDs...)
				}
			}
			continue
		}
		if connector.Config.VectorStoreID != "" {
			stores.add(connector.Config.VectorStoreID)
		} else {
			stores.add(connector.ID)
		}
	}
	if overrideFiles {
		files.add(override.FileIDs...)
	}

	tools.VectorStoreIDs = stores.items
	if len(files.items) > 0 {
		tools.FileIDs = files.items
	}
	return tools
}

func defaultVectorIDs(section models.SectionSnapshot, template models.TemplateSnapshot, input models.RunInput) []string {
	if ids := input.VectorStoreOverrides[section.ID]; len(ids) > 0 {
		return ids
	}
	if section.VectorPolicy != nil && len(section.VectorPolicy.ConnectorIDs) > 0 {
		return section.VectorPolicy.ConnectorIDs
	}
	if len(template.DefaultVectorStoreIDs) > 0 {
		return template.DefaultVectorStoreIDs
	}
	ids := []string{}
	for _, src := range template.Sources {
		if src.Type == "VECTOR" && src.VectorStoreID != "" {
			ids = append(ids, src.VectorStoreID)
		}
	}
	return ids
}

type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: map[string]bool{}, items: []string{}}
}

func (s *orderedSet) add(values ...string) {
	for _, v := range values {
		if v == "" || s.seen[v] {
			continue
		}
		s.seen[v] = true
		s.items = append(s.items, v)
	}
}
