package policy

import (
	"strings"

	"report-orchestrator/internal/models"
)

// BuildClaims splits a draft into sentence claims. A claim links to the
// evidence it cites explicitly; uncited claims link to the first evidence
// item when any evidence exists.
func BuildClaims(markdown string, evidence []models.EvidenceItem) []models.Claim {
	known := make(map[string]bool, len(evidence))
	for _, item := range evidence {
		known[item.ID] = true
	}

	claims := make([]models.Claim, 0)
	for _, sentence := range strings.Split(markdown, ".") {
		text := strings.TrimSpace(sentence)
		if text == "" {
			continue
		}
		ids := make([]string, 0)
		for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
			id := strings.TrimSpace(m[1])
			if known[id] && !contains(ids, id) {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 && len(evidence) > 0 {
			ids = append(ids, evidence[0].ID)
		}
		claims = append(claims, models.Claim{Text: text, EvidenceIDs: ids})
	}
	return claims
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
