// Package retrieval gathers evidence for a section from vector stores and
// web search.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"report-orchestrator/internal/models"
)

// Request describes one evidence lookup.
type Request struct {
	SectionID  string
	Query      string
	Tools      models.ToolConfig
	Allowlist  []string
	Blocklist  []string
	MinSources int
}

// VectorSearcher queries vector stores and files.
type VectorSearcher interface {
	SearchVector(ctx context.Context, query string, storeIDs, fileIDs []string) ([]models.EvidenceItem, error)
}

// WebSearcher queries the web.
type WebSearcher interface {
	SearchWeb(ctx context.Context, query string, limit int) ([]models.EvidenceItem, error)
}

// Router fans a request out to the configured searchers. Either searcher may be nil.
type Router struct {
	Vector   VectorSearcher
	Web      WebSearcher
	WebLimit int
}

// Retrieve returns vector evidence followed by web evidence. Ids are
// assigned when the searcher left them empty.
func (r *Router) Retrieve(ctx context.Context, req Request) ([]models.EvidenceItem, error) {
	var vector, web []models.EvidenceItem
	g, gctx := errgroup.WithContext(ctx)

	if r.Vector != nil && len(req.Tools.VectorStoreIDs) > 0 {
		g.Go(func() error {
			items, err := r.Vector.SearchVector(gctx, req.Query, req.Tools.VectorStoreIDs, req.Tools.FileIDs)
			if err != nil {
				return fmt.Errorf("vector search: %w", err)
			}
			vector = items
			return nil
		})
	}

	if r.Web != nil && req.Tools.WebSearchEnabled {
		limit := r.WebLimit
		if req.MinSources > limit {
			limit = req.MinSources
		}
		if limit <= 0 {
			limit = 5
		}
		g.Go(func() error {
			items, err := r.Web.SearchWeb(gctx, req.Query, limit)
			if err != nil {
				return fmt.Errorf("web search: %w", err)
			}
			web = filterDomains(items, req.Allowlist, req.Blocklist)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if req.MinSources > 0 && req.Tools.WebSearchEnabled && len(web) < req.MinSources {
		log.Printf("[retrieval] section=%s web sources %d below minimum %d", req.SectionID, len(web), req.MinSources)
	}

	out := make([]models.EvidenceItem, 0, len(vector)+len(web))
	seen := map[string]bool{}
	for i, item := range vector {
		out = append(out, withID(item, fmt.Sprintf("vec-%d", i+1), models.EvidenceVector, seen))
	}
	for i, item := range web {
		out = append(out, withID(item, fmt.Sprintf("web-%d", i+1), models.EvidenceWeb, seen))
	}
	return out, nil
}

func withID(item models.EvidenceItem, fallback, kind string, seen map[string]bool) models.EvidenceItem {
	if item.ID == "" || seen[item.ID] {
		item.ID = fallback
	}
	if item.Kind == "" {
		item.Kind = kind
	}
	seen[item.ID] = true
	return item
}

func filterDomains(items []models.EvidenceItem, allow, block []string) []models.EvidenceItem {
	if len(allow) == 0 && len(block) == 0 {
		return items
	}
	out := make([]models.EvidenceItem, 0, len(items))
	for _, item := range items {
		host := hostOf(item.URL())
		if host == "" {
			continue
		}
		if matchesAny(host, block) {
			continue
		}
		if len(allow) > 0 && !matchesAny(host, allow) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// matchesAny reports whether host equals a domain or is a subdomain of it.
func matchesAny(host string, domains []string) bool {
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "*."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
