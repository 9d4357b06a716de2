package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-orchestrator/internal/models"
)

type stubWeb struct {
	items []models.EvidenceItem
	err   error
	limit int
}

func (s *stubWeb) SearchWeb(_ context.Context, _ string, limit int) ([]models.EvidenceItem, error) {
	s.limit = limit
	return s.items, s.err
}

func webItem(u string) models.EvidenceItem {
	return models.EvidenceItem{Kind: models.EvidenceWeb, Content: u, Metadata: map[string]any{"url": u}}
}

func TestRouter_MergesVectorThenWeb(t *testing.T) {
	web := &stubWeb{items: []models.EvidenceItem{webItem("https://news.example.com/a"), webItem("https://blocked.io/b")}}
	r := &Router{Vector: StaticVectorSearcher{}, Web: web, WebLimit: 3}

	items, err := r.Retrieve(context.Background(), Request{
		SectionID: "s1",
		Query:     "Market",
		Tools:     models.ToolConfig{VectorStoreIDs: []string{"vs1"}, WebSearchEnabled: true},
		Blocklist: []string{"blocked.io"},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "vs-vs1", items[0].ID)
	assert.Equal(t, models.EvidenceVector, items[0].Kind)
	assert.Equal(t, "web-1", items[1].ID)
	assert.Equal(t, "https://news.example.com/a", items[1].URL())
	assert.Equal(t, 3, web.limit)
}

func TestRouter_SkipsDisabledTools(t *testing.T) {
	web := &stubWeb{items: []models.EvidenceItem{webItem("https://a.com")}}
	r := &Router{Vector: StaticVectorSearcher{}, Web: web}

	items, err := r.Retrieve(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRouter_PropagatesErrors(t *testing.T) {
	r := &Router{Web: &stubWeb{err: errors.New("quota")}}
	_, err := r.Retrieve(context.Background(), Request{Query: "q", Tools: models.ToolConfig{WebSearchEnabled: true}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web search")
}

func TestFilterDomains(t *testing.T) {
	items := []models.EvidenceItem{
		webItem("https://docs.example.com/x"),
		webItem("https://other.org/y"),
		webItem("not a url"),
	}
	out := filterDomains(items, []string{"example.com"}, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "https://docs.example.com/x", out[0].URL())

	assert.Len(t, filterDomains(items, nil, nil), 3)
}

func TestHTTPWebSearcher_FetchesPages(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "battery recycling", r.URL.Query().Get("q"))
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]string{
			{"title": "Page", "url": srvURL + "/page", "snippet": "snippet text"},
			{"title": "Missing", "url": srvURL + "/missing", "snippet": "fallback snippet"},
		}})
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><script>var x=1;</script></head><body><nav>menu</nav><article><h1>Title</h1>
<p>Recycling   rates rose.</p></article></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	s := &HTTPWebSearcher{Endpoint: srv.URL + "/search", APIKey: "key", FetchPages: true}
	items, err := s.SearchWeb(context.Background(), "battery recycling", 5)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Title Recycling rates rose.", items[0].Content)
	assert.Equal(t, "fallback snippet", items[1].Content)
	assert.Equal(t, srv.URL+"/page", items[0].URL())
}

func TestHTTPVectorSearcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req vectorSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"vs1"}, req.VectorStoreIDs)
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{
			{"id": "chunk-1", "content": "Q3 revenue", "vectorStoreId": "vs1", "score": 0.9},
		}})
	}))
	defer srv.Close()

	s := &HTTPVectorSearcher{Endpoint: srv.URL}
	items, err := s.SearchVector(context.Background(), "revenue", []string{"vs1"}, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "chunk-1", items[0].ID)
	assert.Equal(t, models.EvidenceVector, items[0].Kind)
}

func TestHTTPVectorSearcher_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := (&HTTPVectorSearcher{Endpoint: srv.URL}).SearchVector(context.Background(), "q", []string{"a"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestExtractText_Truncates(t *testing.T) {
	text, err := ExtractText(strings.NewReader("<body><p>abcdefghij</p></body>"), 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", text)
}
