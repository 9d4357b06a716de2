package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"report-orchestrator/internal/models"
)

// HTTPVectorSearcher posts queries to a vector search service.
type HTTPVectorSearcher struct {
	Endpoint string
	APIKey   string
	Limit    int
	Client   *http.Client
}

type vectorSearchRequest struct {
	Query          string   `json:"query"`
	VectorStoreIDs []string `json:"vectorStoreIds"`
	FileIDs        []string `json:"fileIds,omitempty"`
	Limit          int      `json:"limit"`
}

type vectorSearchResponse struct {
	Results []struct {
		ID            string  `json:"id"`
		Content       string  `json:"content"`
		Score         float64 `json:"score"`
		VectorStoreID string  `json:"vectorStoreId"`
		FileID        string  `json:"fileId"`
		Filename      string  `json:"filename"`
	} `json:"results"`
}

// SearchVector implements VectorSearcher.
func (s *HTTPVectorSearcher) SearchVector(ctx context.Context, query string, storeIDs, fileIDs []string) ([]models.EvidenceItem, error) {
	limit := s.Limit
	if limit <= 0 {
		limit = 5
	}
	body, err := json.Marshal(vectorSearchRequest{Query: query, VectorStoreIDs: storeIDs, FileIDs: fileIDs, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("encode vector request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build vector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	var out vectorSearchResponse
	if err := doJSON(s.client(), req, &out); err != nil {
		return nil, err
	}
	items := make([]models.EvidenceItem, 0, len(out.Results))
	for _, r := range out.Results {
		items = append(items, models.EvidenceItem{
			ID:      r.ID,
			Kind:    models.EvidenceVector,
			Content: r.Content,
			Metadata: map[string]any{
				"vectorStoreId": r.VectorStoreID,
				"fileId":        r.FileID,
				"filename":      r.Filename,
				"score":         r.Score,
			},
		})
	}
	return items, nil
}

func (s *HTTPVectorSearcher) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// StaticVectorSearcher returns one canned item per vector store. It backs
// local runs where no vector service is reachable.
type StaticVectorSearcher struct{}

// SearchVector implements VectorSearcher.
func (StaticVectorSearcher) SearchVector(_ context.Context, query string, storeIDs, _ []string) ([]models.EvidenceItem, error) {
	items := make([]models.EvidenceItem, 0, len(storeIDs))
	for _, id := range storeIDs {
		items = append(items, models.EvidenceItem{
			ID:       "vs-" + id,
			Kind:     models.EvidenceVector,
			Content:  fmt.Sprintf("Reference material for %q from vector store %s.", query, id),
			Metadata: map[string]any{"vectorStoreId": id},
		})
	}
	return items, nil
}

// HTTPWebSearcher calls a JSON web search endpoint and optionally fetches
// each result page to extract its text.
type HTTPWebSearcher struct {
	Endpoint     string
	APIKey       string
	FetchPages   bool
	MaxPageBytes int64
	MaxChars     int
	Client       *http.Client
}

type webSearchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

// SearchWeb implements WebSearcher.
func (s *HTTPWebSearcher) SearchWeb(ctx context.Context, query string, limit int) ([]models.EvidenceItem, error) {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse web search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build web request: %w", err)
	}
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	var out webSearchResponse
	if err := doJSON(s.client(), req, &out); err != nil {
		return nil, err
	}

	items := make([]models.EvidenceItem, 0, len(out.Results))
	for i, r := range out.Results {
		if limit > 0 && i >= limit {
			break
		}
		content := r.Snippet
		if s.FetchPages && r.URL != "" {
			if text, err := s.fetchText(ctx, r.URL); err == nil && text != "" {
				content = text
			}
		}
		items = append(items, models.EvidenceItem{
			Kind:     models.EvidenceWeb,
			Content:  content,
			Metadata: map[string]any{"url": r.URL, "title": r.Title},
		})
	}
	return items, nil
}

func (s *HTTPWebSearcher) fetchText(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}
	maxBytes := s.MaxPageBytes
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	return ExtractText(io.LimitReader(resp.Body, maxBytes), s.MaxChars)
}

func (s *HTTPWebSearcher) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 20 * time.Second}
}

// ExtractText returns the readable text of an HTML page, preferring
// <article> or <main> over <body>. maxChars <= 0 means 4000.
func ExtractText(r io.Reader, maxChars int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, nav, footer, header").Remove()

	sel := doc.Find("article")
	if sel.Length() == 0 {
		sel = doc.Find("main")
	}
	if sel.Length() == 0 {
		sel = doc.Find("body")
	}
	text := strings.Join(strings.Fields(sel.First().Text()), " ")
	if maxChars <= 0 {
		maxChars = 4000
	}
	if runes := []rune(text); len(runes) > maxChars {
		text = string(runes[:maxChars])
	}
	return text, nil
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Host, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Host, err)
	}
	return nil
}
