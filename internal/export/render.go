// Package export renders completed reports into files and stores them.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"report-orchestrator/internal/models"
)

// Document is everything a renderer needs to produce one export.
type Document struct {
	Run        models.Run
	Sources    []string
	ExportedAt time.Time
	FileName   string
}

// Renderer turns a document into file bytes of one format.
type Renderer interface {
	Render(ctx context.Context, doc Document) ([]byte, error)
}

// Extension returns the file extension of a format.
func Extension(f models.ExportFormat) string {
	switch f {
	case models.FormatMarkdown:
		return "md"
	case models.FormatPDF:
		return "pdf"
	case models.FormatDOCX:
		return "docx"
	}
	return "bin"
}

// ContentType returns the MIME type of a format.
func ContentType(f models.ExportFormat) string {
	switch f {
	case models.FormatMarkdown:
		return "text/markdown"
	case models.FormatPDF:
		return "application/pdf"
	case models.FormatDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	}
	return "application/octet-stream"
}

// ObjectKey is the storage key of an export.
func ObjectKey(runID, exportID string, f models.ExportFormat) string {
	return fmt.Sprintf("report-runs/%s/%s.%s", runID, exportID, Extension(f))
}

var (
	unsafeName = regexp.MustCompile(`[^a-zA-Z0-9\s-]`)
	spaceRun   = regexp.MustCompile(`\s+`)
)

func sanitizeName(s string) string {
	s = spaceRun.ReplaceAllString(unsafeName.ReplaceAllString(s, ""), "-")
	if len(s) > 50 {
		s = s[:50]
	}
	return s
}

// FileName builds the download name topic_template_shortid_date.ext.
func FileName(run models.Run, f models.ExportFormat, at time.Time) string {
	topic := run.Input.Topic
	if topic == "" {
		topic = "Report"
	}
	template := "Template"
	if run.TemplateSnapshot != nil && run.TemplateSnapshot.Name != "" {
		template = run.TemplateSnapshot.Name
	}
	shortID := run.ID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	return fmt.Sprintf("%s_%s_%s_%s.%s", sanitizeName(topic), sanitizeName(template), shortID,
		at.UTC().Format("2006-01-02"), Extension(f))
}

// MarkdownDocument appends the export appendix to the final report.
func MarkdownDocument(doc Document) string {
	body := "# Report\n\nNo content available."
	if doc.Run.FinalReport != nil && strings.TrimSpace(doc.Run.FinalReport.Content) != "" {
		body = doc.Run.FinalReport.Content
	}
	name, version := "Template", "n/a"
	if t := doc.Run.TemplateSnapshot; t != nil {
		if t.Name != "" {
			name = t.Name
		}
		if t.Version > 0 {
			version = fmt.Sprint(t.Version)
		}
	}
	lines := []string{
		"## Appendix",
		fmt.Sprintf("- Template: %s (v%s)", name, version),
		"- Run ID: " + doc.Run.ID,
		"- Exported At: " + doc.ExportedAt.UTC().Format(time.RFC3339),
	}
	if len(doc.Sources) > 0 {
		lines = append(lines, "### Web Sources")
		for _, s := range doc.Sources {
			lines = append(lines, "- "+s)
		}
	}
	return body + "\n\n" + strings.Join(lines, "\n") + "\n"
}

// MarkdownRenderer produces the markdown export in process.
type MarkdownRenderer struct{}

func (MarkdownRenderer) Render(_ context.Context, doc Document) ([]byte, error) {
	return []byte(MarkdownDocument(doc)), nil
}

// ServiceRenderer converts the markdown document to PDF or DOCX through an
// external rendering service.
type ServiceRenderer struct {
	baseURL string
	format  models.ExportFormat
	client  *http.Client
}

// NewServiceRenderer targets POST {baseURL}/render.
func NewServiceRenderer(baseURL string, format models.ExportFormat, client *http.Client) *ServiceRenderer {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &ServiceRenderer{baseURL: strings.TrimRight(baseURL, "/"), format: format, client: client}
}

type renderRequest struct {
	Format   string `json:"format"`
	FileName string `json:"fileName"`
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

func (r *ServiceRenderer) Render(ctx context.Context, doc Document) ([]byte, error) {
	title := "Report"
	if doc.Run.TemplateSnapshot != nil && doc.Run.TemplateSnapshot.Name != "" {
		title = doc.Run.TemplateSnapshot.Name
	}
	payload, err := json.Marshal(renderRequest{
		Format:   Extension(r.format),
		FileName: doc.FileName,
		Title:    title,
		Markdown: MarkdownDocument(doc),
	})
	if err != nil {
		return nil, fmt.Errorf("encode render request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/render", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", ContentType(r.format))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", r.format, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read rendered %s: %w", r.format, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("render %s: status %d: %s", r.format, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("render %s: empty response", r.format)
	}
	return body, nil
}
