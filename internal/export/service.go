package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"report-orchestrator/internal/models"
)

// Result describes a stored export file.
type Result struct {
	Key         string
	Location    string
	FileName    string
	ContentType string
	Size        int64
	Checksum    string
}

// Service renders a run in the requested format and stores the file.
type Service struct {
	renderers map[models.ExportFormat]Renderer
	storage   Storage
	now       func() time.Time
}

// NewService builds a service with the markdown renderer always available.
func NewService(storage Storage, renderers map[models.ExportFormat]Renderer) *Service {
	all := map[models.ExportFormat]Renderer{models.FormatMarkdown: MarkdownRenderer{}}
	for f, r := range renderers {
		if r != nil {
			all[f] = r
		}
	}
	return &Service{renderers: all, storage: storage, now: func() time.Time { return time.Now().UTC() }}
}

// Supports reports whether a renderer exists for the format.
func (s *Service) Supports(f models.ExportFormat) bool {
	_, ok := s.renderers[f]
	return ok
}

// Export renders run and stores it under the export's object key.
func (s *Service) Export(ctx context.Context, run models.Run, exportID string, format models.ExportFormat, sources []string) (Result, error) {
	renderer, ok := s.renderers[format]
	if !ok {
		return Result{}, fmt.Errorf("no renderer configured for %s", format)
	}
	at := s.now()
	doc := Document{Run: run, Sources: sources, ExportedAt: at, FileName: FileName(run, format, at)}
	body, err := renderer.Render(ctx, doc)
	if err != nil {
		return Result{}, err
	}

	sum := sha256.Sum256(body)
	res := Result{
		Key:         ObjectKey(run.ID, exportID, format),
		FileName:    doc.FileName,
		ContentType: ContentType(format),
		Size:        int64(len(body)),
		Checksum:    hex.EncodeToString(sum[:]),
	}
	res.Location, err = s.storage.Put(ctx, Object{Key: res.Key, Body: body, ContentType: res.ContentType, FileName: res.FileName})
	if err != nil {
		return Result{}, fmt.Errorf("store export: %w", err)
	}
	return res, nil
}
