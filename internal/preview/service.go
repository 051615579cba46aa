package preview

import (
	"fmt"

	"evalsync/api/internal/schema"
)

// Service renders form previews.
type Service struct{}

// NewService creates a preview service.
func NewService() *Service {
	return &Service{}
}

// RenderHTML renders the form preview as standalone HTML.
func (s *Service) RenderHTML(payload schema.Payload, departmentName string, version int, status string) (string, error) {
	data := BuildTemplateData(payload, departmentName, version, status)
	html, err := RenderFormHTML(data)
	if err != nil {
		return "", fmt.Errorf("render form template: %w", err)
	}
	return html, nil
}

// RenderPDF renders the form preview as a PDF.
func (s *Service) RenderPDF(payload schema.Payload, departmentName string, version int, status string) (*Result, error) {
	html, err := s.RenderHTML(payload, departmentName, version, status)
	if err != nil {
		return nil, err
	}
	return renderPDF(html, payload.Name)
}
