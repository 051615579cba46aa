package store

import "time"

// Template lifecycle statuses.
const (
	StatusDraft         = "DRAFT"
	StatusPendingReview = "PENDING_REVIEW"
	StatusApproved      = "APPROVED"
	StatusRejected      = "REJECTED"
)

type Department struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Template is one persisted assessment form template. OriginalID links a
// version back to the template it was created from; Version counts up within
// that chain.
type Template struct {
	ID                string
	Name              string
	Description       string
	DepartmentID      string
	Status            string
	SourceDocumentURL string
	EditedDocumentURL string
	OriginalID        string
	Version           int
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TemplateSection is a persisted schema section in display order.
type TemplateSection struct {
	ID                string
	TemplateID        string
	Label             string
	EditBy            string
	RoleInSubject     string
	IsSubmittable     bool
	IsToggleDependent bool
	DisplayOrder      int
}

// TemplateField is a persisted schema field. ParentFieldID references the
// persisted parent row when it could be resolved at save time; ParentTempID
// keeps the tempId reference either way.
type TemplateField struct {
	ID            string
	SectionID     string
	TemplateID    string
	Label         string
	FieldName     string
	FieldType     string
	RoleRequired  string
	TempID        string
	ParentTempID  string
	ParentFieldID string
	OptionsJSON   string
	DisplayOrder  int
}

// TemplateFilter narrows ListTemplates.
type TemplateFilter struct {
	Status       string
	DepartmentID string
	Query        string
	Limit        int
	Offset       int
}
