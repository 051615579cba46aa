package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"evalsync/api/internal/config"
	"evalsync/api/internal/docstore"
	"evalsync/api/internal/editor"
	"evalsync/api/internal/preview"
	"evalsync/api/internal/revisions"
	"evalsync/api/internal/schema"
	"evalsync/api/internal/search"
	"evalsync/api/internal/session"
	"evalsync/api/internal/store"
	"evalsync/api/internal/util"
)

const draftTTL = 24 * time.Hour

type dataStore interface {
	Ping(ctx context.Context) error
	CreateTemplate(ctx context.Context, payload schema.Payload, createdBy string) (store.Template, error)
	CreateVersion(ctx context.Context, originalID string, payload schema.Payload, createdBy string) (store.Template, error)
	UpdateDraft(ctx context.Context, id string, payload schema.Payload) error
	UpdateRejected(ctx context.Context, id string, payload schema.Payload) error
	UpdateStatus(ctx context.Context, id, status string) error
	GetTemplateByID(ctx context.Context, id string) (store.Template, error)
	ListTemplates(ctx context.Context, filter store.TemplateFilter) ([]store.Template, error)
	ListPersistedFields(ctx context.Context, templateID string) ([]schema.PersistedField, error)
	GetTemplateSchema(ctx context.Context, templateID string) (schema.Schema, error)
	ListDepartments(ctx context.Context) ([]store.Department, error)
	EnsureDepartment(ctx context.Context, name string) (store.Department, error)
}

type draftStore interface {
	SaveDraftState(ctx context.Context, draftID string, state session.DraftState, ttl time.Duration) error
	LoadDraftState(ctx context.Context, draftID string) (session.DraftState, error)
	DeleteDraftState(ctx context.Context, draftID string) error
}

type documentStore interface {
	UploadDocument(ctx context.Context, r io.Reader, size int64, filename, contentType string) (docstore.Upload, error)
	UploadFromURL(ctx context.Context, sourceURL, filename string) (string, error)
	DeleteObject(ctx context.Context, objectID string) (bool, error)
}

type extractor interface {
	ExtractFields(ctx context.Context, documentURL string) ([]schema.DocumentField, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexTemplate(record search.TemplateRecord)
	DeleteTemplate(id string)
}

type revisionLog interface {
	EnsureTemplateRepo(templateID string, initial schema.Payload, author string) error
	CommitPayload(templateID string, payload schema.Payload, author, message string) (revisions.RevisionInfo, error)
	GetPayloadByHash(templateID, hash string) (schema.Payload, error)
	History(templateID string, limit int) ([]revisions.RevisionInfo, error)
}

type reviewNotifier interface {
	IsConfigured() bool
	SendSubmittedForReview(to []string, templateName, department, submittedBy, reviewURL string) error
	SendReviewDecision(to, templateName, decision, note, templateURL string) error
}

type previewRenderer interface {
	RenderHTML(payload schema.Payload, departmentName string, version int, status string) (string, error)
	RenderPDF(payload schema.Payload, departmentName string, version int, status string) (*preview.Result, error)
}

// Dependencies carries the service collaborators. Extractor, Search, Notify
// and Preview may be nil; the corresponding behavior degrades gracefully.
type Dependencies struct {
	Store       dataStore
	Drafts      draftStore
	Documents   documentStore
	Extractor   extractor
	Search      searchService
	Revisions   revisionLog
	Notify      reviewNotifier
	Preview     previewRenderer
	Tokens      *editor.TokenIssuer
	Coordinator editor.Coordinator
	Commander   editor.Commander
}

type Service struct {
	cfg       config.Config
	store     dataStore
	drafts    draftStore
	docs      documentStore
	extract   extractor
	search    searchService
	revisions revisionLog
	notify    reviewNotifier
	preview   previewRenderer
	tokens    *editor.TokenIssuer

	sessions *editor.Manager
	moves    *schema.MoveDeduper

	mu            sync.Mutex
	sessionDrafts map[string]string // session key -> draft id
}

func New(cfg config.Config, deps Dependencies) *Service {
	s := &Service{
		cfg:           cfg,
		store:         deps.Store,
		drafts:        deps.Drafts,
		docs:          deps.Documents,
		extract:       deps.Extractor,
		search:        deps.Search,
		revisions:     deps.Revisions,
		notify:        deps.Notify,
		preview:       deps.Preview,
		tokens:        deps.Tokens,
		moves:         schema.NewMoveDeduper(),
		sessionDrafts: make(map[string]string),
	}
	s.sessions = editor.NewManager(deps.Coordinator, deps.Commander, s)
	s.sessions.SetSubmitWait(cfg.SubmitTimeout)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- Draft working copies ----

// CreateDraftInput starts a new working copy, either blank or seeded from an
// existing template.
type CreateDraftInput struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	Department        string `json:"department"`
	SourceDocumentURL string `json:"sourceDocumentUrl"`
	TemplateID        string `json:"templateId"`
}

// DraftView is the draft working copy as returned to clients.
type DraftView struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Description       string        `json:"description,omitempty"`
	DepartmentID      string        `json:"departmentId"`
	SourceDocumentURL string        `json:"sourceDocumentUrl,omitempty"`
	EditedDocumentURL string        `json:"editedDocumentUrl,omitempty"`
	TemplateID        string        `json:"templateId,omitempty"`
	OriginalID        string        `json:"originalId,omitempty"`
	SessionKey        string        `json:"sessionKey,omitempty"`
	Schema            schema.Schema `json:"schema"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

func draftView(id string, st session.DraftState) DraftView {
	return DraftView{
		ID:                id,
		Name:              st.Name,
		Description:       st.Description,
		DepartmentID:      st.DepartmentID,
		SourceDocumentURL: st.SourceDocumentURL,
		EditedDocumentURL: st.EditedDocumentURL,
		TemplateID:        st.TemplateID,
		OriginalID:        st.OriginalID,
		SessionKey:        st.SessionKey,
		Schema:            st.Schema,
		UpdatedAt:         st.UpdatedAt,
	}
}

func (s *Service) CreateDraft(ctx context.Context, input CreateDraftInput) (DraftView, error) {
	if strings.TrimSpace(input.Name) == "" {
		return DraftView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if strings.TrimSpace(input.Department) == "" {
		return DraftView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "department is required", nil)
	}

	dept, err := s.store.EnsureDepartment(ctx, input.Department)
	if err != nil {
		return DraftView{}, err
	}

	state := session.DraftState{
		Name:              strings.TrimSpace(input.Name),
		Description:       strings.TrimSpace(input.Description),
		DepartmentID:      dept.ID,
		SourceDocumentURL: input.SourceDocumentURL,
		Schema:            schema.Schema{},
	}

	if input.TemplateID != "" {
		tpl, err := s.store.GetTemplateByID(ctx, input.TemplateID)
		if err != nil {
			return DraftView{}, err
		}
		existing, err := s.store.GetTemplateSchema(ctx, tpl.ID)
		if err != nil {
			return DraftView{}, err
		}
		state.TemplateID = tpl.ID
		state.OriginalID = firstNonBlank(tpl.OriginalID, tpl.ID)
		state.SourceDocumentURL = firstNonBlank(input.SourceDocumentURL, tpl.SourceDocumentURL)
		state.EditedDocumentURL = tpl.EditedDocumentURL
		state.Schema = existing
	}

	draftID := util.NewID("draft")
	if err := s.drafts.SaveDraftState(ctx, draftID, state, draftTTL); err != nil {
		return DraftView{}, err
	}
	state.UpdatedAt = time.Now().UTC()
	return draftView(draftID, state), nil
}

func (s *Service) GetDraft(ctx context.Context, draftID string) (DraftView, error) {
	state, err := s.drafts.LoadDraftState(ctx, draftID)
	if err != nil {
		return DraftView{}, err
	}
	return draftView(draftID, state), nil
}

// SectionOp is one schema edit on a draft: add, edit or remove a section.
type SectionOp struct {
	Action  string          `json:"action"`
	Index   int             `json:"index"`
	Section *schema.Section `json:"section,omitempty"`
}

func (s *Service) ApplySectionOp(ctx context.Context, draftID string, op SectionOp) (DraftView, error) {
	state, err := s.drafts.LoadDraftState(ctx, draftID)
	if err != nil {
		return DraftView{}, err
	}

	switch op.Action {
	case "add", "edit":
		if op.Section == nil {
			return DraftView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "section is required", nil)
		}
		editing := -1
		if op.Action == "edit" {
			if op.Index < 0 || op.Index >= len(state.Schema) {
				return DraftView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "section index out of range", nil)
			}
			editing = op.Index
		}
		sec := schema.SetToggleDependent(*op.Section, op.Section.IsToggleDependent)
		if err := schema.ValidateSectionLabel(state.Schema, sec.Label, editing); err != nil {
			return DraftView{}, err
		}
		if err := schema.ValidateSection(sec); err != nil {
			return DraftView{}, err
		}
		if err := validateSectionFields(sec); err != nil {
			return DraftView{}, err
		}
		next := state.Schema.Clone()
		if op.Action == "add" {
			next = append(next, sec)
		} else {
			next[op.Index] = sec
		}
		state.Schema = next
	case "remove":
		if op.Index < 0 || op.Index >= len(state.Schema) {
			return DraftView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "section index out of range", nil)
		}
		next := state.Schema.Clone()
		state.Schema = append(next[:op.Index], next[op.Index+1:]...)
	default:
		return DraftView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown action %q", op.Action), nil)
	}

	if err := s.drafts.SaveDraftState(ctx, draftID, state, draftTTL); err != nil {
		return DraftView{}, err
	}
	state.UpdatedAt = time.Now().UTC()
	return draftView(draftID, state), nil
}

// MoveInput describes one drag intent against a draft's schema.
type MoveInput struct {
	Kind        string `json:"kind"` // "field", "section"
	FromSection int    `json:"fromSection"`
	FromIndex   int    `json:"fromIndex"`
	ToSection   int    `json:"toSection"`
	ToIndex     int    `json:"toIndex"`
}

// MoveResult reports whether the move took effect; a deduplicated move
// returns the schema unchanged with Deduplicated set.
type MoveResult struct {
	Draft        DraftView `json:"draft"`
	Deduplicated bool      `json:"deduplicated,omitempty"`
}

func (s *Service) ApplyMove(ctx context.Context, draftID string, input MoveInput) (MoveResult, error) {
	key := draftID + ":" + input.Kind + ":" + schema.MoveKey(input.FromSection, input.FromIndex, input.ToSection)

	var result MoveResult
	ran, err := s.moves.Do(key, func() error {
		state, err := s.drafts.LoadDraftState(ctx, draftID)
		if err != nil {
			return err
		}

		var next schema.Schema
		switch input.Kind {
		case "field":
			next, err = schema.MoveFieldAcross(state.Schema, input.FromSection, input.FromIndex, input.ToSection, input.ToIndex)
		case "section":
			next, err = schema.MoveSection(state.Schema, input.FromIndex, input.ToIndex)
		default:
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown move kind %q", input.Kind), nil)
		}
		if err != nil {
			return err
		}

		state.Schema = next
		if err := s.drafts.SaveDraftState(ctx, draftID, state, draftTTL); err != nil {
			return err
		}
		state.UpdatedAt = time.Now().UTC()
		result.Draft = draftView(draftID, state)
		return nil
	})
	if err != nil {
		return MoveResult{}, err
	}
	if !ran {
		state, err := s.drafts.LoadDraftState(ctx, draftID)
		if err != nil {
			return MoveResult{}, err
		}
		return MoveResult{Draft: draftView(draftID, state), Deduplicated: true}, nil
	}
	return result, nil
}

// DraftPreviewPDF renders the draft's current schema as a printable PDF.
func (s *Service) DraftPreviewPDF(ctx context.Context, draftID string) (*preview.Result, error) {
	if s.preview == nil {
		return nil, domainError(http.StatusServiceUnavailable, "PREVIEW_UNAVAILABLE", "Preview rendering not configured", nil)
	}
	state, err := s.drafts.LoadDraftState(ctx, draftID)
	if err != nil {
		return nil, err
	}
	payload := s.buildDraftPayload(ctx, state)
	deptName := state.DepartmentID
	if depts, err := s.store.ListDepartments(ctx); err == nil {
		for _, d := range depts {
			if d.ID == state.DepartmentID {
				deptName = d.Name
			}
		}
	}
	version := 1
	status := store.StatusDraft
	if state.TemplateID != "" {
		if tpl, err := s.store.GetTemplateByID(ctx, state.TemplateID); err == nil {
			version = tpl.Version
			status = tpl.Status
		}
	}
	return s.preview.RenderPDF(payload, deptName, version, status)
}

func (s *Service) buildDraftPayload(ctx context.Context, state session.DraftState) schema.Payload {
	meta := schema.Metadata{
		Name:              state.Name,
		Description:       state.Description,
		DepartmentID:      state.DepartmentID,
		SourceDocumentURL: state.SourceDocumentURL,
		EditedDocumentURL: state.EditedDocumentURL,
		OriginalID:        state.OriginalID,
	}
	if state.TemplateID != "" {
		if persisted, err := s.store.ListPersistedFields(ctx, state.TemplateID); err == nil {
			return schema.BuildPayloadExisting(state.Schema, meta, persisted)
		}
	}
	return schema.BuildPayload(state.Schema, meta)
}

// ---- Templates ----

// TemplateView is a persisted template with its reconstructed schema.
type TemplateView struct {
	store.Template
	Schema schema.Schema `json:"schema,omitempty"`
}

// SaveTemplate persists a draft working copy as a new template in DRAFT
// status and starts its revision history.
func (s *Service) SaveTemplate(ctx context.Context, draftID, createdBy string) (TemplateView, error) {
	state, err := s.drafts.LoadDraftState(ctx, draftID)
	if err != nil {
		return TemplateView{}, err
	}
	if err := s.validateSchema(state.Schema); err != nil {
		return TemplateView{}, err
	}

	payload := s.buildDraftPayload(ctx, state)
	tpl, err := s.store.CreateTemplate(ctx, payload, createdBy)
	if err != nil {
		return TemplateView{}, err
	}

	if err := s.revisions.EnsureTemplateRepo(tpl.ID, payload, firstNonBlank(createdBy, "evalsync")); err != nil {
		log.Printf("app: start revision history for %s: %v", tpl.ID, err)
	}
	s.indexTemplate(tpl)

	state.TemplateID = tpl.ID
	if err := s.drafts.SaveDraftState(ctx, draftID, state, draftTTL); err != nil {
		log.Printf("app: link draft %s to template %s: %v", draftID, tpl.ID, err)
	}

	return TemplateView{Template: tpl}, nil
}

// SaveTemplateVersion persists the draft as a new version in the template's
// chain.
func (s *Service) SaveTemplateVersion(ctx context.Context, templateID, draftID, createdBy string) (TemplateView, error) {
	state, err := s.drafts.LoadDraftState(ctx, draftID)
	if err != nil {
		return TemplateView{}, err
	}
	if err := s.validateSchema(state.Schema); err != nil {
		return TemplateView{}, err
	}

	payload := s.buildDraftPayload(ctx, state)
	tpl, err := s.store.CreateVersion(ctx, templateID, payload, createdBy)
	if err != nil {
		return TemplateView{}, err
	}

	if err := s.revisions.EnsureTemplateRepo(tpl.ID, payload, firstNonBlank(createdBy, "evalsync")); err != nil {
		log.Printf("app: start revision history for %s: %v", tpl.ID, err)
	}
	s.indexTemplate(tpl)
	return TemplateView{Template: tpl}, nil
}

// UpdateTemplateDraft overwrites a template that is still in DRAFT status
// with the draft working copy.
func (s *Service) UpdateTemplateDraft(ctx context.Context, templateID, draftID, actor string) (TemplateView, error) {
	return s.updateTemplate(ctx, templateID, draftID, actor, false)
}

// UpdateTemplateRejected overwrites a REJECTED template, moving it back into
// review.
func (s *Service) UpdateTemplateRejected(ctx context.Context, templateID, draftID, actor string) (TemplateView, error) {
	return s.updateTemplate(ctx, templateID, draftID, actor, true)
}

func (s *Service) updateTemplate(ctx context.Context, templateID, draftID, actor string, rejected bool) (TemplateView, error) {
	state, err := s.drafts.LoadDraftState(ctx, draftID)
	if err != nil {
		return TemplateView{}, err
	}
	if err := s.validateSchema(state.Schema); err != nil {
		return TemplateView{}, err
	}

	state.TemplateID = templateID
	payload := s.buildDraftPayload(ctx, state)

	if rejected {
		err = s.store.UpdateRejected(ctx, templateID, payload)
	} else {
		err = s.store.UpdateDraft(ctx, templateID, payload)
	}
	if err != nil {
		return TemplateView{}, err
	}

	if _, err := s.revisions.CommitPayload(templateID, payload, firstNonBlank(actor, "evalsync"), "Update draft"); err != nil {
		log.Printf("app: record revision for %s: %v", templateID, err)
	}

	tpl, err := s.store.GetTemplateByID(ctx, templateID)
	if err != nil {
		return TemplateView{}, err
	}
	s.indexTemplate(tpl)
	return TemplateView{Template: tpl}, nil
}

func (s *Service) GetTemplate(ctx context.Context, templateID string) (TemplateView, error) {
	tpl, err := s.store.GetTemplateByID(ctx, templateID)
	if err != nil {
		return TemplateView{}, err
	}
	sch, err := s.store.GetTemplateSchema(ctx, templateID)
	if err != nil {
		return TemplateView{}, err
	}
	return TemplateView{Template: tpl, Schema: sch}, nil
}

// ListTemplates answers the list endpoint. A free-text query goes through the
// search facade; plain filters hit Postgres directly.
func (s *Service) ListTemplates(ctx context.Context, status, departmentID, query string, limit, offset int) (map[string]any, error) {
	if query != "" && s.search != nil {
		resp := s.search.Search(search.Query{
			Text:               query,
			FilterStatus:       status,
			FilterDepartmentID: departmentID,
			Limit:              limit,
			Offset:             offset,
		})
		return map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query}, nil
	}

	items, err := s.store.ListTemplates(ctx, store.TemplateFilter{
		Status:       status,
		DepartmentID: departmentID,
		Query:        query,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"templates": items}, nil
}

// ReviewTemplate records an APPROVED or REJECTED decision and notifies the
// author.
func (s *Service) ReviewTemplate(ctx context.Context, templateID, decision, note, authorEmail string) (TemplateView, error) {
	if decision != store.StatusApproved && decision != store.StatusRejected {
		return TemplateView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "decision must be APPROVED or REJECTED", nil)
	}
	tpl, err := s.store.GetTemplateByID(ctx, templateID)
	if err != nil {
		return TemplateView{}, err
	}
	if tpl.Status != store.StatusPendingReview {
		return TemplateView{}, domainError(http.StatusConflict, "INVALID_STATE", "only templates pending review can be decided", nil)
	}
	if err := s.store.UpdateStatus(ctx, templateID, decision); err != nil {
		return TemplateView{}, err
	}
	tpl.Status = decision
	s.indexTemplate(tpl)

	if s.notify != nil && s.notify.IsConfigured() && authorEmail != "" {
		templateURL := s.cfg.CallbackBaseURL + "/templates/" + tpl.ID
		if err := s.notify.SendReviewDecision(authorEmail, tpl.Name, decision, note, templateURL); err != nil {
			log.Printf("app: send review decision for %s: %v", tpl.ID, err)
		}
	}
	return TemplateView{Template: tpl}, nil
}

func (s *Service) ListDepartments(ctx context.Context) ([]store.Department, error) {
	return s.store.ListDepartments(ctx)
}

func (s *Service) validateSchema(sch schema.Schema) error {
	for i, sec := range sch {
		if err := schema.ValidateSectionLabel(sch, sec.Label, i); err != nil {
			return err
		}
		if err := schema.ValidateSection(sec); err != nil {
			return err
		}
		if err := validateSectionFields(sec); err != nil {
			return err
		}
	}
	return nil
}

// validateSectionFields checks every field against the rest of its section:
// each field is validated with itself removed, so name uniqueness sees all
// other fields and parent references can resolve anywhere in the section.
func validateSectionFields(sec schema.Section) error {
	for i := range sec.Fields {
		rest := sec
		rest.Fields = make([]schema.Field, 0, len(sec.Fields)-1)
		rest.Fields = append(rest.Fields, sec.Fields[:i]...)
		rest.Fields = append(rest.Fields, sec.Fields[i+1:]...)
		if err := schema.ValidateFieldInSection(rest, sec.Fields[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) indexTemplate(tpl store.Template) {
	if s.search == nil {
		return
	}
	s.search.IndexTemplate(search.TemplateRecord{
		ID:           tpl.ID,
		Name:         tpl.Name,
		Description:  tpl.Description,
		DepartmentID: tpl.DepartmentID,
		Status:       tpl.Status,
	})
}

// ---- Documents ----

func (s *Service) UploadDocument(ctx context.Context, r io.Reader, size int64, filename, contentType string) (docstore.Upload, error) {
	return s.docs.UploadDocument(ctx, r, size, filename, contentType)
}

func (s *Service) ImportDocument(ctx context.Context, sourceURL, filename string) (string, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "url is required", nil)
	}
	if _, err := url.ParseRequestURI(sourceURL); err != nil {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "url is not valid", nil)
	}
	return s.docs.UploadFromURL(ctx, sourceURL, firstNonBlank(filename, "imported.docx"))
}

func (s *Service) DeleteDocument(ctx context.Context, objectID string) (bool, error) {
	return s.docs.DeleteObject(ctx, objectID)
}

// ---- Editor sessions ----

// EditorSessionView is the bootstrap handed to the browser: the key, the
// signed config token and the config itself.
type EditorSessionView struct {
	SessionKey string               `json:"sessionKey"`
	Config     editor.SessionConfig `json:"config"`
	Token      string               `json:"token"`
}

// OpenEditorSession issues a new session for a draft. Any previous session
// for the draft is superseded; its late events will be discarded on arrival.
func (s *Service) OpenEditorSession(ctx context.Context, draftID string) (EditorSessionView, error) {
	state, err := s.drafts.LoadDraftState(ctx, draftID)
	if err != nil {
		return EditorSessionView{}, err
	}
	documentURL := firstNonBlank(state.EditedDocumentURL, state.SourceDocumentURL)
	if documentURL == "" {
		return EditorSessionView{}, domainError(http.StatusConflict, "NO_DOCUMENT", "draft has no document to open", nil)
	}

	if state.SessionKey != "" {
		s.sessions.Close(state.SessionKey)
		s.mu.Lock()
		delete(s.sessionDrafts, state.SessionKey)
		s.mu.Unlock()
	}

	ctrl := s.sessions.Open()
	s.mu.Lock()
	s.sessionDrafts[ctrl.Key()] = draftID
	s.mu.Unlock()

	state.SessionKey = ctrl.Key()
	if err := s.drafts.SaveDraftState(ctx, draftID, state, draftTTL); err != nil {
		return EditorSessionView{}, err
	}

	cfg := editor.SessionConfig{
		DocumentURL: documentURL,
		CallbackURL: s.cfg.CallbackBaseURL + "/api/editor/callback?key=" + ctrl.Key(),
		SessionKey:  ctrl.Key(),
	}
	token, err := s.tokens.Sign(cfg)
	if err != nil {
		return EditorSessionView{}, err
	}
	return EditorSessionView{SessionKey: ctrl.Key(), Config: cfg, Token: token}, nil
}

// EditorDraft triggers a draft save+export for the session.
func (s *Service) EditorDraft(ctx context.Context, sessionKey string) error {
	ctrl, ok := s.sessions.Get(sessionKey)
	if !ok {
		return domainError(http.StatusNotFound, "NOT_FOUND", "No live editor session for key", nil)
	}
	return ctrl.Draft(ctx)
}

// EditorSubmit runs the submit flow end to end: coordinate the export with
// the editor, copy the exported document into durable storage, reconcile the
// document against the schema, persist the template and record the revision.
func (s *Service) EditorSubmit(ctx context.Context, sessionKey, actor string) (TemplateView, error) {
	ctrl, ok := s.sessions.Get(sessionKey)
	if !ok {
		return TemplateView{}, domainError(http.StatusNotFound, "NOT_FOUND", "No live editor session for key", nil)
	}

	exportURL, err := ctrl.Submit(ctx)
	if err != nil {
		return TemplateView{}, err
	}

	s.mu.Lock()
	draftID := s.sessionDrafts[sessionKey]
	s.mu.Unlock()
	if draftID == "" {
		return TemplateView{}, domainError(http.StatusNotFound, "NOT_FOUND", "No draft bound to editor session", nil)
	}

	state, err := s.drafts.LoadDraftState(ctx, draftID)
	if err != nil {
		return TemplateView{}, err
	}
	if err := s.validateSchema(state.Schema); err != nil {
		return TemplateView{}, err
	}

	editedURL, err := s.docs.UploadFromURL(ctx, exportURL, "edited.docx")
	if err != nil {
		return TemplateView{}, fmt.Errorf("store edited document: %w", err)
	}
	state.EditedDocumentURL = editedURL

	payload := s.buildDraftPayload(ctx, state)
	if err := s.reconcileDocument(ctx, payload, editedURL); err != nil {
		return TemplateView{}, err
	}

	var tpl store.Template
	if state.TemplateID == "" {
		tpl, err = s.store.CreateTemplate(ctx, payload, actor)
		if err != nil {
			return TemplateView{}, err
		}
		if err := s.revisions.EnsureTemplateRepo(tpl.ID, payload, firstNonBlank(actor, "evalsync")); err != nil {
			log.Printf("app: start revision history for %s: %v", tpl.ID, err)
		}
	} else {
		tpl, err = s.store.GetTemplateByID(ctx, state.TemplateID)
		if err != nil {
			return TemplateView{}, err
		}
		if tpl.Status == store.StatusRejected {
			err = s.store.UpdateRejected(ctx, tpl.ID, payload)
		} else {
			err = s.store.UpdateDraft(ctx, tpl.ID, payload)
		}
		if err != nil {
			return TemplateView{}, err
		}
	}

	if err := s.store.UpdateStatus(ctx, tpl.ID, store.StatusPendingReview); err != nil {
		return TemplateView{}, err
	}
	tpl.Status = store.StatusPendingReview

	if _, err := s.revisions.CommitPayload(tpl.ID, payload, firstNonBlank(actor, "evalsync"), "Submit for review"); err != nil {
		log.Printf("app: record submit revision for %s: %v", tpl.ID, err)
	}
	s.indexTemplate(tpl)

	if err := s.drafts.DeleteDraftState(ctx, draftID); err != nil {
		log.Printf("app: discard draft %s after submit: %v", draftID, err)
	}
	s.sessions.Close(sessionKey)
	s.mu.Lock()
	delete(s.sessionDrafts, sessionKey)
	s.mu.Unlock()

	s.notifySubmitted(tpl, actor)
	return TemplateView{Template: tpl}, nil
}

// reconcileDocument verifies the edited document and the schema declare the
// same field set. Extraction failures downgrade to skipped validation.
func (s *Service) reconcileDocument(ctx context.Context, payload schema.Payload, editedURL string) error {
	if s.extract == nil || editedURL == "" {
		return nil
	}
	docFields, err := s.extract.ExtractFields(ctx, editedURL)
	if err != nil {
		log.Printf("app: field extraction failed, skipping document validation: %v", err)
		return nil
	}

	var schemaFields []schema.PayloadField
	for _, sec := range payload.Sections {
		schemaFields = append(schemaFields, sec.Fields...)
	}
	result := schema.Reconcile(schemaFields, docFields)
	if !result.OK {
		return &schema.ReconciliationError{Result: result}
	}
	return nil
}

func (s *Service) notifySubmitted(tpl store.Template, actor string) {
	if s.notify == nil || !s.notify.IsConfigured() {
		return
	}
	reviewers := splitList(s.cfg.ReviewerList)
	if len(reviewers) == 0 {
		return
	}
	reviewURL := s.cfg.CallbackBaseURL + "/templates/" + tpl.ID + "/review"
	go func() {
		if err := s.notify.SendSubmittedForReview(reviewers, tpl.Name, tpl.DepartmentID, firstNonBlank(actor, "evalsync"), reviewURL); err != nil {
			log.Printf("app: notify reviewers for %s: %v", tpl.ID, err)
		}
	}()
}

// HandleEditorCallback verifies and dispatches one editor event. The ack
// shape mirrors what document editors expect: {"error": 0}.
func (s *Service) HandleEditorCallback(ctx context.Context, token string, ev editor.Event) (editor.Attribution, error) {
	if token != "" {
		cfg, err := s.tokens.VerifyCallback(token)
		if err != nil {
			return editor.AttributedDiscard, err
		}
		if ev.SessionKey == "" {
			ev.SessionKey = cfg.SessionKey
		}
	}
	return s.sessions.Dispatch(ctx, ev), nil
}

// SaveDraft receives the exported document URL of a genuine draft save. It
// satisfies the editor.DraftSaver contract.
func (s *Service) SaveDraft(ctx context.Context, sessionKey, documentURL string) error {
	s.mu.Lock()
	draftID := s.sessionDrafts[sessionKey]
	s.mu.Unlock()
	if draftID == "" {
		return fmt.Errorf("no draft bound to session %s", sessionKey)
	}

	edited, err := s.docs.UploadFromURL(ctx, documentURL, "edited.docx")
	if err != nil {
		return fmt.Errorf("store draft document: %w", err)
	}

	state, err := s.drafts.LoadDraftState(ctx, draftID)
	if err != nil {
		return err
	}
	state.EditedDocumentURL = edited
	if err := s.drafts.SaveDraftState(ctx, draftID, state, draftTTL); err != nil {
		return err
	}

	if state.TemplateID != "" {
		payload := s.buildDraftPayload(ctx, state)
		if _, err := s.revisions.CommitPayload(state.TemplateID, payload, "evalsync", "Draft save"); err != nil {
			log.Printf("app: record draft revision for %s: %v", state.TemplateID, err)
		}
	}
	return nil
}

// ---- Revisions ----

func (s *Service) ListRevisions(ctx context.Context, templateID string, limit int) ([]revisions.RevisionInfo, error) {
	if _, err := s.store.GetTemplateByID(ctx, templateID); err != nil {
		return nil, err
	}
	return s.revisions.History(templateID, limit)
}

func (s *Service) GetRevision(ctx context.Context, templateID, hash string) (schema.Payload, error) {
	if _, err := s.store.GetTemplateByID(ctx, templateID); err != nil {
		return schema.Payload{}, err
	}
	return s.revisions.GetPayloadByHash(templateID, hash)
}

// ---- helpers ----

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
