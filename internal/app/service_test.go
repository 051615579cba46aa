package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"evalsync/api/internal/config"
	"evalsync/api/internal/docstore"
	"evalsync/api/internal/editor"
	"evalsync/api/internal/revisions"
	"evalsync/api/internal/schema"
	"evalsync/api/internal/session"
	"evalsync/api/internal/store"
	"evalsync/api/internal/util"
)

// fakeFieldRow mirrors one persisted field row: a fresh row id per insert
// pass, with the parent reference resolved against rows from the same pass.
type fakeFieldRow struct {
	ID          string
	FieldName   string
	TempID      string
	ParentRowID string
}

type fakeStore struct {
	mu        sync.Mutex
	templates map[string]store.Template
	schemas   map[string]schema.Schema
	fields    map[string][]fakeFieldRow
	persisted map[string][]schema.PersistedField
	depts     map[string]store.Department
	statuses  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		templates: make(map[string]store.Template),
		schemas:   make(map[string]schema.Schema),
		fields:    make(map[string][]fakeFieldRow),
		persisted: make(map[string][]schema.PersistedField),
		depts:     make(map[string]store.Department),
	}
}

// replaceSchema mimics schema replacement: the previous rows are discarded,
// fresh row ids are minted, and a child whose parent cannot be resolved
// among the rows of this same pass is an FK violation.
func (f *fakeStore) replaceSchema(templateID string, payload schema.Payload) error {
	var rows []fakeFieldRow
	var persisted []schema.PersistedField
	for _, sec := range payload.Sections {
		rowIDByTempID := make(map[string]string)
		for _, fld := range sec.Fields {
			row := fakeFieldRow{
				ID:        util.NewID("fld"),
				FieldName: fld.FieldName,
				TempID:    fld.TempID,
			}
			if fld.TempID != "" {
				rowIDByTempID[fld.TempID] = row.ID
			}
			if fld.ParentTempID != "" {
				parentID, ok := rowIDByTempID[fld.ParentTempID]
				if !ok {
					return fmt.Errorf("insert field %q: parent row for %q does not exist", fld.FieldName, fld.ParentTempID)
				}
				row.ParentRowID = parentID
			}
			rows = append(rows, row)
			persisted = append(persisted, schema.PersistedField{ID: row.ID, FieldName: row.FieldName, TempID: row.TempID})
		}
	}
	f.fields[templateID] = rows
	f.persisted[templateID] = persisted
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateTemplate(_ context.Context, payload schema.Payload, createdBy string) (store.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tpl := store.Template{
		ID:                util.NewID("tpl"),
		Name:              payload.Name,
		Description:       payload.Description,
		DepartmentID:      payload.DepartmentID,
		Status:            store.StatusDraft,
		SourceDocumentURL: payload.SourceDocumentURL,
		EditedDocumentURL: payload.EditedDocumentURL,
		Version:           1,
		CreatedBy:         createdBy,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	if err := f.replaceSchema(tpl.ID, payload); err != nil {
		return store.Template{}, err
	}
	f.templates[tpl.ID] = tpl
	return tpl, nil
}

func (f *fakeStore) CreateVersion(_ context.Context, originalID string, payload schema.Payload, createdBy string) (store.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base, ok := f.templates[originalID]
	if !ok {
		return store.Template{}, store.ErrTemplateNotFound
	}
	tpl := store.Template{
		ID:           util.NewID("tpl"),
		Name:         payload.Name,
		DepartmentID: payload.DepartmentID,
		Status:       store.StatusDraft,
		OriginalID:   originalID,
		Version:      base.Version + 1,
		CreatedBy:    createdBy,
	}
	if err := f.replaceSchema(tpl.ID, payload); err != nil {
		return store.Template{}, err
	}
	f.templates[tpl.ID] = tpl
	return tpl, nil
}

func (f *fakeStore) UpdateDraft(_ context.Context, id string, payload schema.Payload) error {
	return f.update(id, payload, store.StatusDraft)
}

func (f *fakeStore) UpdateRejected(_ context.Context, id string, payload schema.Payload) error {
	return f.update(id, payload, store.StatusRejected)
}

func (f *fakeStore) update(id string, payload schema.Payload, wantStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tpl, ok := f.templates[id]
	if !ok || tpl.Status != wantStatus {
		return store.ErrTemplateNotFound
	}
	if err := f.replaceSchema(id, payload); err != nil {
		return err
	}
	tpl.Name = payload.Name
	tpl.Description = payload.Description
	tpl.EditedDocumentURL = payload.EditedDocumentURL
	f.templates[id] = tpl
	return nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tpl, ok := f.templates[id]
	if !ok {
		return store.ErrTemplateNotFound
	}
	tpl.Status = status
	f.templates[id] = tpl
	f.statuses = append(f.statuses, id+":"+status)
	return nil
}

func (f *fakeStore) GetTemplateByID(_ context.Context, id string) (store.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tpl, ok := f.templates[id]
	if !ok {
		return store.Template{}, store.ErrTemplateNotFound
	}
	return tpl, nil
}

func (f *fakeStore) ListTemplates(_ context.Context, _ store.TemplateFilter) ([]store.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Template
	for _, tpl := range f.templates {
		out = append(out, tpl)
	}
	return out, nil
}

func (f *fakeStore) ListPersistedFields(_ context.Context, templateID string) ([]schema.PersistedField, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persisted[templateID], nil
}

func (f *fakeStore) GetTemplateSchema(_ context.Context, templateID string) (schema.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schemas[templateID], nil
}

func (f *fakeStore) ListDepartments(_ context.Context) ([]store.Department, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Department
	for _, d := range f.depts {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeStore) EnsureDepartment(_ context.Context, name string) (store.Department, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.depts[name]; ok {
		return d, nil
	}
	d := store.Department{ID: util.NewID("dept"), Name: name}
	f.depts[name] = d
	return d, nil
}

type fakeDocs struct {
	mu      sync.Mutex
	fetched []string
}

func (f *fakeDocs) UploadDocument(_ context.Context, _ io.Reader, _ int64, _, _ string) (docstore.Upload, error) {
	id := util.NewID("doc")
	return docstore.Upload{ID: id, URL: "https://files.local/" + id}, nil
}

func (f *fakeDocs) UploadFromURL(_ context.Context, sourceURL, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, sourceURL)
	return "https://files.local/" + util.NewID("doc"), nil
}

func (f *fakeDocs) DeleteObject(context.Context, string) (bool, error) { return true, nil }

type fakeRevisions struct {
	mu      sync.Mutex
	repos   map[string]bool
	commits []string
}

func newFakeRevisions() *fakeRevisions {
	return &fakeRevisions{repos: make(map[string]bool)}
}

func (f *fakeRevisions) EnsureTemplateRepo(templateID string, _ schema.Payload, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[templateID] = true
	return nil
}

func (f *fakeRevisions) CommitPayload(templateID string, _ schema.Payload, _, message string) (revisions.RevisionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, templateID+":"+message)
	return revisions.RevisionInfo{Hash: "abc1234", Message: message}, nil
}

func (f *fakeRevisions) GetPayloadByHash(string, string) (schema.Payload, error) {
	return schema.Payload{}, nil
}

func (f *fakeRevisions) History(string, int) ([]revisions.RevisionInfo, error) {
	return nil, nil
}

// replyingCommander delivers the matching export event back to the service
// as soon as a submit requests an export, like a well-behaved editor would.
type replyingCommander struct {
	mu  sync.Mutex
	svc *Service
}

func (f *replyingCommander) RequestExport(_ context.Context, sessionKey string) error {
	f.mu.Lock()
	svc := f.svc
	f.mu.Unlock()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = svc.HandleEditorCallback(context.Background(), "", editor.Event{
			Type:       editor.EventExportSucceeded,
			SessionKey: sessionKey,
			URL:        "https://editor.local/export?key=" + sessionKey,
		})
	}()
	return nil
}

type testEnv struct {
	svc       *Service
	store     *fakeStore
	docs      *fakeDocs
	revisions *fakeRevisions
}

func newTestService(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	redisStore, err := session.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { redisStore.Close() })

	fs := newFakeStore()
	docs := &fakeDocs{}
	revs := newFakeRevisions()
	commander := &replyingCommander{}

	cfg := config.Config{
		CallbackBaseURL: "http://api.local",
		SubmitTimeout:   2 * time.Second,
	}
	svc := New(cfg, Dependencies{
		Store:       fs,
		Drafts:      redisStore,
		Documents:   docs,
		Revisions:   revs,
		Tokens:      editor.NewTokenIssuer("test-secret", time.Hour),
		Coordinator: redisStore,
		Commander:   commander,
	})
	commander.mu.Lock()
	commander.svc = svc
	commander.mu.Unlock()
	return &testEnv{svc: svc, store: fs, docs: docs, revisions: revs}
}

func trainerSection() schema.Section {
	return schema.Section{
		Label:  "Trainer Assessment",
		EditBy: schema.RoleTrainer,
		Fields: []schema.Field{
			{Label: "Overall", FieldName: "overall_comment", FieldType: schema.FieldText},
			{Label: "Takeoff", FieldName: "Takeoff", FieldType: schema.FieldPart},
			{Label: "Takeoff Score", FieldName: "takeoff_score", FieldType: schema.FieldText, ParentTempID: "Takeoff-parent"},
		},
	}
}

func TestCreateDraftRequiresNameAndDepartment(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	if _, err := env.svc.CreateDraft(ctx, CreateDraftInput{Department: "Ops"}); err == nil {
		t.Error("draft without name accepted")
	}
	if _, err := env.svc.CreateDraft(ctx, CreateDraftInput{Name: "Line Check"}); err == nil {
		t.Error("draft without department accepted")
	}

	draft, err := env.svc.CreateDraft(ctx, CreateDraftInput{Name: "Line Check", Department: "Flight Operations"})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}
	if draft.ID == "" || !strings.HasPrefix(draft.ID, "draft_") {
		t.Errorf("unexpected draft id %q", draft.ID)
	}
	if draft.DepartmentID == "" {
		t.Error("department was not resolved")
	}
}

func TestCreateDraftSeedsFromTemplate(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	tpl, err := env.store.CreateTemplate(ctx, schema.Payload{
		Metadata: schema.Metadata{Name: "Line Check", DepartmentID: "dept_1", SourceDocumentURL: "https://files.local/src.docx"},
	}, "avery")
	if err != nil {
		t.Fatalf("seed template: %v", err)
	}
	env.store.mu.Lock()
	env.store.schemas[tpl.ID] = schema.Schema{trainerSection()}
	env.store.mu.Unlock()

	draft, err := env.svc.CreateDraft(ctx, CreateDraftInput{Name: "Line Check v2", Department: "Ops", TemplateID: tpl.ID})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}
	if draft.TemplateID != tpl.ID {
		t.Errorf("draft bound to %q, want %q", draft.TemplateID, tpl.ID)
	}
	if draft.OriginalID != tpl.ID {
		t.Errorf("originalId = %q, want the root template id", draft.OriginalID)
	}
	if len(draft.Schema) != 1 || draft.Schema[0].Label != "Trainer Assessment" {
		t.Errorf("seeded schema missing: %+v", draft.Schema)
	}
	if draft.SourceDocumentURL != "https://files.local/src.docx" {
		t.Errorf("source document not inherited: %q", draft.SourceDocumentURL)
	}
}

func TestApplySectionOpAddEditRemove(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	draft, err := env.svc.CreateDraft(ctx, CreateDraftInput{Name: "Line Check", Department: "Ops"})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}

	sec := trainerSection()
	updated, err := env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "add", Section: &sec})
	if err != nil {
		t.Fatalf("add section failed: %v", err)
	}
	if len(updated.Schema) != 1 {
		t.Fatalf("schema has %d sections, want 1", len(updated.Schema))
	}

	edited := trainerSection()
	edited.Label = "Trainer Review"
	updated, err = env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "edit", Index: 0, Section: &edited})
	if err != nil {
		t.Fatalf("edit section failed: %v", err)
	}
	if updated.Schema[0].Label != "Trainer Review" {
		t.Errorf("label = %q after edit", updated.Schema[0].Label)
	}

	updated, err = env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "remove", Index: 0})
	if err != nil {
		t.Fatalf("remove section failed: %v", err)
	}
	if len(updated.Schema) != 0 {
		t.Errorf("schema has %d sections after remove, want 0", len(updated.Schema))
	}
}

func TestApplySectionOpRejectsDuplicateLabel(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	draft, _ := env.svc.CreateDraft(ctx, CreateDraftInput{Name: "Line Check", Department: "Ops"})
	sec := trainerSection()
	if _, err := env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "add", Section: &sec}); err != nil {
		t.Fatalf("first add failed: %v", err)
	}

	dup := trainerSection()
	dup.Label = "TRAINER ASSESSMENT"
	_, err := env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "add", Section: &dup})
	if err == nil {
		t.Fatal("duplicate section label accepted")
	}
	status, code, _, _ := mapError(err)
	if status != 422 || code != "VALIDATION_ERROR" {
		t.Errorf("duplicate label mapped to %d/%s", status, code)
	}
}

func TestApplySectionOpNormalizesToggleSection(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	draft, _ := env.svc.CreateDraft(ctx, CreateDraftInput{Name: "Line Check", Department: "Ops"})
	sec := schema.Section{
		Label:             "Optional Remarks",
		EditBy:            schema.RoleTrainer,
		IsToggleDependent: true,
		Fields: []schema.Field{
			{Label: "Remarks", FieldName: "remarks", FieldType: schema.FieldText},
		},
	}

	updated, err := env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "add", Section: &sec})
	if err != nil {
		t.Fatalf("add toggle section failed: %v", err)
	}
	var toggles int
	for _, f := range updated.Schema[0].Fields {
		if f.FieldType == schema.FieldSectionToggle {
			toggles++
		}
	}
	if toggles != 1 {
		t.Errorf("toggle section ended with %d control toggles, want 1", toggles)
	}
}

func TestApplyMoveAcrossSectionsPersists(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	draft, _ := env.svc.CreateDraft(ctx, CreateDraftInput{Name: "Line Check", Department: "Ops"})
	first := trainerSection()
	second := schema.Section{
		Label:  "Trainer Notes",
		EditBy: schema.RoleTrainer,
		Fields: []schema.Field{
			{Label: "Note", FieldName: "trainer_note", FieldType: schema.FieldText},
		},
	}
	if _, err := env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "add", Section: &first}); err != nil {
		t.Fatalf("add first: %v", err)
	}
	if _, err := env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "add", Section: &second}); err != nil {
		t.Fatalf("add second: %v", err)
	}

	result, err := env.svc.ApplyMove(ctx, draft.ID, MoveInput{
		Kind: "field", FromSection: 0, FromIndex: 0, ToSection: 1, ToIndex: 0,
	})
	if err != nil {
		t.Fatalf("move failed: %v", err)
	}
	if result.Deduplicated {
		t.Error("single move flagged as duplicate")
	}
	if got := result.Draft.Schema[1].Fields[0].FieldName; got != "overall_comment" {
		t.Errorf("destination starts with %q, want overall_comment", got)
	}

	// The move must survive a reload from the draft store.
	reloaded, err := env.svc.GetDraft(ctx, draft.ID)
	if err != nil {
		t.Fatalf("reload draft: %v", err)
	}
	if len(reloaded.Schema[0].Fields) != 2 {
		t.Errorf("source section has %d fields after move, want 2", len(reloaded.Schema[0].Fields))
	}
}

func TestApplyMoveRoleMismatchMapsToConflict(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	draft, _ := env.svc.CreateDraft(ctx, CreateDraftInput{Name: "Line Check", Department: "Ops"})
	trainer := trainerSection()
	trainee := schema.Section{
		Label:  "Trainee Comments",
		EditBy: schema.RoleTrainee,
		Fields: []schema.Field{
			{Label: "Comment", FieldName: "trainee_comment", FieldType: schema.FieldText},
		},
	}
	_, _ = env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "add", Section: &trainer})
	_, _ = env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "add", Section: &trainee})

	_, err := env.svc.ApplyMove(ctx, draft.ID, MoveInput{
		Kind: "field", FromSection: 0, FromIndex: 0, ToSection: 1, ToIndex: 0,
	})
	if err == nil {
		t.Fatal("cross-role move accepted")
	}
	status, code, _, _ := mapError(err)
	if status != 409 || code != "MOVE_REJECTED" {
		t.Errorf("cross-role move mapped to %d/%s", status, code)
	}
}

func TestSaveTemplateStartsRevisionHistory(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	draft, _ := env.svc.CreateDraft(ctx, CreateDraftInput{Name: "Line Check", Department: "Ops"})
	sec := trainerSection()
	if _, err := env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "add", Section: &sec}); err != nil {
		t.Fatalf("add section: %v", err)
	}

	saved, err := env.svc.SaveTemplate(ctx, draft.ID, "avery")
	if err != nil {
		t.Fatalf("SaveTemplate failed: %v", err)
	}
	if saved.Status != store.StatusDraft {
		t.Errorf("new template status = %q, want DRAFT", saved.Status)
	}
	env.revisions.mu.Lock()
	hasRepo := env.revisions.repos[saved.ID]
	env.revisions.mu.Unlock()
	if !hasRepo {
		t.Error("revision history was not started for the new template")
	}

	// The draft should now point at the persisted template.
	reloaded, err := env.svc.GetDraft(ctx, draft.ID)
	if err != nil {
		t.Fatalf("reload draft: %v", err)
	}
	if reloaded.TemplateID != saved.ID {
		t.Errorf("draft bound to %q after save, want %q", reloaded.TemplateID, saved.ID)
	}
}

func TestUpdateTemplateDraftRebindsPartChildren(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	draft, _ := env.svc.CreateDraft(ctx, CreateDraftInput{Name: "Line Check", Department: "Ops"})
	sec := trainerSection()
	if _, err := env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "add", Section: &sec}); err != nil {
		t.Fatalf("add section: %v", err)
	}
	saved, err := env.svc.SaveTemplate(ctx, draft.ID, "avery")
	if err != nil {
		t.Fatalf("SaveTemplate failed: %v", err)
	}

	env.store.mu.Lock()
	oldParentID := ""
	for _, row := range env.store.fields[saved.ID] {
		if row.FieldName == "Takeoff" {
			oldParentID = row.ID
		}
	}
	env.store.mu.Unlock()
	if oldParentID == "" {
		t.Fatal("initial save did not persist the part row")
	}

	// Re-save the draft over the existing template. The serializer now
	// resolves children against the persisted rows, which schema replacement
	// is about to delete; the stored parent reference must land on the rows
	// of the new pass.
	edited := trainerSection()
	edited.Fields[0].Label = "Overall (revised)"
	if _, err := env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "edit", Index: 0, Section: &edited}); err != nil {
		t.Fatalf("edit section: %v", err)
	}
	if _, err := env.svc.UpdateTemplateDraft(ctx, saved.ID, draft.ID, "avery"); err != nil {
		t.Fatalf("update of a template with part children failed: %v", err)
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	var newParentID, childParentRef string
	for _, row := range env.store.fields[saved.ID] {
		switch row.FieldName {
		case "Takeoff":
			newParentID = row.ID
		case "takeoff_score":
			childParentRef = row.ParentRowID
		}
	}
	if newParentID == "" || childParentRef == "" {
		t.Fatalf("re-inserted rows incomplete: parent %q, child ref %q", newParentID, childParentRef)
	}
	if newParentID == oldParentID {
		t.Fatal("schema replacement reused the deleted parent row id")
	}
	if childParentRef != newParentID {
		t.Errorf("child references parent row %q, want the re-inserted row %q", childParentRef, newParentID)
	}
}

func TestEditorSubmitEndToEnd(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	draft, err := env.svc.CreateDraft(ctx, CreateDraftInput{
		Name:              "Line Check",
		Department:        "Ops",
		SourceDocumentURL: "https://files.local/src.docx",
	})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}
	sec := trainerSection()
	if _, err := env.svc.ApplySectionOp(ctx, draft.ID, SectionOp{Action: "add", Section: &sec}); err != nil {
		t.Fatalf("add section: %v", err)
	}

	sess, err := env.svc.OpenEditorSession(ctx, draft.ID)
	if err != nil {
		t.Fatalf("OpenEditorSession failed: %v", err)
	}
	if sess.Token == "" {
		t.Error("session bootstrap has no signed token")
	}
	if !strings.Contains(sess.Config.CallbackURL, "key="+sess.SessionKey) {
		t.Errorf("callback URL does not carry the session key: %q", sess.Config.CallbackURL)
	}

	tpl, err := env.svc.EditorSubmit(ctx, sess.SessionKey, "avery")
	if err != nil {
		t.Fatalf("EditorSubmit failed: %v", err)
	}
	if tpl.Status != store.StatusPendingReview {
		t.Errorf("submitted template status = %q, want PENDING_REVIEW", tpl.Status)
	}

	env.docs.mu.Lock()
	fetched := len(env.docs.fetched)
	env.docs.mu.Unlock()
	if fetched == 0 {
		t.Error("exported document was never copied to durable storage")
	}

	env.revisions.mu.Lock()
	var submitCommits int
	for _, c := range env.revisions.commits {
		if strings.HasSuffix(c, ":Submit for review") {
			submitCommits++
		}
	}
	env.revisions.mu.Unlock()
	if submitCommits != 1 {
		t.Errorf("submit recorded %d revisions, want 1", submitCommits)
	}

	// The draft working copy is consumed by a successful submit.
	if _, err := env.svc.GetDraft(ctx, draft.ID); err == nil {
		t.Error("draft still loadable after submit")
	}
	// So is the session.
	if err := env.svc.EditorDraft(ctx, sess.SessionKey); err == nil {
		t.Error("session still live after submit")
	}
}

func TestOpenEditorSessionSupersedesPrevious(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	draft, _ := env.svc.CreateDraft(ctx, CreateDraftInput{
		Name:              "Line Check",
		Department:        "Ops",
		SourceDocumentURL: "https://files.local/src.docx",
	})

	first, err := env.svc.OpenEditorSession(ctx, draft.ID)
	if err != nil {
		t.Fatalf("first session: %v", err)
	}
	second, err := env.svc.OpenEditorSession(ctx, draft.ID)
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	if first.SessionKey == second.SessionKey {
		t.Fatal("reopening did not issue a fresh key")
	}

	attr, err := env.svc.HandleEditorCallback(ctx, "", editor.Event{
		Type:       editor.EventExportSucceeded,
		SessionKey: first.SessionKey,
		URL:        "https://editor.local/export?key=" + first.SessionKey,
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if attr != editor.AttributedDiscard {
		t.Errorf("superseded session event attributed as %s, want DISCARD", attr)
	}
}

func TestOpenEditorSessionNeedsDocument(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	draft, _ := env.svc.CreateDraft(ctx, CreateDraftInput{Name: "Line Check", Department: "Ops"})
	_, err := env.svc.OpenEditorSession(ctx, draft.ID)
	if err == nil {
		t.Fatal("session opened for a draft with no document")
	}
	status, code, _, _ := mapError(err)
	if status != 409 || code != "NO_DOCUMENT" {
		t.Errorf("mapped to %d/%s", status, code)
	}
}

func TestHandleEditorCallbackRejectsBadToken(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	_, err := env.svc.HandleEditorCallback(ctx, "not-a-token", editor.Event{Type: editor.EventAppReady})
	if err == nil {
		t.Fatal("garbage token accepted")
	}
	status, _, _, _ := mapError(err)
	if status != 401 {
		t.Errorf("bad token mapped to %d, want 401", status)
	}
}

func TestReviewTemplateRequiresPendingReview(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	tpl, _ := env.store.CreateTemplate(ctx, schema.Payload{
		Metadata: schema.Metadata{Name: "Line Check", DepartmentID: "dept_1"},
	}, "avery")

	if _, err := env.svc.ReviewTemplate(ctx, tpl.ID, store.StatusApproved, "", ""); err == nil {
		t.Error("decision accepted on a DRAFT template")
	}

	if err := env.store.UpdateStatus(ctx, tpl.ID, store.StatusPendingReview); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	decided, err := env.svc.ReviewTemplate(ctx, tpl.ID, store.StatusRejected, "missing signature", "")
	if err != nil {
		t.Fatalf("ReviewTemplate failed: %v", err)
	}
	if decided.Status != store.StatusRejected {
		t.Errorf("status = %q after rejection", decided.Status)
	}

	if _, err := env.svc.ReviewTemplate(ctx, tpl.ID, "MAYBE", "", ""); err == nil {
		t.Error("unknown decision accepted")
	}
}

func TestReconcileDocumentBlocksOnMismatch(t *testing.T) {
	env := newTestService(t)
	env.svc.extract = staticExtractor{fields: []schema.DocumentField{
		{FieldName: "overall_comment"},
		{FieldName: "rogue_field"},
	}}

	payload := schema.BuildPayload(schema.Schema{trainerSection()}, schema.Metadata{Name: "Line Check"})
	err := env.svc.reconcileDocument(context.Background(), payload, "https://files.local/edited.docx")
	if err == nil {
		t.Fatal("mismatched document passed reconciliation")
	}
	status, code, _, details := mapError(err)
	if status != 422 || code != "RECONCILIATION_FAILED" {
		t.Errorf("mismatch mapped to %d/%s", status, code)
	}
	result, ok := details.(schema.ReconcileResult)
	if !ok {
		t.Fatalf("details is %T, want ReconcileResult", details)
	}
	if len(result.OnlyInDocument) != 1 || result.OnlyInDocument[0] != "rogue_field" {
		t.Errorf("onlyInDocument = %v", result.OnlyInDocument)
	}
}

type staticExtractor struct {
	fields []schema.DocumentField
}

func (s staticExtractor) ExtractFields(context.Context, string) ([]schema.DocumentField, error) {
	return s.fields, nil
}
