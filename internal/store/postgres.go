// Package store persists templates and their schemas in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"evalsync/api/internal/schema"
	"evalsync/api/internal/util"
)

// ErrTemplateNotFound is returned for lookups of unknown template ids.
var ErrTemplateNotFound = errors.New("template not found")

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateTemplate inserts a new template and its schema from a serialized
// payload. The returned template carries the generated id.
func (s *PostgresStore) CreateTemplate(ctx context.Context, payload schema.Payload, createdBy string) (Template, error) {
	tpl := Template{
		ID:                util.NewID("tpl"),
		Name:              payload.Name,
		Description:       payload.Description,
		DepartmentID:      payload.DepartmentID,
		Status:            StatusDraft,
		SourceDocumentURL: payload.SourceDocumentURL,
		EditedDocumentURL: payload.EditedDocumentURL,
		OriginalID:        payload.OriginalID,
		Version:           1,
		CreatedBy:         createdBy,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Template{}, fmt.Errorf("begin create template: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertTemplate = `
		INSERT INTO templates (id, name, description, department_id, status,
			source_document_url, edited_document_url, original_id, version, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, insertTemplate,
		tpl.ID, tpl.Name, tpl.Description, tpl.DepartmentID, tpl.Status,
		tpl.SourceDocumentURL, tpl.EditedDocumentURL, tpl.OriginalID, tpl.Version, tpl.CreatedBy,
	).Scan(&tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return Template{}, fmt.Errorf("insert template: %w", err)
	}

	if err := s.insertSchema(ctx, tx, tpl.ID, payload.Sections); err != nil {
		return Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return Template{}, fmt.Errorf("commit create template: %w", err)
	}
	return tpl, nil
}

// CreateVersion inserts a new template derived from originalID, with the
// version counter advanced past the chain's current maximum.
func (s *PostgresStore) CreateVersion(ctx context.Context, originalID string, payload schema.Payload, createdBy string) (Template, error) {
	root := originalID
	var parent Template
	parent, err := s.GetTemplateByID(ctx, originalID)
	if err != nil {
		return Template{}, err
	}
	if parent.OriginalID != "" {
		root = parent.OriginalID
	}

	var maxVersion int
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM templates
		WHERE id = $1 OR original_id = $1
	`, root).Scan(&maxVersion)
	if err != nil {
		return Template{}, fmt.Errorf("read version chain: %w", err)
	}

	payload.OriginalID = root
	tpl, err := s.CreateTemplate(ctx, payload, createdBy)
	if err != nil {
		return Template{}, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE templates SET version = $1 WHERE id = $2`, maxVersion+1, tpl.ID); err != nil {
		return Template{}, fmt.Errorf("set version: %w", err)
	}
	tpl.Version = maxVersion + 1
	return tpl, nil
}

// UpdateDraft replaces the schema and metadata of a template still in DRAFT.
func (s *PostgresStore) UpdateDraft(ctx context.Context, id string, payload schema.Payload) error {
	return s.updateWithStatus(ctx, id, payload, StatusDraft, StatusDraft)
}

// UpdateRejected replaces the schema of a REJECTED template and returns it
// to DRAFT for another review round.
func (s *PostgresStore) UpdateRejected(ctx context.Context, id string, payload schema.Payload) error {
	return s.updateWithStatus(ctx, id, payload, StatusRejected, StatusDraft)
}

func (s *PostgresStore) updateWithStatus(ctx context.Context, id string, payload schema.Payload, requireStatus, newStatus string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update template: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE templates
		SET name = $1, description = $2, department_id = $3,
			source_document_url = $4, edited_document_url = $5,
			status = $6, updated_at = NOW()
		WHERE id = $7 AND status = $8
	`, payload.Name, payload.Description, payload.DepartmentID,
		payload.SourceDocumentURL, payload.EditedDocumentURL,
		newStatus, id, requireStatus)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if affected == 0 {
		return ErrTemplateNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM template_sections WHERE template_id = $1`, id); err != nil {
		return fmt.Errorf("clear old schema: %w", err)
	}
	if err := s.insertSchema(ctx, tx, id, payload.Sections); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update template: %w", err)
	}
	return nil
}

// UpdateStatus moves a template between lifecycle states.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE templates SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func (s *PostgresStore) insertSchema(ctx context.Context, tx *sql.Tx, templateID string, sections []schema.PayloadSection) error {
	const insertSection = `
		INSERT INTO template_sections (id, template_id, label, edit_by, role_in_subject,
			is_submittable, is_toggle_dependent, display_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	const insertField = `
		INSERT INTO template_fields (id, section_id, template_id, label, field_name,
			field_type, role_required, temp_id, parent_temp_id, parent_field_id,
			options, display_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)
	`
	for _, sec := range sections {
		sectionID := util.NewID("sec")
		_, err := tx.ExecContext(ctx, insertSection,
			sectionID, templateID, sec.Label, string(sec.EditBy), sec.RoleInSubject,
			sec.IsSubmittable, sec.IsToggleDependent, sec.DisplayOrder)
		if err != nil {
			return fmt.Errorf("insert section %q: %w", sec.Label, err)
		}

		// Fields arrive in visual order; parents always precede their
		// children, so tempId references can be resolved to row ids in one
		// pass. The payload's parentFieldId is never used here: on an update
		// the rows it references were just deleted, so the FK must point at
		// the rows inserted in this pass.
		rowIDByTempID := make(map[string]string)
		for _, f := range sec.Fields {
			fieldID := util.NewID("fld")
			if f.TempID != "" {
				rowIDByTempID[f.TempID] = fieldID
			}
			parentFieldID := resolveParentRowID(f, rowIDByTempID)
			options := "[]"
			if len(f.Options) > 0 {
				raw, err := json.Marshal(f.Options)
				if err != nil {
					return fmt.Errorf("marshal options for %q: %w", f.FieldName, err)
				}
				options = string(raw)
			}
			_, err := tx.ExecContext(ctx, insertField,
				fieldID, sectionID, templateID, f.Label, f.FieldName,
				string(f.FieldType), string(f.RoleRequired), f.TempID,
				f.ParentTempID, parentFieldID, options, f.DisplayOrder)
			if err != nil {
				return fmt.Errorf("insert field %q: %w", f.FieldName, err)
			}
		}
	}
	return nil
}

// resolveParentRowID returns the freshly inserted row id for a child's
// parent reference. The serialized parentFieldId identifies a row from a
// previous save and is deliberately ignored: schema replacement deletes
// those rows before re-inserting, so only ids minted in the current insert
// pass are valid FK targets.
func resolveParentRowID(f schema.PayloadField, rowIDByTempID map[string]string) string {
	if f.ParentTempID == "" {
		return ""
	}
	return rowIDByTempID[f.ParentTempID]
}

// GetTemplateByID loads one template's metadata.
func (s *PostgresStore) GetTemplateByID(ctx context.Context, id string) (Template, error) {
	const query = `
		SELECT id, name, description, department_id, status,
			source_document_url, edited_document_url,
			COALESCE(original_id, ''), version, created_by, created_at, updated_at
		FROM templates WHERE id = $1
	`
	var tpl Template
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&tpl.ID, &tpl.Name, &tpl.Description, &tpl.DepartmentID, &tpl.Status,
		&tpl.SourceDocumentURL, &tpl.EditedDocumentURL,
		&tpl.OriginalID, &tpl.Version, &tpl.CreatedBy, &tpl.CreatedAt, &tpl.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, ErrTemplateNotFound
	}
	if err != nil {
		return Template{}, fmt.Errorf("get template: %w", err)
	}
	return tpl, nil
}

// ListTemplates returns templates matching the filter, newest first.
func (s *PostgresStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]Template, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.DepartmentID != "" {
		args = append(args, filter.DepartmentID)
		conditions = append(conditions, fmt.Sprintf("department_id = $%d", len(args)))
	}
	if filter.Query != "" {
		args = append(args, filter.Query)
		n := len(args)
		conditions = append(conditions, fmt.Sprintf(
			"(name ILIKE '%%' || $%d || '%%' OR description ILIKE '%%' || $%d || '%%')", n, n))
	}

	query := `
		SELECT id, name, description, department_id, status,
			source_document_url, edited_document_url,
			COALESCE(original_id, ''), version, created_by, created_at, updated_at
		FROM templates
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var tpl Template
		if err := rows.Scan(
			&tpl.ID, &tpl.Name, &tpl.Description, &tpl.DepartmentID, &tpl.Status,
			&tpl.SourceDocumentURL, &tpl.EditedDocumentURL,
			&tpl.OriginalID, &tpl.Version, &tpl.CreatedBy, &tpl.CreatedAt, &tpl.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// ListPersistedFields returns the persisted field identities of a template,
// used to resolve child parent references on subsequent saves.
func (s *PostgresStore) ListPersistedFields(ctx context.Context, templateID string) ([]schema.PersistedField, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, field_name, COALESCE(temp_id, '')
		FROM template_fields WHERE template_id = $1
	`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list persisted fields: %w", err)
	}
	defer rows.Close()

	var out []schema.PersistedField
	for rows.Next() {
		var f schema.PersistedField
		if err := rows.Scan(&f.ID, &f.FieldName, &f.TempID); err != nil {
			return nil, fmt.Errorf("scan persisted field: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetTemplateSchema reconstructs the in-memory schema of a persisted
// template, sections and fields in display order.
func (s *PostgresStore) GetTemplateSchema(ctx context.Context, templateID string) (schema.Schema, error) {
	sectionRows, err := s.db.QueryContext(ctx, `
		SELECT id, label, edit_by, role_in_subject, is_submittable, is_toggle_dependent
		FROM template_sections WHERE template_id = $1 ORDER BY display_order
	`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer sectionRows.Close()

	var out schema.Schema
	var sectionIDs []string
	for sectionRows.Next() {
		var sec schema.Section
		var editBy string
		if err := sectionRows.Scan(&sec.ID, &sec.Label, &editBy, &sec.RoleInSubject,
			&sec.IsSubmittable, &sec.IsToggleDependent); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		sec.EditBy = schema.Role(editBy)
		out = append(out, sec)
		sectionIDs = append(sectionIDs, sec.ID)
	}
	if err := sectionRows.Err(); err != nil {
		return nil, err
	}

	for i, sectionID := range sectionIDs {
		fields, err := s.sectionFields(ctx, sectionID)
		if err != nil {
			return nil, err
		}
		out[i].Fields = fields
	}
	return out, nil
}

func (s *PostgresStore) sectionFields(ctx context.Context, sectionID string) ([]schema.Field, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, field_name, field_type, role_required,
			COALESCE(temp_id, ''), COALESCE(parent_temp_id, ''), options
		FROM template_fields WHERE section_id = $1 ORDER BY display_order
	`, sectionID)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	defer rows.Close()

	var out []schema.Field
	for rows.Next() {
		var f schema.Field
		var fieldType, role, options string
		if err := rows.Scan(&f.PersistedID, &f.Label, &f.FieldName, &fieldType, &role,
			&f.TempID, &f.ParentTempID, &options); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		f.FieldType = schema.FieldType(fieldType)
		f.RoleRequired = schema.Role(role)
		if options != "" && options != "[]" {
			if err := json.Unmarshal([]byte(options), &f.Options); err != nil {
				return nil, fmt.Errorf("unmarshal options for %q: %w", f.FieldName, err)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListDepartments returns all departments ordered by name.
func (s *PostgresStore) ListDepartments(ctx context.Context) ([]Department, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM departments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	defer rows.Close()

	var out []Department
	for rows.Next() {
		var d Department
		if err := rows.Scan(&d.ID, &d.Name, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan department: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// EnsureDepartment creates a department by name if it does not exist.
func (s *PostgresStore) EnsureDepartment(ctx context.Context, name string) (Department, error) {
	var d Department
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM departments WHERE LOWER(name) = LOWER($1)`, name).
		Scan(&d.ID, &d.Name, &d.CreatedAt)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Department{}, fmt.Errorf("lookup department: %w", err)
	}

	d = Department{ID: util.NewID("dep"), Name: name}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO departments (id, name) VALUES ($1, $2) RETURNING created_at
	`, d.ID, d.Name).Scan(&d.CreatedAt)
	if err != nil {
		return Department{}, fmt.Errorf("insert department: %w", err)
	}
	return d, nil
}
