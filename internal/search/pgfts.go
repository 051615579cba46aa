package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the templates table using plainto_tsquery and ts_rank, with
// ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := "t.fts @@ " + tsQuery
	if q.FilterStatus != "" {
		where += fmt.Sprintf(" AND t.status = $%d", argN)
		args = append(args, q.FilterStatus)
		argN++
	}
	if q.FilterDepartmentID != "" {
		where += fmt.Sprintf(" AND t.department_id = $%d", argN)
		args = append(args, q.FilterDepartmentID)
		argN++
	}

	countSQL := fmt.Sprintf(`SELECT count(*) FROM templates t WHERE %s`, where)

	dataSQL := fmt.Sprintf(`
		SELECT t.id, t.name,
			ts_headline('english', coalesce(t.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			t.department_id, t.status
		FROM templates t
		WHERE %s
		ORDER BY ts_rank(t.fts, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.Snippet, &r.DepartmentID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all templates for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TemplateRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, department_id, status
		FROM templates
	`)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	defer rows.Close()

	records := make([]TemplateRecord, 0)
	for rows.Next() {
		var r TemplateRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.DepartmentID, &r.Status); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return records, nil
}
