package schema

import (
	"fmt"
	"sort"
	"strings"
)

// DocumentField is a field as extracted from the edited document. Types
// reported by extraction are unreliable and deliberately take no part in
// reconciliation.
type DocumentField struct {
	FieldName    string `json:"fieldName"`
	ParentTempID string `json:"parentTempId,omitempty"`
}

// ReconcileResult is the outcome of diffing declared fields against the
// fields actually present in the document.
type ReconcileResult struct {
	OK             bool     `json:"ok"`
	OnlyInDocument []string `json:"onlyInDocument"`
	OnlyInSchema   []string `json:"onlyInSchema"`
}

// ReconciliationError blocks submission when schema and document disagree.
type ReconciliationError struct {
	Result ReconcileResult
}

func (e *ReconciliationError) Error() string {
	var parts []string
	if len(e.Result.OnlyInDocument) > 0 {
		parts = append(parts, fmt.Sprintf("document contains undeclared fields: %s",
			strings.Join(e.Result.OnlyInDocument, ", ")))
	}
	if len(e.Result.OnlyInSchema) > 0 {
		parts = append(parts, fmt.Sprintf("declared fields missing from document: %s",
			strings.Join(e.Result.OnlyInSchema, ", ")))
	}
	if len(parts) == 0 {
		return "schema and document fields match"
	}
	return strings.Join(parts, "; ")
}

// reconcileKey reduces a field to its comparison identity: normalized name
// plus parent reference. Field type is excluded on purpose.
func reconcileKey(name, parent string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "\x00" + strings.TrimSpace(parent)
}

// Reconcile compares the two field sets as sets of keys. Both directions are
// hard errors under the submit policy; duplicates collapse to one reported
// name. Order in the result lists is deterministic.
func Reconcile(schemaFields []PayloadField, docFields []DocumentField) ReconcileResult {
	inSchema := make(map[string]string, len(schemaFields))
	for _, f := range schemaFields {
		key := reconcileKey(f.FieldName, f.ParentTempID)
		if _, ok := inSchema[key]; !ok {
			inSchema[key] = f.FieldName
		}
	}
	inDoc := make(map[string]string, len(docFields))
	for _, f := range docFields {
		key := reconcileKey(f.FieldName, f.ParentTempID)
		if _, ok := inDoc[key]; !ok {
			inDoc[key] = f.FieldName
		}
	}

	res := ReconcileResult{OK: true, OnlyInDocument: []string{}, OnlyInSchema: []string{}}
	for key, name := range inDoc {
		if _, ok := inSchema[key]; !ok {
			res.OnlyInDocument = append(res.OnlyInDocument, name)
		}
	}
	for key, name := range inSchema {
		if _, ok := inDoc[key]; !ok {
			res.OnlyInSchema = append(res.OnlyInSchema, name)
		}
	}
	sort.Strings(res.OnlyInDocument)
	sort.Strings(res.OnlyInSchema)
	res.OK = len(res.OnlyInDocument) == 0 && len(res.OnlyInSchema) == 0
	return res
}
