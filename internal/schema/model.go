// Package schema holds the in-memory assessment form schema: ordered
// sections owning ordered typed fields, plus the move, serialization and
// reconciliation logic that keeps the schema aligned with the edited document.
package schema

import "strings"

// Role identifies who fills in a section or field.
type Role string

const (
	RoleTrainer Role = "TRAINER"
	RoleTrainee Role = "TRAINEE"
)

// FieldType enumerates the supported placeholder kinds.
type FieldType string

const (
	FieldText           FieldType = "TEXT"
	FieldToggle         FieldType = "TOGGLE"
	FieldImage          FieldType = "IMAGE"
	FieldPart           FieldType = "PART"
	FieldSignatureDraw  FieldType = "SIGNATURE_DRAW"
	FieldSignatureImage FieldType = "SIGNATURE_IMAGE"
	FieldFinalScoreText FieldType = "FINAL_SCORE_TEXT"
	FieldFinalScoreNum  FieldType = "FINAL_SCORE_NUM"
	FieldValueList      FieldType = "VALUE_LIST"
	FieldSectionToggle  FieldType = "SECTION_CONTROL_TOGGLE"
)

// Option is a selectable value on a VALUE_LIST field.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
	Score int    `json:"score,omitempty"`
}

// Field is a single typed placeholder that will appear in the document.
// DisplayOrder is computed during payload serialization and never consulted
// while editing; array position is the only visual order until then.
type Field struct {
	Label        string    `json:"label"`
	FieldName    string    `json:"fieldName"`
	FieldType    FieldType `json:"fieldType"`
	RoleRequired Role      `json:"roleRequired"`
	TempID       string    `json:"tempId,omitempty"`
	ParentTempID string    `json:"parentTempId,omitempty"`
	PersistedID  string    `json:"persistedId,omitempty"`
	Options      []Option  `json:"options,omitempty"`
	DisplayOrder int       `json:"displayOrder,omitempty"`
}

// IsPart reports whether the field is a grouping PART field.
func (f Field) IsPart() bool {
	return f.FieldType == FieldPart
}

// StableID returns the identifier children reference. For a PART field
// without an explicit TempID it is derived deterministically from the field
// name, so children can point at it before anything is persisted.
func (f Field) StableID() string {
	if !f.IsPart() {
		return ""
	}
	if f.TempID != "" {
		return f.TempID
	}
	return f.FieldName + "-parent"
}

// Section is a named ordered group of fields with one responsible role.
type Section struct {
	ID                string  `json:"id,omitempty"`
	Label             string  `json:"label"`
	EditBy            Role    `json:"editBy"`
	RoleInSubject     string  `json:"roleInSubject,omitempty"`
	IsSubmittable     bool    `json:"isSubmittable"`
	IsToggleDependent bool    `json:"isToggleDependent"`
	Fields            []Field `json:"fields"`
}

// Schema is the ordered list of sections that makes up one form.
type Schema []Section

// Clone returns a deep copy. Move operations work on copies so a rejected
// move never leaves partial mutation behind.
func (s Schema) Clone() Schema {
	out := make(Schema, len(s))
	for i, sec := range s {
		out[i] = sec
		out[i].Fields = append([]Field(nil), sec.Fields...)
	}
	return out
}

// FindSection returns the index of the section with the given label,
// compared case-insensitively, or -1.
func (s Schema) FindSection(label string) int {
	for i, sec := range s {
		if strings.EqualFold(sec.Label, label) {
			return i
		}
	}
	return -1
}

// partByStableID resolves a stable identifier or a human-readable PART field
// name to the PART field within one section. Children are sometimes authored
// against the parent's field name before the parent has a generated TempID.
func partByStableID(fields []Field, ref string) (Field, bool) {
	for _, f := range fields {
		if !f.IsPart() {
			continue
		}
		if f.StableID() == ref || f.FieldName == ref {
			return f, true
		}
	}
	return Field{}, false
}

// childrenOf returns the indices of every field whose ParentTempID resolves
// to the given PART field, in array order.
func childrenOf(fields []Field, part Field) []int {
	var out []int
	for i, f := range fields {
		if f.ParentTempID == "" || f.IsPart() {
			continue
		}
		if f.ParentTempID == part.StableID() || f.ParentTempID == part.FieldName {
			out = append(out, i)
		}
	}
	return out
}

// SetToggleDependent flips the isToggleDependent flag and keeps the invariant
// that exactly one SECTION_CONTROL_TOGGLE field exists while it is set. The
// control field is prepended when enabling and stripped when disabling.
func SetToggleDependent(sec Section, enabled bool) Section {
	sec.IsToggleDependent = enabled
	hasControl := -1
	for i, f := range sec.Fields {
		if f.FieldType == FieldSectionToggle {
			hasControl = i
			break
		}
	}

	if enabled && hasControl < 0 {
		control := Field{
			Label:        sec.Label + " enabled",
			FieldName:    toggleNameForSection(sec.Label),
			FieldType:    FieldSectionToggle,
			RoleRequired: sec.EditBy,
		}
		sec.Fields = append([]Field{control}, append([]Field(nil), sec.Fields...)...)
		return sec
	}
	if !enabled && hasControl >= 0 {
		fields := append([]Field(nil), sec.Fields[:hasControl]...)
		sec.Fields = append(fields, sec.Fields[hasControl+1:]...)
	}
	return sec
}

// toggleNameForSection derives a camelCase toggle name from a section label,
// e.g. "Trainer Eval" -> "trainerEvalEnabled".
func toggleNameForSection(label string) string {
	var b strings.Builder
	upperNext := false
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if upperNext && b.Len() > 0 && r >= 'a' && r <= 'z' {
				b.WriteRune(r - 'a' + 'A')
			} else {
				b.WriteRune(r)
			}
			upperNext = false
		default:
			upperNext = true
		}
	}
	if b.Len() == 0 {
		b.WriteString("section")
	}
	return b.String() + "Enabled"
}
