package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError reports a naming or cardinality violation. The message is
// user-facing; callers decide whether to block or warn.
type ValidationError struct {
	Section string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Field != "" && e.Section != "":
		return fmt.Sprintf("field %q in section %q: %s", e.Field, e.Section, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
	case e.Section != "":
		return fmt.Sprintf("section %q: %s", e.Section, e.Reason)
	default:
		return e.Reason
	}
}

var (
	// PART names: Capitalized, underscore-delimited segments.
	partNameRe = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*(?:_[A-Za-z0-9]+)*$`)
	// Toggle names: camelCase with at least one embedded uppercase letter.
	toggleNameRe = regexp.MustCompile(`^[a-z][a-z0-9]*[A-Z][A-Za-z0-9]*$`)
	// Everything else: snake_case.
	snakeNameRe = regexp.MustCompile(`^[a-z][a-z0-9]*(?:_[a-z0-9]+)*$`)
)

// ValidateFieldName checks the naming rule for the given field type.
func ValidateFieldName(ft FieldType, name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: name, Reason: "field name is required"}
	}
	switch ft {
	case FieldPart:
		if strings.HasPrefix(strings.ToLower(name), "section") {
			return &ValidationError{Field: name, Reason: "part name must not start with \"section\""}
		}
		if !partNameRe.MatchString(name) {
			return &ValidationError{Field: name, Reason: "part name must be capitalized and underscore-delimited, e.g. Final_Scores"}
		}
	case FieldToggle, FieldSectionToggle:
		if !toggleNameRe.MatchString(name) {
			return &ValidationError{Field: name, Reason: "toggle name must be camelCase with an embedded uppercase letter, e.g. isPassed"}
		}
	default:
		if !snakeNameRe.MatchString(name) {
			return &ValidationError{Field: name, Reason: "field name must be snake_case, e.g. final_comment"}
		}
	}
	return nil
}

// ValidateField checks a single field independent of its surroundings.
func ValidateField(f Field) error {
	if err := ValidateFieldName(f.FieldType, f.FieldName); err != nil {
		return err
	}
	if f.FieldType == FieldValueList && len(f.Options) == 0 {
		return &ValidationError{Field: f.FieldName, Reason: "value list requires at least one option"}
	}
	if f.IsPart() && f.ParentTempID != "" {
		return &ValidationError{Field: f.FieldName, Reason: "a part cannot belong to another part"}
	}
	return nil
}

// ValidateFieldInSection checks a field against its owning section:
// name uniqueness and, for children, that the parent reference resolves to a
// PART in the same section.
func ValidateFieldInSection(sec Section, f Field) error {
	if err := ValidateField(f); err != nil {
		if verr, ok := err.(*ValidationError); ok {
			verr.Section = sec.Label
		}
		return err
	}
	for _, existing := range sec.Fields {
		if existing.FieldName == f.FieldName {
			return &ValidationError{Section: sec.Label, Field: f.FieldName, Reason: "field name already used in this section"}
		}
	}
	if f.ParentTempID != "" {
		if _, ok := partByStableID(sec.Fields, f.ParentTempID); !ok {
			return &ValidationError{Section: sec.Label, Field: f.FieldName, Reason: fmt.Sprintf("parent %q is not a part in this section", f.ParentTempID)}
		}
	}
	return nil
}

// ValidateSectionLabel enforces case-insensitive label uniqueness across the
// schema. Pass the index of the section being edited, or -1 for a new one.
func ValidateSectionLabel(s Schema, label string, editing int) error {
	if strings.TrimSpace(label) == "" {
		return &ValidationError{Section: label, Reason: "section label is required"}
	}
	for i, sec := range s {
		if i == editing {
			continue
		}
		if strings.EqualFold(sec.Label, label) {
			return &ValidationError{Section: label, Reason: "section label already used"}
		}
	}
	return nil
}

// ValidateSection checks the section invariants that are cheap to verify on
// edit: role consistency and the toggle-dependent control field cardinality.
func ValidateSection(sec Section) error {
	if sec.EditBy != RoleTrainer && sec.EditBy != RoleTrainee {
		return &ValidationError{Section: sec.Label, Reason: "editBy must be TRAINER or TRAINEE"}
	}
	if sec.RoleInSubject != "" && sec.EditBy != RoleTrainer {
		return &ValidationError{Section: sec.Label, Reason: "roleInSubject is only valid on trainer sections"}
	}
	controls := 0
	for _, f := range sec.Fields {
		if f.FieldType == FieldSectionToggle {
			controls++
		}
	}
	if sec.IsToggleDependent && controls != 1 {
		return &ValidationError{Section: sec.Label, Reason: "toggle-dependent section requires exactly one control toggle"}
	}
	if !sec.IsToggleDependent && controls != 0 {
		return &ValidationError{Section: sec.Label, Reason: "control toggle present on a section that is not toggle-dependent"}
	}
	return nil
}
