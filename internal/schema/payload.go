package schema

// Metadata is the template-level envelope serialized alongside the schema.
type Metadata struct {
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	DepartmentID      string `json:"departmentId"`
	SourceDocumentURL string `json:"sourceDocumentUrl,omitempty"`
	EditedDocumentURL string `json:"editedDocumentUrl,omitempty"`
	OriginalID        string `json:"originalId,omitempty"`
}

// PersistedField is the minimal view of a previously saved field that child
// references are resolved against when rebuilding an existing template.
type PersistedField struct {
	ID        string
	FieldName string
	TempID    string
}

// Payload is the wire format handed to the template persistence service.
type Payload struct {
	Metadata
	Sections []PayloadSection `json:"sections"`
}

// PayloadSection carries a 1-based display order over the top-level list and
// its fields flattened into visual order.
type PayloadSection struct {
	ID                string         `json:"id,omitempty"`
	Label             string         `json:"label"`
	EditBy            Role           `json:"editBy"`
	RoleInSubject     string         `json:"roleInSubject,omitempty"`
	IsSubmittable     bool           `json:"isSubmittable"`
	IsToggleDependent bool           `json:"isToggleDependent"`
	DisplayOrder      int            `json:"displayOrder"`
	Fields            []PayloadField `json:"fields"`
}

// PayloadField is one serialized field. ParentTempID always holds the
// resolved stable identifier; ParentFieldID additionally holds the persisted
// server id of the parent when one could be resolved.
type PayloadField struct {
	Label         string    `json:"label"`
	FieldName     string    `json:"fieldName"`
	FieldType     FieldType `json:"fieldType"`
	RoleRequired  Role      `json:"roleRequired"`
	TempID        string    `json:"tempId,omitempty"`
	ParentTempID  string    `json:"parentTempId,omitempty"`
	ParentFieldID string    `json:"parentFieldId,omitempty"`
	Options       []Option  `json:"options,omitempty"`
	DisplayOrder  int       `json:"displayOrder"`
}

// BuildPayload serializes the schema for a first-time save. Visual order per
// section is: each top-level field in array order, immediately followed by
// its PART children in their array order. Display orders are 1-based over
// that flattened sequence.
func BuildPayload(s Schema, meta Metadata) Payload {
	return buildPayload(s, meta, nil)
}

// BuildPayloadExisting serializes the schema for an update of a previously
// persisted template. Child parent references are resolved against the
// persisted field set first, so the server receives a stable cross-request
// id; when a parent cannot be found there the tempId reference is kept,
// trading referential precision for availability.
func BuildPayloadExisting(s Schema, meta Metadata, persisted []PersistedField) Payload {
	byRef := make(map[string]string, len(persisted))
	for _, p := range persisted {
		if p.TempID != "" {
			byRef[p.TempID] = p.ID
		}
		if p.FieldName != "" {
			byRef[p.FieldName] = p.ID
		}
	}
	return buildPayload(s, meta, byRef)
}

func buildPayload(s Schema, meta Metadata, persistedByRef map[string]string) Payload {
	out := Payload{Metadata: meta, Sections: make([]PayloadSection, 0, len(s))}
	for i, sec := range s {
		ps := PayloadSection{
			ID:                sec.ID,
			Label:             sec.Label,
			EditBy:            sec.EditBy,
			RoleInSubject:     sec.RoleInSubject,
			IsSubmittable:     sec.IsSubmittable,
			IsToggleDependent: sec.IsToggleDependent,
			DisplayOrder:      i + 1,
			Fields:            flattenFields(sec, persistedByRef),
		}
		out.Sections = append(out.Sections, ps)
	}
	return out
}

func flattenFields(sec Section, persistedByRef map[string]string) []PayloadField {
	out := make([]PayloadField, 0, len(sec.Fields))
	emit := func(f Field, parent Field) {
		pf := PayloadField{
			Label:        f.Label,
			FieldName:    f.FieldName,
			FieldType:    f.FieldType,
			RoleRequired: fieldRole(f, sec),
			TempID:       f.StableID(),
			Options:      f.Options,
		}
		if parent.FieldName != "" {
			// Rewrite whatever the child was authored against to the
			// parent's resolved stable identifier.
			pf.ParentTempID = parent.StableID()
			if persistedByRef != nil {
				if id, ok := persistedByRef[parent.StableID()]; ok {
					pf.ParentFieldID = id
				} else if id, ok := persistedByRef[parent.FieldName]; ok {
					pf.ParentFieldID = id
				}
			}
		}
		pf.DisplayOrder = len(out) + 1
		out = append(out, pf)
	}

	for _, f := range sec.Fields {
		if f.ParentTempID != "" && !f.IsPart() {
			if _, ok := partByStableID(sec.Fields, f.ParentTempID); ok {
				continue // emitted under its parent below
			}
		}
		emit(f, Field{})
		if f.IsPart() {
			for _, ci := range childrenOf(sec.Fields, f) {
				emit(sec.Fields[ci], f)
			}
		}
	}
	return out
}

// fieldRole inherits the owning section's role unless the field carries an
// explicit one.
func fieldRole(f Field, sec Section) Role {
	if f.RoleRequired != "" {
		return f.RoleRequired
	}
	return sec.EditBy
}
