package schema

import (
	"fmt"
	"sync"
)

// MoveRejectedError is a user-facing warning produced when a move is not
// allowed. The schema is left untouched.
type MoveRejectedError struct {
	Reason string
}

func (e *MoveRejectedError) Error() string { return e.Reason }

// movingSet returns the index of the field at from plus, when it is a PART,
// the indices of all its children, in array order.
func movingSet(fields []Field, from int) []int {
	f := fields[from]
	if !f.IsPart() {
		return []int{from}
	}
	set := []int{from}
	set = append(set, childrenOf(fields, f)...)
	// childrenOf walks in array order but a child can precede its part in
	// storage; keep the whole set sorted so relative order is preserved.
	for i := 1; i < len(set); i++ {
		for j := i; j > 0 && set[j] < set[j-1]; j-- {
			set[j], set[j-1] = set[j-1], set[j]
		}
	}
	return set
}

func removeAt(fields []Field, set []int) (moved, rest []Field) {
	inSet := make(map[int]bool, len(set))
	for _, i := range set {
		inSet[i] = true
	}
	for i, f := range fields {
		if inSet[i] {
			moved = append(moved, f)
		} else {
			rest = append(rest, f)
		}
	}
	return moved, rest
}

// insertBefore places moved immediately before the anchor field, identified
// by field name since indices shift after removal. An empty anchor appends.
func insertBefore(rest, moved []Field, anchor string) []Field {
	if anchor == "" {
		return append(rest, moved...)
	}
	for i, f := range rest {
		if f.FieldName == anchor {
			out := make([]Field, 0, len(rest)+len(moved))
			out = append(out, rest[:i]...)
			out = append(out, moved...)
			out = append(out, rest[i:]...)
			return out
		}
	}
	return append(rest, moved...)
}

// MoveFieldWithin relocates the field at from (with its children when it is
// a PART) so it sits immediately before the element currently at to. The
// returned schema is a copy; the input is never mutated.
func MoveFieldWithin(s Schema, sectionIdx, from, to int) (Schema, error) {
	if sectionIdx < 0 || sectionIdx >= len(s) {
		return s, fmt.Errorf("section index %d out of range", sectionIdx)
	}
	fields := s[sectionIdx].Fields
	if from < 0 || from >= len(fields) {
		return s, fmt.Errorf("field index %d out of range", from)
	}
	// to == len(fields) means append; anything past that is a bad index.
	if to < 0 || to > len(fields) {
		return s, fmt.Errorf("target index %d out of range", to)
	}

	set := movingSet(fields, from)
	anchor := ""
	if to < len(fields) {
		anchor = fields[to].FieldName
		for _, i := range set {
			if i == to {
				// Dropping a group onto itself is a no-op.
				return s, nil
			}
		}
	}

	moved, rest := removeAt(fields, set)
	out := s.Clone()
	out[sectionIdx].Fields = insertBefore(rest, moved, anchor)
	return out, nil
}

// MoveFieldAcross removes the field at fromIdx (with children when PART)
// from the source section and inserts it before toIdx in the destination.
// Moves between sections with different responsible roles are rejected, as is
// moving a grouped child away from its parent.
func MoveFieldAcross(s Schema, fromSec, fromIdx, toSec, toIdx int) (Schema, error) {
	if fromSec < 0 || fromSec >= len(s) || toSec < 0 || toSec >= len(s) {
		return s, fmt.Errorf("section index out of range")
	}
	if fromSec == toSec {
		return MoveFieldWithin(s, fromSec, fromIdx, toIdx)
	}
	src, dst := s[fromSec], s[toSec]
	if fromIdx < 0 || fromIdx >= len(src.Fields) {
		return s, fmt.Errorf("field index %d out of range", fromIdx)
	}
	if toIdx < 0 || toIdx > len(dst.Fields) {
		return s, fmt.Errorf("target index %d out of range", toIdx)
	}

	field := src.Fields[fromIdx]
	if src.EditBy != dst.EditBy {
		return s, &MoveRejectedError{Reason: fmt.Sprintf(
			"cannot move %q: section %q is filled by %s but section %q is filled by %s",
			field.FieldName, src.Label, src.EditBy, dst.Label, dst.EditBy)}
	}
	if !field.IsPart() && field.ParentTempID != "" {
		return s, &MoveRejectedError{Reason: fmt.Sprintf(
			"cannot move %q on its own: it belongs to part %q, move the part instead",
			field.FieldName, field.ParentTempID)}
	}
	if field.FieldType == FieldSectionToggle {
		return s, &MoveRejectedError{Reason: fmt.Sprintf(
			"cannot move %q: the control toggle stays with its section", field.FieldName)}
	}

	set := movingSet(src.Fields, fromIdx)
	moved, rest := removeAt(src.Fields, set)
	for _, m := range moved {
		for _, existing := range dst.Fields {
			if existing.FieldName == m.FieldName {
				return s, &MoveRejectedError{Reason: fmt.Sprintf(
					"cannot move %q: section %q already has a field with that name",
					m.FieldName, dst.Label)}
			}
		}
	}

	anchor := ""
	if toIdx < len(dst.Fields) {
		anchor = dst.Fields[toIdx].FieldName
	}

	out := s.Clone()
	out[fromSec].Fields = rest
	out[toSec].Fields = insertBefore(append([]Field(nil), out[toSec].Fields...), moved, anchor)
	return out, nil
}

// MoveSection relocates an entire section, fields and all.
func MoveSection(s Schema, from, to int) (Schema, error) {
	if from < 0 || from >= len(s) || to < 0 || to >= len(s) {
		return s, fmt.Errorf("section index out of range")
	}
	if from == to {
		return s, nil
	}
	out := s.Clone()
	sec := out[from]
	out = append(out[:from], out[from+1:]...)
	rest := make(Schema, 0, len(out)+1)
	rest = append(rest, out[:to]...)
	rest = append(rest, sec)
	rest = append(rest, out[to:]...)
	return rest, nil
}

// MoveDeduper collapses concurrent identical move requests. Two requests
// with the same (fromSection, fromIndex, toSection) key arriving before the
// first completes result in exactly one effective move; the duplicate is
// silently dropped.
type MoveDeduper struct {
	mu       sync.Mutex
	inflight map[string]bool
}

func NewMoveDeduper() *MoveDeduper {
	return &MoveDeduper{inflight: make(map[string]bool)}
}

// MoveKey builds the de-duplication key for a cross-section move intent.
func MoveKey(fromSec, fromIdx, toSec int) string {
	return fmt.Sprintf("%d:%d:%d", fromSec, fromIdx, toSec)
}

// Do runs fn unless an identical move is already in flight. It reports
// whether fn ran.
func (d *MoveDeduper) Do(key string, fn func() error) (bool, error) {
	d.mu.Lock()
	if d.inflight[key] {
		d.mu.Unlock()
		return false, nil
	}
	d.inflight[key] = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inflight, key)
		d.mu.Unlock()
	}()
	return true, fn()
}
