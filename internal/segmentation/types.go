// Package segmentation compiles segment filter trees into parameterized
// Postgres predicates over the contacts table.
//
// A segment is a recursive AND/OR tree of leaf conditions. Every field must
// be in the compiler's allow-list and every operation must be valid for the
// field's class; anything else is rejected with a *ValidationError naming
// the offending path before any SQL is produced.
package segmentation

import (
	"encoding/json"
	"strings"
)

// Combinator joins the members of a FilterGroup.
type Combinator string

const (
	And Combinator = "AND"
	Or  Combinator = "OR"
)

// UnmarshalJSON accepts "and"/"or" in any case.
func (c *Combinator) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*c = Combinator(strings.ToUpper(strings.TrimSpace(s)))
	return nil
}

// Operation is a leaf comparison.
type Operation string

const (
	OpEq           Operation = "eq"
	OpNe           Operation = "ne"
	OpContains     Operation = "contains"
	OpNotContains  Operation = "notContains"
	OpStartsWith   Operation = "startsWith"
	OpEndsWith     Operation = "endsWith"
	OpIsEmpty      Operation = "isEmpty"
	OpIsNotEmpty   Operation = "isNotEmpty"
	OpGt           Operation = "gt"
	OpGte          Operation = "gte"
	OpLt           Operation = "lt"
	OpLte          Operation = "lte"
	OpBetween      Operation = "between"
	OpInTimeWindow Operation = "inTimeWindow"
)

// FilterGroup is a node of the segment tree. A group holds nested groups,
// leaf conditions, or both; members are joined by Combinator. An empty
// group matches every contact.
type FilterGroup struct {
	Combinator Combinator        `json:"combinator"`
	Groups     []FilterGroup     `json:"groups,omitempty"`
	Conditions []FilterCondition `json:"conditions,omitempty"`
}

// FilterCondition is a leaf: field, operation, value. Value is whatever
// the JSON decoder produced (string, float64, bool, []any) or a Go value
// of the matching kind.
type FilterCondition struct {
	Field     string    `json:"field"`
	Operation Operation `json:"operation"`
	Value     any       `json:"value,omitempty"`
}

// FieldClass decides which operations a field accepts and how values are
// coerced.
type FieldClass int

const (
	ClassText FieldClass = iota + 1
	ClassNumber
	ClassDate
	ClassBool
	ClassTags
)

func (c FieldClass) String() string {
	switch c {
	case ClassText:
		return "text"
	case ClassNumber:
		return "number"
	case ClassDate:
		return "date"
	case ClassBool:
		return "bool"
	case ClassTags:
		return "tags"
	default:
		return "unknown"
	}
}

var classOps = map[FieldClass][]Operation{
	ClassText:   {OpEq, OpNe, OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpIsEmpty, OpIsNotEmpty},
	ClassNumber: {OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpBetween, OpIsEmpty, OpIsNotEmpty},
	ClassDate:   {OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpBetween, OpInTimeWindow, OpIsEmpty, OpIsNotEmpty},
	ClassBool:   {OpEq, OpNe},
	ClassTags:   {OpContains, OpNotContains},
}

func (c FieldClass) allows(op Operation) bool {
	for _, o := range classOps[c] {
		if o == op {
			return true
		}
	}
	return false
}

// PropertyPrefix marks a field resolved through the contact property store.
const PropertyPrefix = "properties."

// DefaultFields is the contact column allow-list.
func DefaultFields() map[string]FieldClass {
	return map[string]FieldClass{
		"email":           ClassText,
		"first_name":      ClassText,
		"last_name":       ClassText,
		"phone":           ClassText,
		"source":          ClassText,
		"status":          ClassText,
		"subscribed":      ClassBool,
		"created_at":      ClassDate,
		"updated_at":      ClassDate,
		"last_opened_at":  ClassDate,
		"last_clicked_at": ClassDate,
		"tags":            ClassTags,
	}
}

// Segment is a saved filter tree scoped to an audience.
type Segment struct {
	ID         string      `json:"id"`
	AudienceID string      `json:"audience_id"`
	Name       string      `json:"name"`
	Filter     FilterGroup `json:"filter"`
}
