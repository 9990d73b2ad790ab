package segmentation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PropertyType is the declared type of a contact property. It selects the
// value column of contact_properties.
type PropertyType string

const (
	PropString PropertyType = "string"
	PropNumber PropertyType = "number"
	PropDate   PropertyType = "date"
	PropBool   PropertyType = "boolean"
)

func (p PropertyType) class() FieldClass {
	switch p {
	case PropNumber:
		return ClassNumber
	case PropDate:
		return ClassDate
	case PropBool:
		return ClassBool
	default:
		return ClassText
	}
}

func (p PropertyType) column() string {
	switch p {
	case PropNumber:
		return "cp.number_value"
	case PropDate:
		return "cp.date_value"
	case PropBool:
		return "cp.bool_value"
	default:
		return "cp.string_value"
	}
}

var propertyNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Compiler validates filter trees and turns them into predicates.
type Compiler struct {
	fields    map[string]FieldClass
	propTypes map[string]PropertyType
	now       func() time.Time
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithClock fixes "now" for symbolic time windows.
func WithClock(now func() time.Time) CompilerOption {
	return func(c *Compiler) { c.now = now }
}

// WithFields adds or overrides column fields in the allow-list.
func WithFields(fields map[string]FieldClass) CompilerOption {
	return func(c *Compiler) {
		for k, v := range fields {
			c.fields[k] = v
		}
	}
}

// WithPropertyTypes declares property types. Undeclared properties are
// typed from the condition value.
func WithPropertyTypes(types map[string]PropertyType) CompilerOption {
	return func(c *Compiler) {
		for k, v := range types {
			c.propTypes[k] = v
		}
	}
}

// NewCompiler returns a compiler over DefaultFields.
func NewCompiler(opts ...CompilerOption) *Compiler {
	c := &Compiler{
		fields:    DefaultFields(),
		propTypes: map[string]PropertyType{},
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Predicate is a validated filter tree with all relative windows resolved.
// Render it with SQL as many times as needed.
type Predicate struct {
	root node
}

// SQL renders the predicate as a boolean expression over the contacts
// alias "c". Placeholders start at $firstArg so the expression can be
// embedded after the caller's own parameters.
func (p *Predicate) SQL(firstArg int) (string, []any) {
	b := &builder{next: firstArg}
	return p.root.render(b), b.args
}

type builder struct {
	args []any
	next int
}

// arg appends a value and returns its placeholder.
func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	ph := "$" + strconv.Itoa(b.next)
	b.next++
	return ph
}

type node interface {
	render(b *builder) string
}

type groupNode struct {
	comb     Combinator
	children []node
}

func (g groupNode) render(b *builder) string {
	if len(g.children) == 0 {
		return "TRUE"
	}
	parts := make([]string, len(g.children))
	for i, ch := range g.children {
		parts[i] = ch.render(b)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " "+string(g.comb)+" ") + ")"
}

type leaf func(b *builder) string

func (l leaf) render(b *builder) string { return l(b) }

// Compile validates group and resolves it into a Predicate. Time windows
// are fixed against the compiler clock at this point.
func (c *Compiler) Compile(group FilterGroup) (*Predicate, error) {
	root, err := c.compileGroup(group, "", c.now())
	if err != nil {
		return nil, err
	}
	return &Predicate{root: root}, nil
}

func (c *Compiler) compileGroup(g FilterGroup, path string, now time.Time) (node, error) {
	comb := g.Combinator
	if comb == "" {
		comb = And
	}
	if comb != And && comb != Or {
		return nil, invalid(joinPath(path, "combinator"), "unknown combinator %q", g.Combinator)
	}

	out := groupNode{comb: comb}
	for i, sub := range g.Groups {
		n, err := c.compileGroup(sub, joinPath(path, fmt.Sprintf("groups[%d]", i)), now)
		if err != nil {
			return nil, err
		}
		out.children = append(out.children, n)
	}
	for i, cond := range g.Conditions {
		n, err := c.compileCondition(cond, joinPath(path, fmt.Sprintf("conditions[%d]", i)), now)
		if err != nil {
			return nil, err
		}
		out.children = append(out.children, n)
	}
	return out, nil
}

func (c *Compiler) compileCondition(cond FilterCondition, path string, now time.Time) (node, error) {
	if name, ok := strings.CutPrefix(cond.Field, PropertyPrefix); ok {
		return c.compileProperty(name, cond, path, now)
	}

	class, ok := c.fields[cond.Field]
	if !ok {
		return nil, invalidCond(joinPath(path, "field"), cond, "field %q is not filterable", cond.Field)
	}
	if !class.allows(cond.Operation) {
		return nil, invalidCond(joinPath(path, "operation"), cond, "operation %q is not supported for %s field %q", cond.Operation, class, cond.Field)
	}

	if class == ClassTags {
		tags, err := stringList(cond.Value)
		if err != nil {
			return nil, invalidCond(joinPath(path, "value"), cond, "%v", err)
		}
		exists := func(b *builder) string {
			return "EXISTS (SELECT 1 FROM contact_tags ct JOIN tags t ON t.id = ct.tag_id WHERE ct.contact_id = c.id AND t.name = ANY(" + b.arg(pq.Array(tags)) + "))"
		}
		if cond.Operation == OpNotContains {
			return leaf(func(b *builder) string { return "NOT " + exists(b) }), nil
		}
		return leaf(exists), nil
	}

	col, ok := columnExpr[cond.Field]
	if !ok {
		col = "c." + cond.Field
	}
	return c.comparison(col, class, cond, path, now)
}

// columnExpr maps allow-listed fields that are not plain contact columns.
var columnExpr = map[string]string{
	"status": "(CASE WHEN c.subscribed THEN 'subscribed' ELSE 'unsubscribed' END)",
}

// compileProperty resolves properties.<name> through contact_properties,
// keyed by name, comparing the column of the property's type. Negative
// operations match contacts that lack the property.
func (c *Compiler) compileProperty(name string, cond FilterCondition, path string, now time.Time) (node, error) {
	if !propertyNameRe.MatchString(name) {
		return nil, invalidCond(joinPath(path, "field"), cond, "invalid property name %q", name)
	}

	ptype, declared := c.propTypes[name]
	if !declared {
		ptype = inferPropertyType(cond)
	}
	class := ptype.class()
	if !class.allows(cond.Operation) {
		return nil, invalidCond(joinPath(path, "operation"), cond, "operation %q is not supported for %s property %q", cond.Operation, ptype, name)
	}

	op := cond.Operation
	negate := false
	switch op {
	case OpNe:
		op, negate = OpEq, true
	case OpNotContains:
		op, negate = OpContains, true
	case OpIsEmpty:
		op, negate = OpIsNotEmpty, true
	}
	positive := cond
	positive.Operation = op

	inner, err := c.comparison(ptype.column(), class, positive, path, now)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Operation = cond.Operation
		}
		return nil, err
	}
	return leaf(func(b *builder) string {
		s := "EXISTS (SELECT 1 FROM contact_properties cp WHERE cp.contact_id = c.id AND cp.name = " + b.arg(name) + " AND " + inner.render(b) + ")"
		if negate {
			return "NOT " + s
		}
		return s
	}), nil
}

func inferPropertyType(cond FilterCondition) PropertyType {
	if cond.Operation == OpInTimeWindow {
		return PropDate
	}
	v := cond.Value
	if list, ok := v.([]any); ok && len(list) > 0 {
		v = list[0]
	}
	switch v.(type) {
	case bool:
		return PropBool
	case float64, float32, int, int64, int32, json.Number:
		return PropNumber
	case time.Time:
		return PropDate
	default:
		return PropString
	}
}

// comparison renders col <op> value for scalar classes.
func (c *Compiler) comparison(col string, class FieldClass, cond FilterCondition, path string, now time.Time) (node, error) {
	vpath := joinPath(path, "value")

	switch cond.Operation {
	case OpIsEmpty:
		if class == ClassText {
			return leaf(func(*builder) string { return "(" + col + " IS NULL OR " + col + " = '')" }), nil
		}
		return leaf(func(*builder) string { return col + " IS NULL" }), nil
	case OpIsNotEmpty:
		if class == ClassText {
			return leaf(func(*builder) string { return "(" + col + " IS NOT NULL AND " + col + " <> '')" }), nil
		}
		return leaf(func(*builder) string { return col + " IS NOT NULL" }), nil
	case OpInTimeWindow:
		name, ok := cond.Value.(string)
		if !ok {
			return nil, invalidCond(vpath, cond, "time window must be a string like \"last_90_days\"")
		}
		from, to, ok := resolveWindow(name, now)
		if !ok {
			return nil, invalidCond(vpath, cond, "unknown time window %q", name)
		}
		return leaf(func(b *builder) string {
			return col + " BETWEEN " + b.arg(from) + " AND " + b.arg(to)
		}), nil
	case OpBetween:
		pair, ok := cond.Value.([]any)
		if !ok || len(pair) != 2 {
			return nil, invalidCond(vpath, cond, "between needs a two-element array")
		}
		lo, err := coerce(class, pair[0])
		if err != nil {
			return nil, invalidCond(vpath, cond, "%v", err)
		}
		hi, err := coerce(class, pair[1])
		if err != nil {
			return nil, invalidCond(vpath, cond, "%v", err)
		}
		return leaf(func(b *builder) string {
			return col + " BETWEEN " + b.arg(lo) + " AND " + b.arg(hi)
		}), nil
	}

	val, err := coerce(class, cond.Value)
	if err != nil {
		return nil, invalidCond(vpath, cond, "%v", err)
	}

	// Dates compare by UTC calendar day for eq and ne.
	if class == ClassDate && (cond.Operation == OpEq || cond.Operation == OpNe) {
		day := val.(time.Time).UTC().Truncate(24 * time.Hour)
		next := day.Add(24 * time.Hour)
		if cond.Operation == OpEq {
			return leaf(func(b *builder) string {
				return "(" + col + " >= " + b.arg(day) + " AND " + col + " < " + b.arg(next) + ")"
			}), nil
		}
		return leaf(func(b *builder) string {
			return "(" + col + " IS NULL OR " + col + " < " + b.arg(day) + " OR " + col + " >= " + b.arg(next) + ")"
		}), nil
	}

	switch cond.Operation {
	case OpEq:
		return binary(col, "=", val), nil
	case OpNe:
		return binary(col, "IS DISTINCT FROM", val), nil
	case OpGt:
		return binary(col, ">", val), nil
	case OpGte:
		return binary(col, ">=", val), nil
	case OpLt:
		return binary(col, "<", val), nil
	case OpLte:
		return binary(col, "<=", val), nil
	case OpContains:
		return binary(col, "ILIKE", "%"+escapeLike(val.(string))+"%"), nil
	case OpNotContains:
		pattern := "%" + escapeLike(val.(string)) + "%"
		return leaf(func(b *builder) string {
			return "(" + col + " IS NULL OR " + col + " NOT ILIKE " + b.arg(pattern) + ")"
		}), nil
	case OpStartsWith:
		return binary(col, "ILIKE", escapeLike(val.(string))+"%"), nil
	case OpEndsWith:
		return binary(col, "ILIKE", "%"+escapeLike(val.(string))), nil
	}
	return nil, invalidCond(joinPath(path, "operation"), cond, "unsupported operation %q", cond.Operation)
}

func binary(col, op string, val any) node {
	return leaf(func(b *builder) string { return col + " " + op + " " + b.arg(val) })
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// coerce checks v against class and returns the SQL argument.
func coerce(class FieldClass, v any) (any, error) {
	switch class {
	case ClassText:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", v)
		}
		return s, nil
	case ClassNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, fmt.Errorf("expected a number, got %q", n)
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected a number, got %T", v)
	case ClassDate:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
				if parsed, err := time.Parse(layout, t); err == nil {
					return parsed, nil
				}
			}
			return nil, fmt.Errorf("expected an RFC3339 date, got %q", t)
		}
		return nil, fmt.Errorf("expected a date, got %T", v)
	case ClassBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("expected a boolean, got %q", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("expected a boolean, got %T", v)
	}
	return nil, fmt.Errorf("unsupported field class %s", class)
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil, fmt.Errorf("tag must not be empty")
		}
		return []string{t}, nil
	case []string:
		if len(t) == 0 {
			return nil, fmt.Errorf("tag list must not be empty")
		}
		return t, nil
	case []any:
		if len(t) == 0 {
			return nil, fmt.Errorf("tag list must not be empty")
		}
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("tags must be non-empty strings")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a tag name or list of tag names, got %T", v)
}
