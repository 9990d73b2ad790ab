package segmentation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)

func newTestCompiler(opts ...CompilerOption) *Compiler {
	return NewCompiler(append([]CompilerOption{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func TestCompile_FlatAnd(t *testing.T) {
	pred, err := newTestCompiler().Compile(FilterGroup{
		Combinator: And,
		Conditions: []FilterCondition{
			{Field: "email", Operation: OpContains, Value: "acme"},
			{Field: "first_name", Operation: OpEq, Value: "Ann"},
		},
	})
	require.NoError(t, err)

	sql, args := pred.SQL(1)
	assert.Equal(t, "(c.email ILIKE $1 AND c.first_name = $2)", sql)
	assert.Equal(t, []any{"%acme%", "Ann"}, args)

	// offset renders after the caller's own parameters
	sql, _ = pred.SQL(3)
	assert.Equal(t, "(c.email ILIKE $3 AND c.first_name = $4)", sql)
}

func TestCompile_NestedOrWithTagsAndWindow(t *testing.T) {
	pred, err := newTestCompiler().Compile(FilterGroup{
		Combinator: Or,
		Groups: []FilterGroup{{
			Combinator: And,
			Conditions: []FilterCondition{{Field: "tags", Operation: OpContains, Value: "vip"}},
		}},
		Conditions: []FilterCondition{
			{Field: "last_opened_at", Operation: OpInTimeWindow, Value: "last_90_days"},
		},
	})
	require.NoError(t, err)

	sql, args := pred.SQL(1)
	assert.Equal(t,
		"(EXISTS (SELECT 1 FROM contact_tags ct JOIN tags t ON t.id = ct.tag_id WHERE ct.contact_id = c.id AND t.name = ANY($1)) OR c.last_opened_at BETWEEN $2 AND $3)",
		sql)
	require.Len(t, args, 3)
	assert.Equal(t, pq.Array([]string{"vip"}), args[0])
	assert.Equal(t, fixedNow.AddDate(0, 0, -90), args[1])
	assert.Equal(t, fixedNow, args[2])
}

func TestCompile_TagsNotContainsIsNoneMatch(t *testing.T) {
	pred, err := newTestCompiler().Compile(FilterGroup{
		Conditions: []FilterCondition{{Field: "tags", Operation: OpNotContains, Value: []any{"churned", "bounced"}}},
	})
	require.NoError(t, err)

	sql, args := pred.SQL(1)
	assert.Equal(t,
		"NOT EXISTS (SELECT 1 FROM contact_tags ct JOIN tags t ON t.id = ct.tag_id WHERE ct.contact_id = c.id AND t.name = ANY($1))",
		sql)
	assert.Equal(t, []any{pq.Array([]string{"churned", "bounced"})}, args)
}

func TestCompile_Properties(t *testing.T) {
	c := newTestCompiler(WithPropertyTypes(map[string]PropertyType{"joined": PropDate}))

	cases := []struct {
		name string
		cond FilterCondition
		sql  string
		args []any
	}{
		{
			name: "string eq",
			cond: FilterCondition{Field: "properties.plan", Operation: OpEq, Value: "pro"},
			sql:  "EXISTS (SELECT 1 FROM contact_properties cp WHERE cp.contact_id = c.id AND cp.name = $1 AND cp.string_value = $2)",
			args: []any{"plan", "pro"},
		},
		{
			name: "ne matches missing property",
			cond: FilterCondition{Field: "properties.plan", Operation: OpNe, Value: "pro"},
			sql:  "NOT EXISTS (SELECT 1 FROM contact_properties cp WHERE cp.contact_id = c.id AND cp.name = $1 AND cp.string_value = $2)",
			args: []any{"plan", "pro"},
		},
		{
			name: "number inferred from value",
			cond: FilterCondition{Field: "properties.score", Operation: OpGte, Value: 10.0},
			sql:  "EXISTS (SELECT 1 FROM contact_properties cp WHERE cp.contact_id = c.id AND cp.name = $1 AND cp.number_value >= $2)",
			args: []any{"score", 10.0},
		},
		{
			name: "declared date",
			cond: FilterCondition{Field: "properties.joined", Operation: OpGt, Value: "2024-01-01"},
			sql:  "EXISTS (SELECT 1 FROM contact_properties cp WHERE cp.contact_id = c.id AND cp.name = $1 AND cp.date_value > $2)",
			args: []any{"joined", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pred, err := c.Compile(FilterGroup{Conditions: []FilterCondition{tc.cond}})
			require.NoError(t, err)
			sql, args := pred.SQL(1)
			assert.Equal(t, tc.sql, sql)
			assert.Equal(t, tc.args, args)
		})
	}
}

func TestCompile_FromJSON(t *testing.T) {
	raw := `{"combinator":"and","conditions":[{"field":"properties.age","operation":"between","value":[18,30]}]}`
	var g FilterGroup
	require.NoError(t, json.Unmarshal([]byte(raw), &g))
	assert.Equal(t, And, g.Combinator)

	pred, err := newTestCompiler().Compile(g)
	require.NoError(t, err)
	sql, args := pred.SQL(1)
	assert.Equal(t, "EXISTS (SELECT 1 FROM contact_properties cp WHERE cp.contact_id = c.id AND cp.name = $1 AND cp.number_value BETWEEN $2 AND $3)", sql)
	assert.Equal(t, []any{"age", 18.0, 30.0}, args)
}

func TestCompile_EmptyGroupMatchesAll(t *testing.T) {
	pred, err := newTestCompiler().Compile(FilterGroup{})
	require.NoError(t, err)
	sql, args := pred.SQL(1)
	assert.Equal(t, "TRUE", sql)
	assert.Empty(t, args)
}

func TestCompile_EscapesLikeMetacharacters(t *testing.T) {
	pred, err := newTestCompiler().Compile(FilterGroup{
		Conditions: []FilterCondition{{Field: "source", Operation: OpStartsWith, Value: `50%_off\`}},
	})
	require.NoError(t, err)
	_, args := pred.SQL(1)
	assert.Equal(t, []any{`50\%\_off\\%`}, args)
}

func TestCompile_ValidationErrors(t *testing.T) {
	cases := []struct {
		name  string
		group FilterGroup
		path  string
		field string
		op    Operation
	}{
		{
			name: "unknown field in nested group",
			group: FilterGroup{Groups: []FilterGroup{
				{Conditions: []FilterCondition{{Field: "email", Operation: OpEq, Value: "a@b.co"}}},
				{Conditions: []FilterCondition{{Field: "password", Operation: OpEq, Value: "x"}}},
			}},
			path:  "groups[1].conditions[0].field",
			field: "password",
			op:    OpEq,
		},
		{
			name:  "operation not valid for class",
			group: FilterGroup{Conditions: []FilterCondition{{Field: "tags", Operation: OpEq, Value: "x"}}},
			path:  "conditions[0].operation",
			field: "tags",
			op:    OpEq,
		},
		{
			name:  "negated property keeps its operation",
			group: FilterGroup{Conditions: []FilterCondition{{Field: "properties.plan", Operation: OpNe, Value: []any{"x"}}}},
			path:  "conditions[0].value",
			field: "properties.plan",
			op:    OpNe,
		},
		{
			name:  "unknown window",
			group: FilterGroup{Conditions: []FilterCondition{{Field: "created_at", Operation: OpInTimeWindow, Value: "last_forever"}}},
			path:  "conditions[0].value",
		},
		{
			name:  "wrong value type",
			group: FilterGroup{Conditions: []FilterCondition{{Field: "email", Operation: OpEq, Value: 42.0}}},
			path:  "conditions[0].value",
		},
		{
			name:  "bad combinator",
			group: FilterGroup{Groups: []FilterGroup{{Combinator: "XOR"}}},
			path:  "groups[0].combinator",
			field: "",
		},
		{
			name:  "bad property name",
			group: FilterGroup{Conditions: []FilterCondition{{Field: "properties.a;drop", Operation: OpEq, Value: "x"}}},
			path:  "conditions[0].field",
		},
		{
			name:  "between arity",
			group: FilterGroup{Conditions: []FilterCondition{{Field: "created_at", Operation: OpBetween, Value: []any{"2024-01-01"}}}},
			path:  "conditions[0].value",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newTestCompiler().Compile(tc.group)
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.path, verr.Path)
			assert.Contains(t, err.Error(), tc.path)
			if tc.field != "" {
				assert.Equal(t, tc.field, verr.Field)
				assert.Equal(t, tc.op, verr.Operation)
			}
		})
	}
}

func TestCompile_StatusField(t *testing.T) {
	pred, err := newTestCompiler().Compile(FilterGroup{
		Conditions: []FilterCondition{{Field: "status", Operation: OpEq, Value: "subscribed"}},
	})
	require.NoError(t, err)

	sql, args := pred.SQL(1)
	assert.Equal(t, "(CASE WHEN c.subscribed THEN 'subscribed' ELSE 'unsubscribed' END) = $1", sql)
	assert.Equal(t, []any{"subscribed"}, args)
}

func TestCompile_DateEqualityIsCalendarDay(t *testing.T) {
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	pred, err := newTestCompiler().Compile(FilterGroup{
		Conditions: []FilterCondition{{Field: "created_at", Operation: OpEq, Value: "2026-03-14T17:45:00Z"}},
	})
	require.NoError(t, err)
	sql, args := pred.SQL(1)
	assert.Equal(t, "(c.created_at >= $1 AND c.created_at < $2)", sql)
	assert.Equal(t, []any{day, day.Add(24 * time.Hour)}, args)

	pred, err = newTestCompiler().Compile(FilterGroup{
		Conditions: []FilterCondition{{Field: "last_opened_at", Operation: OpNe, Value: "2026-03-14"}},
	})
	require.NoError(t, err)
	sql, args = pred.SQL(1)
	assert.Equal(t, "(c.last_opened_at IS NULL OR c.last_opened_at < $1 OR c.last_opened_at >= $2)", sql)
	assert.Equal(t, []any{day, day.Add(24 * time.Hour)}, args)
}

func TestResolveWindow(t *testing.T) {
	from, to, ok := resolveWindow("last_24_hours", fixedNow)
	require.True(t, ok)
	assert.Equal(t, fixedNow.Add(-24*time.Hour), from)
	assert.Equal(t, fixedNow, to)

	from, _, ok = resolveWindow("this_month", fixedNow)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), from)

	_, _, ok = resolveWindow("last_0_days", fixedNow)
	assert.False(t, ok)
	_, _, ok = resolveWindow("last_99999_days", fixedNow)
	assert.False(t, ok)
}
