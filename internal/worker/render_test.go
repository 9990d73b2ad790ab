package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderer_MergeFields(t *testing.T) {
	r := NewRenderer()
	bindings := map[string]any{
		"first_name": "Ada",
		"last_name":  "",
		"properties": map[string]any{"plan": "pro"},
	}

	out, err := r.Render("Hi {{ first_name }}, you are on {{ properties.plan }}", bindings)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada, you are on pro", out)

	out, err = r.Render(`{{ last_name | default: "friend" }}`, bindings)
	require.NoError(t, err)
	assert.Equal(t, "friend", out)

	// second render comes from the cache
	out, err = r.Render("Hi {{ first_name }}, you are on {{ properties.plan }}", map[string]any{"first_name": "Bo"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Bo, you are on ", out)
}

func TestRenderer_PlainTextUntouched(t *testing.T) {
	r := NewRenderer()
	out, err := r.Render("<p>50% off {not a tag}</p>", nil)
	require.NoError(t, err)
	assert.Equal(t, "<p>50% off {not a tag}</p>", out)
}

func TestRenderer_SyntaxError(t *testing.T) {
	r := NewRenderer()
	_, err := r.Render("{% if first_name %}unterminated", map[string]any{})
	assert.Error(t, err)
}
