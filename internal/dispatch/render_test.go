package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSubstitutesAttributes(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render("Hi {{ name }}, you are on {{ plan }}", map[string]interface{}{
		"name": "Alice",
		"plan": "pro",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Alice, you are on pro", out)
}

func TestRenderDefaultFilter(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render(`Hi {{ name | default: "Friend" }}`, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "Hi Friend", out)
}

func TestRenderNumericAttribute(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render("Age: {{ age }}", map[string]interface{}{
		"age": json.Number("30"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Age: 30", out)
}

func TestRenderCachesByTemplateText(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render("Hello {{ name }}", map[string]interface{}{"name": "A"})
	require.NoError(t, err)
	assert.Equal(t, "Hello A", out)

	// Same text reuses the cached parse but binds fresh values.
	out, err = r.Render("Hello {{ name }}", map[string]interface{}{"name": "B"})
	require.NoError(t, err)
	assert.Equal(t, "Hello B", out)

	// Different text is a different cache entry, never a stale hit.
	out, err = r.Render("Bye {{ name }}", map[string]interface{}{"name": "B"})
	require.NoError(t, err)
	assert.Equal(t, "Bye B", out)
}

func TestRenderParseErrorSurfaces(t *testing.T) {
	r := NewRenderer()

	_, err := r.Render("{% if %}", map[string]interface{}{})
	assert.Error(t, err)
}
