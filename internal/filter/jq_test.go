package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrelay/relay/pkg/schema"
)

func TestNewJQEngine(t *testing.T) {
	e := NewJQEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "jq", e.Name())
}

func TestJQ_ReshapePayload(t *testing.T) {
	e := NewJQEngine()

	data := map[string]any{
		"repository": map[string]any{"full_name": "acme/relay"},
		"pusher":     map[string]any{"name": "alice"},
	}

	out, err := e.Evaluate(context.Background(), `{repo: .repository.full_name, author: .pusher.name}`, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"repo": "acme/relay", "author": "alice"}, out)
}

func TestJQ_SingleValue(t *testing.T) {
	e := NewJQEngine()

	out, err := e.Evaluate(context.Background(), `.items | length`, map[string]any{
		"items": []any{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestJQ_MultipleOutputs(t *testing.T) {
	e := NewJQEngine()

	out, err := e.Evaluate(context.Background(), `.items[]`, map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestJQ_NoOutput(t *testing.T) {
	e := NewJQEngine()

	out, err := e.Evaluate(context.Background(), `.items[] | select(. == "z")`, map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJQ_EmptyExpression(t *testing.T) {
	e := NewJQEngine()

	_, err := e.Evaluate(context.Background(), "", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestJQ_ParseError(t *testing.T) {
	e := NewJQEngine()

	_, err := e.Evaluate(context.Background(), `.[invalid`, map[string]any{})
	require.Error(t, err)

	var relayErr *schema.RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, schema.ErrCodeValidation, relayErr.Code)
	assert.Contains(t, relayErr.Details, "expression")
}

func TestJQ_RuntimeError(t *testing.T) {
	e := NewJQEngine()

	// Indexing a string with a key fails at evaluation time.
	_, err := e.Evaluate(context.Background(), `.name.first`, map[string]any{
		"name": "alice",
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestJQ_EnvironmentBlocked(t *testing.T) {
	e := NewJQEngine()

	out, err := e.Evaluate(context.Background(), `$ENV`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)
}

func TestJQ_CodeCaching(t *testing.T) {
	e := NewJQEngine()

	_, err := e.Evaluate(context.Background(), `.x`, map[string]any{"x": 1})
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache[`.x`]
	e.mu.RUnlock()
	assert.True(t, cached)
}
