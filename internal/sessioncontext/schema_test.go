package sessioncontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaDeduplicator_FirstOccurrenceReturnsFullSchema(t *testing.T) {
	t.Parallel()

	dedup := NewSchemaDeduplicator()
	alreadySent := map[string]bool{}
	schema := map[string]any{"type": "object", "properties": map[string]any{"a": "string"}}

	result, err := dedup.GetDeduplicated("tool1", schema, alreadySent)
	require.NoError(t, err)
	assert.Equal(t, schema, result)
	assert.Len(t, alreadySent, 1)
}

func TestSchemaDeduplicator_SecondToolWithIdenticalSchemaGetsReference(t *testing.T) {
	t.Parallel()

	dedup := NewSchemaDeduplicator()
	alreadySent := map[string]bool{}
	schema := map[string]any{"type": "object"}

	_, err := dedup.GetDeduplicated("tool1", schema, alreadySent)
	require.NoError(t, err)

	result, err := dedup.GetDeduplicated("tool2", schema, alreadySent)
	require.NoError(t, err)

	ref, ok := result.(SchemaRef)
	require.True(t, ok)
	assert.NotEmpty(t, ref.SchemaRef)
}

func TestSchemaDeduplicator_DistinctSchemasBothEmittedFully(t *testing.T) {
	t.Parallel()

	dedup := NewSchemaDeduplicator()
	alreadySent := map[string]bool{}

	r1, err := dedup.GetDeduplicated("tool1", map[string]any{"type": "object"}, alreadySent)
	require.NoError(t, err)
	r2, err := dedup.GetDeduplicated("tool2", map[string]any{"type": "string"}, alreadySent)
	require.NoError(t, err)

	_, isRef1 := r1.(SchemaRef)
	_, isRef2 := r2.(SchemaRef)
	assert.False(t, isRef1)
	assert.False(t, isRef2)
}

func TestSchemaDeduplicator_BuildRegistryCollapsesSharedSchema(t *testing.T) {
	t.Parallel()

	dedup := NewSchemaDeduplicator()
	alreadySent := map[string]bool{}
	schema := map[string]any{"type": "object"}

	_, err := dedup.GetDeduplicated("tool1", schema, alreadySent)
	require.NoError(t, err)
	_, err = dedup.GetDeduplicated("tool2", schema, alreadySent)
	require.NoError(t, err)

	reg := dedup.BuildRegistry([]string{"tool1", "tool2"})
	assert.Len(t, reg.Schemas, 1)
	assert.Len(t, reg.Tools, 2)
	assert.Equal(t, reg.Tools["tool1"], reg.Tools["tool2"])
}
