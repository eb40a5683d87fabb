package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/doc-rag/internal/core/search"
)

func TestMetadataJSONB(t *testing.T) {
	b, err := MetadataToJSONB(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))

	b, err = MetadataToJSONB(map[string]any{"chunk_type": "text", "token_count": 12})
	require.NoError(t, err)

	m := JSONBToMetadata(b)
	assert.Equal(t, "text", m["chunk_type"])
	assert.Equal(t, float64(12), m["token_count"])

	assert.Nil(t, JSONBToMetadata([]byte("{}")))
	assert.Nil(t, JSONBToMetadata([]byte("not json")))
}

func TestFilterToJSONB(t *testing.T) {
	got, err := FilterToJSONB(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = FilterToJSONB(search.MetadataFilter{"document_id": "abc"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"document_id":"abc"}`, *got)
}

func TestUUIDPtrToPgtype(t *testing.T) {
	assert.False(t, UUIDPtrToPgtype(nil).Valid)

	id := uuid.New()
	got := UUIDPtrToPgtype(&id)
	assert.True(t, got.Valid)
	assert.Equal(t, [16]byte(id), got.Bytes)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("other")))
}

func TestNormalizeValue(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, id.String(), normalizeValue([16]byte(id)))
	assert.Equal(t, "raw", normalizeValue([]byte("raw")))
	assert.Equal(t, int64(3), normalizeValue(int64(3)))
}
