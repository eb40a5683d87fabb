package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/jinford/doc-rag/internal/core/search"
)

const pgErrCodeUniqueViolation = "23505"

// IsUniqueViolation は PostgreSQL の unique_violation(23505) かどうかを判定します
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrCodeUniqueViolation
	}
	return false
}

// UUIDPtrToPgtype converts *uuid.UUID to pgtype.UUID
func UUIDPtrToPgtype(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

// MetadataToJSONB converts metadata to JSONB bytes (never NULL)
func MetadataToJSONB(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

// JSONBToMetadata converts JSONB bytes to metadata
func JSONBToMetadata(b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// FilterToJSONB converts a metadata filter to a containment parameter (NULL when empty)
func FilterToJSONB(filter search.MetadataFilter) (*string, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(map[string]any(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata filter: %w", err)
	}
	s := string(b)
	return &s, nil
}
