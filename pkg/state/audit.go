package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RedactedValue replaces sensitive metadata values before they reach disk.
const RedactedValue = "***redacted***"

var sensitiveKeyFragments = []string{"token", "secret", "credential"}

// RecordAuditLog appends an audit entry. Metadata values whose key names a
// token, secret, or credential are replaced with the redaction sentinel
// regardless of caller; the store is the last line of defense.
func (s *Store) RecordAuditLog(ctx context.Context, category, action, actor, target string, metadata map[string]any) error {
	var metadataBlob []byte
	if metadata != nil {
		var err error
		metadataBlob, err = json.Marshal(sanitizeMetadata(metadata))
		if err != nil {
			return fmt.Errorf("encoding audit metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (category, action, actor, target, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		category, action, actor, target, metadataBlob, ts(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("recording audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns the most recent audit entries, newest first.
func (s *Store) ListAuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, action, actor, target, metadata, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEntry
	for rows.Next() {
		var (
			entry        AuditEntry
			metadataBlob []byte
			createdAt    string
		)
		if err := rows.Scan(&entry.ID, &entry.Category, &entry.Action,
			&entry.Actor, &entry.Target, &metadataBlob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if len(metadataBlob) > 0 {
			if err := json.Unmarshal(metadataBlob, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decoding audit metadata: %w", err)
			}
		}
		if entry.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// sanitizeMetadata returns a copy of metadata with sensitive values redacted.
// Nested maps are sanitized recursively.
func sanitizeMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		if isSensitiveKey(key) {
			out[key] = RedactedValue
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = sanitizeMetadata(nested)
			continue
		}
		out[key] = value
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
