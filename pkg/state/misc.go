package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveContainerConfig persists the immutable record of a started container.
func (s *Store) SaveContainerConfig(ctx context.Context, rec ContainerConfigRecord) error {
	configBlob, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("encoding container config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO container_configs (container_id, name, image, config, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ContainerID, rec.Name, rec.Image, configBlob, ts(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving container config: %w", err)
	}
	return nil
}

// GetContainerConfig fetches the stored config record for a container.
func (s *Store) GetContainerConfig(ctx context.Context, containerID string) (ContainerConfigRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT container_id, name, image, config, created_at
		FROM container_configs WHERE container_id = ?`, containerID)

	var (
		rec        ContainerConfigRecord
		configBlob []byte
		createdAt  string
	)
	err := row.Scan(&rec.ContainerID, &rec.Name, &rec.Image, &configBlob, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ContainerConfigRecord{}, ErrNotFound
	}
	if err != nil {
		return ContainerConfigRecord{}, fmt.Errorf("scanning container config: %w", err)
	}
	if len(configBlob) > 0 {
		if err := json.Unmarshal(configBlob, &rec.Config); err != nil {
			return ContainerConfigRecord{}, fmt.Errorf("decoding container config: %w", err)
		}
	}
	if rec.CreatedAt, err = parseTS(createdAt); err != nil {
		return ContainerConfigRecord{}, err
	}
	return rec, nil
}

// DeleteContainerConfig removes the stored config of a deleted container.
func (s *Store) DeleteContainerConfig(ctx context.Context, containerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM container_configs WHERE container_id = ?`, containerID)
	if err != nil {
		return fmt.Errorf("deleting container config: %w", err)
	}
	return nil
}

// SaveGitHubToken replaces the singleton GitHub token row.
func (s *Store) SaveGitHubToken(ctx context.Context, tok GitHubToken) error {
	tokenRefBlob, err := json.Marshal(tok.TokenRef)
	if err != nil {
		return fmt.Errorf("encoding token ref: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO github_token (id, token_ref, source, updated_by, updated_at)
		VALUES (1, ?, ?, ?, ?)`,
		tokenRefBlob, tok.Source, tok.UpdatedBy, ts(tok.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving github token: %w", err)
	}
	return nil
}

// GetGitHubToken fetches the singleton GitHub token row.
func (s *Store) GetGitHubToken(ctx context.Context) (GitHubToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token_ref, source, updated_by, updated_at FROM github_token WHERE id = 1`)

	var (
		tok          GitHubToken
		tokenRefBlob []byte
		updatedAt    string
	)
	err := row.Scan(&tokenRefBlob, &tok.Source, &tok.UpdatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return GitHubToken{}, ErrNotFound
	}
	if err != nil {
		return GitHubToken{}, fmt.Errorf("scanning github token: %w", err)
	}
	if err := json.Unmarshal(tokenRefBlob, &tok.TokenRef); err != nil {
		return GitHubToken{}, fmt.Errorf("decoding token ref: %w", err)
	}
	if tok.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return GitHubToken{}, err
	}
	return tok, nil
}

// DeleteGitHubToken removes the singleton GitHub token row.
func (s *Store) DeleteGitHubToken(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM github_token WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("deleting github token: %w", err)
	}
	return nil
}

// SaveSignaturePolicy persists a per-server signature policy.
func (s *Store) SaveSignaturePolicy(ctx context.Context, rec SignaturePolicyRecord) error {
	payloadBlob, err := json.Marshal(rec.Policy)
	if err != nil {
		return fmt.Errorf("encoding signature policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO signature_policies (server_id, payload, updated_at)
		VALUES (?, ?, ?)`,
		rec.ServerID, payloadBlob, ts(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving signature policy: %w", err)
	}
	return nil
}

// GetSignaturePolicy fetches the signature policy of a server.
func (s *Store) GetSignaturePolicy(ctx context.Context, serverID string) (SignaturePolicyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_id, payload, updated_at FROM signature_policies WHERE server_id = ?`,
		serverID)

	var (
		rec         SignaturePolicyRecord
		payloadBlob []byte
		updatedAt   string
	)
	err := row.Scan(&rec.ServerID, &payloadBlob, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SignaturePolicyRecord{}, ErrNotFound
	}
	if err != nil {
		return SignaturePolicyRecord{}, fmt.Errorf("scanning signature policy: %w", err)
	}
	if err := json.Unmarshal(payloadBlob, &rec.Policy); err != nil {
		return SignaturePolicyRecord{}, fmt.Errorf("decoding signature policy: %w", err)
	}
	if rec.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return SignaturePolicyRecord{}, err
	}
	return rec, nil
}
