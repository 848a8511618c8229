package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveCredential inserts or replaces a credential row.
func (s *Store) SaveCredential(ctx context.Context, cred Credential) error {
	tokenRefBlob, err := json.Marshal(cred.TokenRef)
	if err != nil {
		return fmt.Errorf("encoding token ref: %w", err)
	}
	scopesBlob, err := json.Marshal(cred.Scopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO credentials (
			credential_key, token_ref, scopes, expires_at, server_id,
			oauth_token_url, oauth_client_id, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.CredentialKey, tokenRefBlob, scopesBlob, ts(cred.ExpiresAt),
		cred.ServerID, cred.OAuthTokenURL, cred.OAuthClientID,
		cred.CreatedBy, ts(cred.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}

// GetCredential fetches a credential by key.
func (s *Store) GetCredential(ctx context.Context, credentialKey string) (Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT credential_key, token_ref, scopes, expires_at, server_id,
		       oauth_token_url, oauth_client_id, created_by, created_at
		FROM credentials WHERE credential_key = ?`, credentialKey)
	return scanCredential(row)
}

// ListCredentials returns all credentials.
func (s *Store) ListCredentials(ctx context.Context) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT credential_key, token_ref, scopes, expires_at, server_id,
		       oauth_token_url, oauth_client_id, created_by, created_at
		FROM credentials ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

// DeleteCredential removes a credential. Remote servers referencing it get
// their credential_key nulled by the foreign key action.
func (s *Store) DeleteCredential(ctx context.Context, credentialKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE credential_key = ?`, credentialKey)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

func scanCredential(sc scanner) (Credential, error) {
	var (
		cred                     Credential
		tokenRefBlob, scopesBlob []byte
		expiresAt, createdAt     string
		tokenURL, clientID       sql.NullString
	)
	err := sc.Scan(&cred.CredentialKey, &tokenRefBlob, &scopesBlob, &expiresAt,
		&cred.ServerID, &tokenURL, &clientID, &cred.CreatedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("scanning credential: %w", err)
	}

	if err := json.Unmarshal(tokenRefBlob, &cred.TokenRef); err != nil {
		return Credential{}, fmt.Errorf("decoding token ref: %w", err)
	}
	if err := json.Unmarshal(scopesBlob, &cred.Scopes); err != nil {
		return Credential{}, fmt.Errorf("decoding scopes: %w", err)
	}
	cred.OAuthTokenURL = tokenURL.String
	cred.OAuthClientID = clientID.String
	if cred.ExpiresAt, err = parseTS(expiresAt); err != nil {
		return Credential{}, err
	}
	if cred.CreatedAt, err = parseTS(createdAt); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// SaveOAuthState inserts a single-use authorization state record.
func (s *Store) SaveOAuthState(ctx context.Context, rec OAuthStateRecord) error {
	scopesBlob, err := json.Marshal(rec.Scopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_states (
			state, server_id, code_challenge, code_challenge_method, scopes,
			authorize_url, token_url, client_id, redirect_uri, expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.State, rec.ServerID, rec.CodeChallenge, rec.CodeChallengeMethod,
		scopesBlob, rec.AuthorizeURL, rec.TokenURL, rec.ClientID,
		rec.RedirectURI, ts(rec.ExpiresAt), ts(rec.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("saving oauth state: %w", err)
	}
	return nil
}

// ConsumeOAuthState atomically fetches and deletes a state record. A missing
// state returns ErrNotFound; each state is usable exactly once.
func (s *Store) ConsumeOAuthState(ctx context.Context, stateValue string) (OAuthStateRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return OAuthStateRecord{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx, `
		SELECT state, server_id, code_challenge, code_challenge_method, scopes,
		       authorize_url, token_url, client_id, redirect_uri, expires_at, created_at
		FROM oauth_states WHERE state = ?`, stateValue)

	rec, err := scanOAuthState(row)
	if err != nil {
		return OAuthStateRecord{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE state = ?`, stateValue); err != nil {
		return OAuthStateRecord{}, fmt.Errorf("consuming oauth state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return OAuthStateRecord{}, fmt.Errorf("committing transaction: %w", err)
	}
	return rec, nil
}

func scanOAuthState(sc scanner) (OAuthStateRecord, error) {
	var (
		rec                  OAuthStateRecord
		challenge, method    sql.NullString
		scopesBlob           []byte
		expiresAt, createdAt string
	)
	err := sc.Scan(&rec.State, &rec.ServerID, &challenge, &method, &scopesBlob,
		&rec.AuthorizeURL, &rec.TokenURL, &rec.ClientID, &rec.RedirectURI,
		&expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return OAuthStateRecord{}, ErrNotFound
	}
	if err != nil {
		return OAuthStateRecord{}, fmt.Errorf("scanning oauth state: %w", err)
	}

	rec.CodeChallenge = challenge.String
	rec.CodeChallengeMethod = method.String
	if len(scopesBlob) > 0 {
		if err := json.Unmarshal(scopesBlob, &rec.Scopes); err != nil {
			return OAuthStateRecord{}, fmt.Errorf("decoding scopes: %w", err)
		}
	}
	if rec.ExpiresAt, err = parseTS(expiresAt); err != nil {
		return OAuthStateRecord{}, err
	}
	if rec.CreatedAt, err = parseTS(createdAt); err != nil {
		return OAuthStateRecord{}, err
	}
	return rec, nil
}
