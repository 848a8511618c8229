package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveRemoteServer inserts or replaces a remote server record. Duplicate
// catalog_item_id or endpoint values return ErrAlreadyExists on insert.
func (s *Store) SaveRemoteServer(ctx context.Context, srv RemoteServer) error {
	var credentialKey any
	if srv.CredentialKey != "" {
		credentialKey = srv.CredentialKey
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO remote_servers (
			server_id, catalog_item_id, name, endpoint, status,
			credential_key, last_connected_at, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ServerID, srv.CatalogItemID, srv.Name, srv.Endpoint, srv.Status,
		credentialKey, tsPtr(srv.LastConnectedAt), srv.ErrorMessage, ts(srv.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("saving remote server: %w", err)
	}
	return nil
}

// GetRemoteServer fetches a remote server by id.
func (s *Store) GetRemoteServer(ctx context.Context, serverID string) (RemoteServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT server_id, catalog_item_id, name, endpoint, status,
		       credential_key, last_connected_at, error_message, created_at
		FROM remote_servers WHERE server_id = ?`, serverID)
	return scanRemoteServer(row)
}

// FindRemoteServerConflict reports whether a server with the given catalog
// item id or endpoint already exists.
func (s *Store) FindRemoteServerConflict(ctx context.Context, catalogItemID, endpoint string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM remote_servers
		WHERE catalog_item_id = ? OR endpoint = ?`, catalogItemID, endpoint,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking remote server conflict: %w", err)
	}
	return n > 0, nil
}

// RemoteServerIDExists reports whether a server id is already taken.
func (s *Store) RemoteServerIDExists(ctx context.Context, serverID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM remote_servers WHERE server_id = ?`, serverID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking remote server id: %w", err)
	}
	return n > 0, nil
}

// ListRemoteServers returns all remote servers ordered by creation time.
func (s *Store) ListRemoteServers(ctx context.Context) ([]RemoteServer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, catalog_item_id, name, endpoint, status,
		       credential_key, last_connected_at, error_message, created_at
		FROM remote_servers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying remote servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RemoteServer
	for rows.Next() {
		srv, err := scanRemoteServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// DeleteRemoteServer removes a remote server record.
func (s *Store) DeleteRemoteServer(ctx context.Context, serverID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM remote_servers WHERE server_id = ?`, serverID)
	if err != nil {
		return fmt.Errorf("deleting remote server: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRemoteServer(sc scanner) (RemoteServer, error) {
	var (
		srv                   RemoteServer
		credentialKey, errMsg sql.NullString
		lastConnected         sql.NullString
		createdAt             string
	)
	err := sc.Scan(&srv.ServerID, &srv.CatalogItemID, &srv.Name, &srv.Endpoint,
		&srv.Status, &credentialKey, &lastConnected, &errMsg, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RemoteServer{}, ErrNotFound
	}
	if err != nil {
		return RemoteServer{}, fmt.Errorf("scanning remote server: %w", err)
	}

	srv.CredentialKey = credentialKey.String
	srv.ErrorMessage = errMsg.String
	if srv.LastConnectedAt, err = parseTSPtr(lastConnected); err != nil {
		return RemoteServer{}, err
	}
	if srv.CreatedAt, err = parseTS(createdAt); err != nil {
		return RemoteServer{}, err
	}
	return srv, nil
}

// SaveGatewayAllowEntry inserts or replaces a gateway allowlist entry.
func (s *Store) SaveGatewayAllowEntry(ctx context.Context, entry GatewayAllowEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO gateway_allow_entries (
			id, type, value, created_by, created_at, enabled, version
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Type, entry.Value, entry.CreatedBy,
		ts(entry.CreatedAt), boolToInt(entry.Enabled), entry.Version,
	)
	if err != nil {
		return fmt.Errorf("saving gateway allow entry: %w", err)
	}
	return nil
}

// ListGatewayAllowEntries returns all persisted gateway allowlist entries.
func (s *Store) ListGatewayAllowEntries(ctx context.Context) ([]GatewayAllowEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, value, created_by, created_at, enabled, version
		FROM gateway_allow_entries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying gateway allow entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []GatewayAllowEntry
	for rows.Next() {
		var (
			entry     GatewayAllowEntry
			createdAt string
			enabled   int
		)
		if err := rows.Scan(&entry.ID, &entry.Type, &entry.Value, &entry.CreatedBy,
			&createdAt, &enabled, &entry.Version); err != nil {
			return nil, fmt.Errorf("scanning gateway allow entry: %w", err)
		}
		entry.Enabled = enabled != 0
		if entry.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// SaveGateway persists a gateway registration.
func (s *Store) SaveGateway(ctx context.Context, gw Gateway) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO gateways (gateway_id, url, created_by, created_at)
		VALUES (?, ?, ?, ?)`,
		gw.GatewayID, gw.URL, gw.CreatedBy, ts(gw.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("saving gateway: %w", err)
	}
	return nil
}

// GetGateway fetches a gateway registration by id.
func (s *Store) GetGateway(ctx context.Context, gatewayID string) (Gateway, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT gateway_id, url, created_by, created_at FROM gateways WHERE gateway_id = ?`,
		gatewayID)

	var (
		gw        Gateway
		createdAt string
	)
	err := row.Scan(&gw.GatewayID, &gw.URL, &gw.CreatedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Gateway{}, ErrNotFound
	}
	if err != nil {
		return Gateway{}, fmt.Errorf("scanning gateway: %w", err)
	}
	if gw.CreatedAt, err = parseTS(createdAt); err != nil {
		return Gateway{}, err
	}
	return gw, nil
}
