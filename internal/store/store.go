// Package store provides the Postgres-backed relational access used by the
// collaboration server: documents, sessions, and workspace memberships.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webalive/collab-server/internal/logger"
)

var log = logger.WithComponent("STORE")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a pgx connection pool with the query shapes the collaboration
// components need.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using connString and verifies connectivity.
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// DocumentRow is the row shape named in the external DB contract.
type DocumentRow struct {
	ID          string
	Content     []byte // raw JSON, nullable
	CRDTState   []byte // nullable
	Properties  map[string]any
	Visibility  string
	CreatedBy   string
	WorkspaceID string
}

// LoadDocument fetches the fields needed to materialize a live room.
func (s *Store) LoadDocument(ctx context.Context, docID string) (*DocumentRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT crdt_state, content, properties, visibility, created_by, workspace_id
		FROM documents WHERE id = $1`, docID)

	var row2 DocumentRow
	row2.ID = docID
	var properties map[string]any
	if err := row.Scan(&row2.CRDTState, &row2.Content, &properties, &row2.Visibility, &row2.CreatedBy, &row2.WorkspaceID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load document %s: %w", docID, err)
	}
	row2.Properties = properties
	return &row2, nil
}

// SaveDocument persists the CRDT state and derived properties for a document.
// properties must already contain the merge of stored + derived fields;
// this call overwrites the properties column wholesale.
func (s *Store) SaveDocument(ctx context.Context, docID string, crdtState []byte, properties map[string]any) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE documents SET crdt_state = $1, properties = $2, updated_at = now()
		WHERE id = $3`, crdtState, properties, docID)
	if err != nil {
		return fmt.Errorf("save document %s: %w", docID, err)
	}
	return nil
}

// Principal identifies the caller of a session-authenticated action.
type Principal struct {
	UserID      string
	WorkspaceID string
}

// SessionRow mirrors the columns the session gate needs.
type SessionRow struct {
	Token        string
	UserID       string
	WorkspaceID  string
	CreatedAt    time.Time
	LastActivity time.Time
}

// LookupSession fetches a session row by its cookie token.
func (s *Store) LookupSession(ctx context.Context, token string) (*SessionRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT token, user_id, workspace_id, created_at, last_activity
		FROM sessions WHERE token = $1`, token)

	var sr SessionRow
	if err := row.Scan(&sr.Token, &sr.UserID, &sr.WorkspaceID, &sr.CreatedAt, &sr.LastActivity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	return &sr, nil
}

// TouchSession bumps last_activity to now.
func (s *Store) TouchSession(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET last_activity = now() WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession removes an expired session row.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	if err != nil {
		log.Warn("Failed to delete expired session: %v", err)
	}
	return nil
}

// IsWorkspaceAdmin resolves the admin role for a user in a workspace from the
// memberships relation.
func (s *Store) IsWorkspaceAdmin(ctx context.Context, userID, workspaceID string) (bool, error) {
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT role FROM memberships WHERE user_id = $1 AND workspace_id = $2`, userID, workspaceID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lookup membership: %w", err)
	}
	return role == "admin", nil
}
