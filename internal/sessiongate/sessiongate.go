// Package sessiongate validates a session cookie at WebSocket upgrade time
// and enforces idle and absolute session timeouts (C2).
package sessiongate

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/webalive/collab-server/internal/logger"
	"github.com/webalive/collab-server/internal/store"
)

var log = logger.WithComponent("SESSIONGATE")

// ErrNoSession means the request carried no session cookie or no matching row.
var ErrNoSession = errors.New("sessiongate: no valid session")

// ErrExpired means the session was found but is past its idle or absolute timeout.
var ErrExpired = errors.New("sessiongate: session expired")

// Principal is the resolved identity behind a valid session.
type Principal struct {
	UserID      string
	WorkspaceID string
}

// Gate validates session cookies against the sessions relation.
type Gate struct {
	store           *store.Store
	cookieName      string
	idleTimeout     time.Duration
	absoluteTimeout time.Duration
}

// New creates a session gate with the given timeouts.
func New(st *store.Store, cookieName string, idleTimeout, absoluteTimeout time.Duration) *Gate {
	return &Gate{
		store:           st,
		cookieName:      cookieName,
		idleTimeout:     idleTimeout,
		absoluteTimeout: absoluteTimeout,
	}
}

// TokenFromRequest extracts the session cookie value from an upgrade request.
func (g *Gate) TokenFromRequest(r *http.Request) string {
	c, err := r.Cookie(g.cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// Validate resolves a session token to a principal, enforcing idle (15 min)
// and absolute (12h) timeouts. A session that has crossed either threshold is
// deleted and ErrExpired is returned.
func (g *Gate) Validate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrNoSession
	}

	row, err := g.store.LookupSession(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Principal{}, ErrNoSession
		}
		log.Error("Session lookup failed: %v", err)
		return Principal{}, ErrNoSession
	}

	now := time.Now()
	if now.Sub(row.LastActivity) > g.idleTimeout || now.Sub(row.CreatedAt) > g.absoluteTimeout {
		_ = g.store.DeleteSession(ctx, token)
		return Principal{}, ErrExpired
	}

	if err := g.store.TouchSession(ctx, token); err != nil {
		log.Warn("Failed to touch session activity: %v", err)
	}

	return Principal{UserID: row.UserID, WorkspaceID: row.WorkspaceID}, nil
}
