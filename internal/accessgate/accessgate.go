// Package accessgate resolves whether a session principal may access a given
// document, per the visibility rules of C3.
package accessgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/webalive/collab-server/internal/store"
)

// ErrDenied means the principal may not access the document (or it does not exist).
var ErrDenied = errors.New("accessgate: access denied")

// Decision carries the resolved document metadata needed by the rest of the
// collaboration pipeline once access has been granted.
type Decision struct {
	DocID       string
	Visibility  string
	CreatedBy   string
	WorkspaceID string
}

// Gate resolves document visibility against the relational store.
type Gate struct {
	store *store.Store
}

// New creates an access gate backed by st.
func New(st *store.Store) *Gate {
	return &Gate{store: st}
}

// Check resolves whether principal (userID in workspaceID) may access docID.
// A missing document is always denied. A document belongs to workspaceID AND
// (visibility == "workspace" OR principal is the creator OR principal has the
// admin role in that workspace).
func (g *Gate) Check(ctx context.Context, docID, userID, workspaceID string) (Decision, error) {
	row, err := g.store.LoadDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Decision{}, ErrDenied
		}
		return Decision{}, fmt.Errorf("access check: %w", err)
	}

	if row.WorkspaceID != workspaceID {
		return Decision{}, ErrDenied
	}

	if row.Visibility == "workspace" || row.CreatedBy == userID {
		return Decision{DocID: docID, Visibility: row.Visibility, CreatedBy: row.CreatedBy, WorkspaceID: row.WorkspaceID}, nil
	}

	isAdmin, err := g.store.IsWorkspaceAdmin(ctx, userID, workspaceID)
	if err != nil {
		return Decision{}, fmt.Errorf("access check: %w", err)
	}
	if !isAdmin {
		return Decision{}, ErrDenied
	}

	return Decision{DocID: docID, Visibility: row.Visibility, CreatedBy: row.CreatedBy, WorkspaceID: row.WorkspaceID}, nil
}

// IsAuthorizedAfterVisibilityChange reports whether principal still qualifies
// once a document's visibility changes to newVisibility, used by the
// registry's notify_visibility_change hook. Workspace visibility always
// qualifies; otherwise only the creator or an admin remain authorized.
func (g *Gate) IsAuthorizedAfterVisibilityChange(ctx context.Context, newVisibility, creatorID, userID, workspaceID string) (bool, error) {
	if newVisibility == "workspace" {
		return true, nil
	}
	if userID == creatorID {
		return true, nil
	}
	return g.store.IsWorkspaceAdmin(ctx, userID, workspaceID)
}
