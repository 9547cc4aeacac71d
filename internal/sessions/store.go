// Package sessions persists Sessions, their Message history, and the Plan
// attached to a session (component C6). Two Store implementations are
// provided: an in-process MemoryStore for tests and single-node deployments,
// and a Postgres/CockroachDB-backed store for durable multi-node deployments.
package sessions

import (
	"context"
	"errors"

	"github.com/honeycomb-technologies/krusty/pkg/models"
)

// ErrSessionNotFound is returned when a session lookup finds nothing.
var ErrSessionNotFound = errors.New("session not found")

// ErrNotFound is returned when a plan or lock lookup finds nothing.
var ErrNotFound = errors.New("not found")

// MaxHistoryLimit is the hard ceiling on GetHistory's limit parameter, so a
// runaway conversation cannot force an unbounded read from the store.
const MaxHistoryLimit = 10000

// Store is the interface for session, message, and plan persistence.
type Store interface {
	// Session CRUD
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// Message history. AppendMessage assigns an ID and CreatedAt if unset.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// Plan is one-to-one with a session; nil plan deletes it.
	GetPlan(ctx context.Context, sessionID string) (*models.Plan, error)
	PutPlan(ctx context.Context, plan *models.Plan) error

	// PinchContext handoff persistence.
	SavePinchContext(ctx context.Context, pc *models.PinchContext) error
	GetPinchContext(ctx context.Context, sourceSessionID string) (*models.PinchContext, error)
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 || limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
