// Package store provides persistent session state for the photo-processing
// pipeline. The pipeline coordinator creates a session at intake, marks it
// processing, and finalizes it exactly once with the full result set in a
// single atomic write.
//
// The DynamoDB implementation uses a single-table design where all records
// for a session share a partition key (SESSION#{sessionId}). Sort keys
// distinguish record types: META for session state and CONTAINER#{id} for
// per-container results (each carrying its detections, estimations, and
// sub-task audit record inline, so the finalize write stays within one
// transaction).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/groweye/plantcount/internal/model"
)

// WorkingTTL is the time-to-live for session working records. The durable
// outputs (result bundle, annotated photo, inventory hand-off) live in object
// storage and the inventory collaborator; the session table only tracks
// in-flight and recently finished work.
const WorkingTTL = 7 * 24 * time.Hour

// ErrSessionExists is returned by CreateSession when the session ID is
// already taken.
var ErrSessionExists = errors.New("store: session already exists")

// PersistenceError marks a finalize write that was aborted because a required
// relationship could not be resolved. Substituting placeholder identifiers
// would convert a detectable failure into silent data corruption, so the
// whole write fails with the real cause instead.
type PersistenceError struct {
	SessionID string
	Reason    string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist session %s: %s", e.SessionID, e.Reason)
}

// ContainerResult is the terminal output of one container's sub-task.
type ContainerResult struct {
	Container   model.Container    `json:"container" dynamodbav:"container"`
	Detections  []model.Detection  `json:"detections,omitempty" dynamodbav:"detections,omitempty"`
	Estimations []model.Estimation `json:"estimations,omitempty" dynamodbav:"estimations,omitempty"`
	SubTask     model.SubTask      `json:"subTask" dynamodbav:"subTask"`
}

// FinalResult is the complete, internally consistent result bundle for one
// session: the terminal session state plus every container's records. This is
// also the shape handed to the inventory persistence collaborator.
type FinalResult struct {
	Session    model.Session     `json:"session"`
	Containers []ContainerResult `json:"containers"`
}

// Validate checks the referential integrity the finalize write requires.
func (r *FinalResult) Validate() error {
	if r.Session.ID == "" {
		return &PersistenceError{Reason: "session ID is empty"}
	}
	if !r.Session.Status.Terminal() {
		return &PersistenceError{SessionID: r.Session.ID,
			Reason: fmt.Sprintf("status %q is not terminal", r.Session.Status)}
	}
	for i, c := range r.Containers {
		if c.Container.ID == "" {
			return &PersistenceError{SessionID: r.Session.ID,
				Reason: fmt.Sprintf("container %d has no identifier", i)}
		}
		if c.Container.SessionID != r.Session.ID {
			return &PersistenceError{SessionID: r.Session.ID,
				Reason: fmt.Sprintf("container %s belongs to session %q", c.Container.ID, c.Container.SessionID)}
		}
		if c.SubTask.ContainerID != c.Container.ID {
			return &PersistenceError{SessionID: r.Session.ID,
				Reason: fmt.Sprintf("sub-task %s references container %q, record holds %s",
					c.SubTask.ID, c.SubTask.ContainerID, c.Container.ID)}
		}
	}
	return nil
}

// SessionStore is the persistence interface the coordinator runs against.
// Implementations must be safe for concurrent use. Get methods return
// (nil, nil) when the record does not exist.
type SessionStore interface {
	// CreateSession writes a new session record. Returns ErrSessionExists if
	// the ID is already present, preserving intake idempotence.
	CreateSession(ctx context.Context, session *model.Session) error

	// GetSession retrieves session state by ID.
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)

	// UpdateSessionStatus transitions a session's status field without
	// touching other fields.
	UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus) error

	// FinalizeSession atomically writes the terminal session state and every
	// container result. The write validates referential integrity first and
	// returns a *PersistenceError without writing anything when it fails;
	// partial results are never persisted.
	FinalizeSession(ctx context.Context, result *FinalResult) error

	// GetContainerResults returns all persisted container results for a
	// session, in scan order.
	GetContainerResults(ctx context.Context, sessionID string) ([]ContainerResult, error)
}
