// Package store defines the durable persistence contract: projects,
// users, the append-only per-project operation log, file metadata and
// active sessions. Implementations live in canvas/canvasdb.
package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/zeebo/errs"

	"canvasd.io/canvasd/canvas/model"
)

// Error is the store package's error class; all Store implementations
// wrap returned errors with it so callers can errs.Is-match the class
// regardless of backend (sqlite vs postgres).
var Error = errs.Class("store")

// ErrConflict is returned by AppendOperation when a concurrent appender
// won the race for the next sequence number; the caller must retry.
var ErrConflict = errs.Class("sequence conflict")

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errs.Class("not found")

// FileMeta is the subset of model.File the caller supplies on ingest;
// ID and ProjectID are assigned/resolved by the store.
type FileMeta struct {
	StoredName string
	Mime       string
	Size       int64
	ProjectID  *model.ProjectID
}

// RegisterResult reports whether a file record was newly created or the
// hash already existed (idempotent re-upload).
type RegisterResult struct {
	File    model.File
	Created bool
}

// Store is the durable persistence contract. All methods are safe for
// concurrent use by multiple goroutines; AppendOperation is additionally
// serializable per-project (see canvas/room, which provides the
// single-writer lane that calls it).
type Store interface {
	// CreateUser inserts a new user and returns it with its assigned
	// ID; it fails if the username is already taken (the
	// first-join-creates lookup lives in canvas/server's resolveUser).
	CreateUser(ctx context.Context, username, displayName string) (model.User, error)
	GetUser(ctx context.Context, id model.UserID) (model.User, error)
	GetUserByUsername(ctx context.Context, username string) (model.User, error)

	CreateProject(ctx context.Context, name string, owner model.UserID) (model.Project, error)
	GetProject(ctx context.Context, id model.ProjectID) (model.Project, error)
	ListProjects(ctx context.Context) ([]model.Project, error)
	DeleteProject(ctx context.Context, id model.ProjectID) error

	// AppendOperation atomically reads max(seq)+1 for the project,
	// inserts the operation row, and returns the assigned seq. It must
	// be serializable against concurrent appends to the same project:
	// when two callers race, exactly one succeeds and the other
	// receives ErrConflict and must retry.
	AppendOperation(ctx context.Context, projectID model.ProjectID, userID model.UserID, tabID string, typ model.OperationType, data, undoData json.RawMessage) (model.Seq, error)

	// OperationsSince returns ops with seq in (lastSeq, lastSeq+limit],
	// in ascending seq order.
	OperationsSince(ctx context.Context, projectID model.ProjectID, lastSeq model.Seq, limit int) ([]model.Operation, error)

	// LatestSeq returns the highest persisted seq for the project, or 0
	// if the project has no operations yet.
	LatestSeq(ctx context.Context, projectID model.ProjectID) (model.Seq, error)

	SaveSnapshot(ctx context.Context, projectID model.ProjectID, blob json.RawMessage) error
	LoadSnapshot(ctx context.Context, projectID model.ProjectID) (json.RawMessage, error)

	// PatchSnapshot applies a targeted field update, used by the
	// navigation-state collaborator endpoint. path must already have
	// been validated against the caller's allowlist.
	PatchSnapshot(ctx context.Context, projectID model.ProjectID, path string, value interface{}) error

	// RegisterFile is idempotent on hash: re-registering a known hash
	// returns the existing record with Created=false.
	RegisterFile(ctx context.Context, hash string, meta FileMeta) (RegisterResult, error)
	GetFileByHash(ctx context.Context, hash string) (model.File, error)

	// CleanupOrphanFiles finds files not referenced by any project
	// snapshot, deletes their records, and returns the hashes so the
	// caller can queue blob deletion. Runs under the maintenance lock.
	CleanupOrphanFiles(ctx context.Context) ([]string, error)

	// DatabaseSize reports an approximate on-disk size in bytes, for the
	// /database/size operational collaborator endpoint.
	DatabaseSize(ctx context.Context) (int64, error)

	Close() error
}

// MaintenanceLock quiesces project lanes during a brief checkpoint
// without disabling any storage-level integrity constraint (spec §5's
// "SQLite foreign-key toggling during maintenance" edge case is resolved
// by running maintenance as a distinct phase rather than touching
// constraints). canvas/room.Apply acquires it with RLock for the
// duration of one AppendOperation call; CleanupOrphanFiles and other
// maintenance operations take Lock to run exclusively of all appends.
type MaintenanceLock struct {
	mu sync.RWMutex
}

// BeginAppend must be held for the duration of a single AppendOperation
// call. It returns a func to release the hold.
func (m *MaintenanceLock) BeginAppend() (release func()) {
	m.mu.RLock()
	return m.mu.RUnlock
}

// RunExclusive runs fn with all project lanes quiesced: no BeginAppend
// caller can proceed until fn returns.
func (m *MaintenanceLock) RunExclusive(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}
