// Package canvasdb implements canvas/store.Store against sqlite3 (the
// default, embeddable backend — matches the storage node's local db
// choice in the teacher repo) or Postgres (the production backend —
// matches the satellite db choice). Both share this file's SQL;
// bind-parameter syntax and conflict detection differ (see dialect.go),
// and the code branches on the dialect to read back inserted ids and to
// measure DatabaseSize.
package canvasdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"canvasd.io/canvasd/canvas/model"
	"canvasd.io/canvasd/canvas/store"
)

// SQLStore implements store.Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

var _ store.Store = (*SQLStore)(nil)

// OpenSQLite opens (creating if absent) a sqlite3-backed store at path
// and runs pending migrations.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// sqlite3 has no real concurrent-writer story; cap the pool to one
	// connection so AppendOperation's read-then-insert is never raced
	// by a second connection on the same process.
	db.SetMaxOpenConns(1)
	if err := MigrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: sqliteDialect}, nil
}

// OpenPostgres opens a Postgres-backed store using dsn and runs pending
// migrations.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := MigratePostgres(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: postgresDialect}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) CreateUser(ctx context.Context, username, displayName string) (model.User, error) {
	now := time.Now().UTC()
	ph := s.dialect.ph
	q := fmt.Sprintf(`INSERT INTO users(username, display_name, created_at) VALUES(%s, %s, %s)`, ph(1), ph(2), ph(3))
	if s.dialect.name == "postgres" {
		q += " RETURNING id"
		var id int64
		err := s.db.QueryRowContext(ctx, q, username, displayName, now).Scan(&id)
		if err != nil {
			return model.User{}, store.Error.Wrap(err)
		}
		return model.User{ID: model.UserID(id), Username: username, DisplayName: displayName, CreatedAt: now}, nil
	}

	res, err := s.db.ExecContext(ctx, q, username, displayName, now)
	if err != nil {
		return model.User{}, store.Error.Wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.User{}, store.Error.Wrap(err)
	}
	return model.User{ID: model.UserID(id), Username: username, DisplayName: displayName, CreatedAt: now}, nil
}

func (s *SQLStore) GetUser(ctx context.Context, id model.UserID) (model.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, username, display_name, created_at FROM users WHERE id = %s`, s.dialect.ph(1)), id))
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, username, display_name, created_at FROM users WHERE username = %s`, s.dialect.ph(1)), username))
}

func (s *SQLStore) scanUser(row *sql.Row) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return model.User{}, store.ErrNotFound.New("user")
	}
	if err != nil {
		return model.User{}, store.Error.Wrap(err)
	}
	return u, nil
}

func (s *SQLStore) CreateProject(ctx context.Context, name string, owner model.UserID) (model.Project, error) {
	now := time.Now().UTC()
	ph := s.dialect.ph
	q := fmt.Sprintf(`INSERT INTO projects(name, owner_id, canvas_data, last_modified) VALUES(%s, %s, NULL, %s)`, ph(1), ph(2), ph(3))

	var id int64
	if s.dialect.name == "postgres" {
		err := s.db.QueryRowContext(ctx, q+" RETURNING id", name, owner, now).Scan(&id)
		if err != nil {
			return model.Project{}, store.Error.Wrap(err)
		}
	} else {
		res, err := s.db.ExecContext(ctx, q, name, owner, now)
		if err != nil {
			return model.Project{}, store.Error.Wrap(err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return model.Project{}, store.Error.Wrap(err)
		}
	}
	return model.Project{ID: model.ProjectID(id), Name: name, OwnerID: owner, LastModified: now}, nil
}

func (s *SQLStore) GetProject(ctx context.Context, id model.ProjectID) (model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, name, owner_id, canvas_data, last_modified FROM projects WHERE id = %s`, s.dialect.ph(1)), id)

	var p model.Project
	var canvasData []byte
	err := row.Scan(&p.ID, &p.Name, &p.OwnerID, &canvasData, &p.LastModified)
	if err == sql.ErrNoRows {
		return model.Project{}, store.ErrNotFound.New("project")
	}
	if err != nil {
		return model.Project{}, store.Error.Wrap(err)
	}
	if canvasData != nil {
		p.CanvasSnapshot = json.RawMessage(canvasData)
	}
	return p, nil
}

// ListProjects returns every project, most recently modified first, for
// the HTTP `GET /projects` collaborator endpoint.
func (s *SQLStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, owner_id, canvas_data, last_modified FROM projects ORDER BY last_modified DESC`)
	if err != nil {
		return nil, store.Error.Wrap(err)
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		var p model.Project
		var canvasData []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.OwnerID, &canvasData, &p.LastModified); err != nil {
			return nil, store.Error.Wrap(err)
		}
		if canvasData != nil {
			p.CanvasSnapshot = json.RawMessage(canvasData)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Error.Wrap(err)
	}
	return projects, nil
}

// DeleteProject removes a project together with its operations and
// active sessions, matching the `DELETE /projects/:id` collaborator
// endpoint. File records that referenced the project are kept and
// detached (their project_id is set to NULL). Statement order respects
// the foreign keys declared in the migration.
func (s *SQLStore) DeleteProject(ctx context.Context, id model.ProjectID) error {
	ph := s.dialect.ph
	stmts := []string{
		fmt.Sprintf(`DELETE FROM active_sessions WHERE project_id = %s`, ph(1)),
		fmt.Sprintf(`UPDATE files SET project_id = NULL WHERE project_id = %s`, ph(1)),
		fmt.Sprintf(`DELETE FROM operations WHERE project_id = %s`, ph(1)),
		fmt.Sprintf(`DELETE FROM projects WHERE id = %s`, ph(1)),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt, id); err != nil {
			return store.Error.Wrap(err)
		}
	}
	return nil
}

// AppendOperation is the serialization point described in spec §4.1. A
// single SQL transaction reads max(seq)+1 and inserts in the same
// critical section; a racing concurrent appender either blocks (sqlite,
// single connection) or hits the UNIQUE(project_id, sequence_number)
// constraint / a serialization failure (postgres), both mapped to
// ErrConflict for the caller (canvas/room's per-project lane) to retry.
func (s *SQLStore) AppendOperation(ctx context.Context, projectID model.ProjectID, userID model.UserID, tabID string, typ model.OperationType, data, undoData json.RawMessage) (model.Seq, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, store.Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	ph := s.dialect.ph
	var next int64
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM operations WHERE project_id = %s`, ph(1)), projectID)
	if err := row.Scan(&next); err != nil {
		return 0, store.Error.Wrap(err)
	}

	now := time.Now().UTC()
	insert := fmt.Sprintf(
		`INSERT INTO operations(project_id, user_id, tab_id, type, operation_data, undo_data, sequence_number, created_at) VALUES(%s, %s, %s, %s, %s, %s, %s, %s)`,
		ph(1), ph(2), ph(3), ph(4), ph(5), ph(6), ph(7), ph(8))
	_, err = tx.ExecContext(ctx, insert, projectID, userID, tabID, string(typ), []byte(data), nullableBytes(undoData), next, now)
	if err != nil {
		if s.dialect.isConflict(err) {
			return 0, store.ErrConflict.New("project %d seq %d", projectID, next)
		}
		return 0, store.Error.Wrap(err)
	}

	if err := tx.Commit(); err != nil {
		if s.dialect.isConflict(err) {
			return 0, store.ErrConflict.New("project %d seq %d", projectID, next)
		}
		return 0, store.Error.Wrap(err)
	}
	return model.Seq(next), nil
}

func nullableBytes(b json.RawMessage) interface{} {
	if b == nil {
		return nil
	}
	return []byte(b)
}

func (s *SQLStore) OperationsSince(ctx context.Context, projectID model.ProjectID, lastSeq model.Seq, limit int) ([]model.Operation, error) {
	ph := s.dialect.ph
	q := fmt.Sprintf(
		`SELECT project_id, user_id, tab_id, type, operation_data, undo_data, sequence_number, created_at
		 FROM operations WHERE project_id = %s AND sequence_number > %s AND sequence_number <= %s
		 ORDER BY sequence_number ASC`, ph(1), ph(2), ph(3))
	rows, err := s.db.QueryContext(ctx, q, projectID, lastSeq, uint64(lastSeq)+uint64(limit))
	if err != nil {
		return nil, store.Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var ops []model.Operation
	for rows.Next() {
		var op model.Operation
		var typ string
		var data, undo []byte
		if err := rows.Scan(&op.ProjectID, &op.UserID, &op.TabID, &typ, &data, &undo, &op.Seq, &op.CreatedAt); err != nil {
			return nil, store.Error.Wrap(err)
		}
		op.Type = model.OperationType(typ)
		op.Data = data
		if undo != nil {
			op.UndoData = undo
		}
		ops = append(ops, op)
	}
	return ops, store.Error.Wrap(rows.Err())
}

func (s *SQLStore) LatestSeq(ctx context.Context, projectID model.ProjectID) (model.Seq, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(sequence_number), 0) FROM operations WHERE project_id = %s`, s.dialect.ph(1)), projectID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, store.Error.Wrap(err)
	}
	return model.Seq(seq), nil
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, projectID model.ProjectID, blob json.RawMessage) error {
	ph := s.dialect.ph
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE projects SET canvas_data = %s, last_modified = %s WHERE id = %s`, ph(1), ph(2), ph(3)),
		[]byte(blob), time.Now().UTC(), projectID)
	return store.Error.Wrap(err)
}

func (s *SQLStore) LoadSnapshot(ctx context.Context, projectID model.ProjectID) (json.RawMessage, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT canvas_data FROM projects WHERE id = %s`, s.dialect.ph(1)), projectID)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound.New("project %d", projectID)
		}
		return nil, store.Error.Wrap(err)
	}
	if data == nil {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

// PatchSnapshot applies value at a single top-level-or-nested field of
// the stored canvas blob. The caller (the navigation-state HTTP
// collaborator) is responsible for validating path against its allowlist
// before calling this; PatchSnapshot only refuses empty paths.
func (s *SQLStore) PatchSnapshot(ctx context.Context, projectID model.ProjectID, path string, value interface{}) error {
	if path == "" {
		return store.Error.New("empty patch path")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT canvas_data FROM projects WHERE id = %s`, s.dialect.ph(1)), projectID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound.New("project %d", projectID)
		}
		return store.Error.Wrap(err)
	}

	doc := map[string]interface{}{}
	if raw != nil {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return store.Error.Wrap(err)
		}
	}
	setNestedField(doc, path, value)

	patched, err := json.Marshal(doc)
	if err != nil {
		return store.Error.Wrap(err)
	}

	ph := s.dialect.ph
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET canvas_data = %s, last_modified = %s WHERE id = %s`, ph(1), ph(2), ph(3)),
		patched, time.Now().UTC(), projectID)
	if err != nil {
		return store.Error.Wrap(err)
	}
	return store.Error.Wrap(tx.Commit())
}

func (s *SQLStore) RegisterFile(ctx context.Context, hash string, meta store.FileMeta) (store.RegisterResult, error) {
	existing, err := s.GetFileByHash(ctx, hash)
	if err == nil {
		return store.RegisterResult{File: existing, Created: false}, nil
	}
	if !store.ErrNotFound.Has(err) {
		return store.RegisterResult{}, err
	}

	ph := s.dialect.ph
	q := fmt.Sprintf(`INSERT INTO files(hash, stored_name, mime, size, project_id) VALUES(%s, %s, %s, %s, %s)`, ph(1), ph(2), ph(3), ph(4), ph(5))

	var id int64
	if s.dialect.name == "postgres" {
		err = s.db.QueryRowContext(ctx, q+" RETURNING id", hash, meta.StoredName, meta.Mime, meta.Size, meta.ProjectID).Scan(&id)
	} else {
		var res sql.Result
		res, err = s.db.ExecContext(ctx, q, hash, meta.StoredName, meta.Mime, meta.Size, meta.ProjectID)
		if err == nil {
			id, err = res.LastInsertId()
		}
	}
	if err != nil {
		// Lost the race against a concurrent uploader of the same hash.
		if s.dialect.isConflict(err) {
			existing, gerr := s.GetFileByHash(ctx, hash)
			if gerr == nil {
				return store.RegisterResult{File: existing, Created: false}, nil
			}
		}
		return store.RegisterResult{}, store.Error.Wrap(err)
	}

	return store.RegisterResult{
		File: model.File{
			ID:         model.FileID(id),
			Hash:       hash,
			StoredName: meta.StoredName,
			Mime:       meta.Mime,
			Size:       meta.Size,
			ProjectID:  meta.ProjectID,
		},
		Created: true,
	}, nil
}

func (s *SQLStore) GetFileByHash(ctx context.Context, hash string) (model.File, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, hash, stored_name, mime, size, project_id FROM files WHERE hash = %s`, s.dialect.ph(1)), hash)
	var f model.File
	var projectID sql.NullInt64
	if err := row.Scan(&f.ID, &f.Hash, &f.StoredName, &f.Mime, &f.Size, &projectID); err != nil {
		if err == sql.ErrNoRows {
			return model.File{}, store.ErrNotFound.New("file %s", hash)
		}
		return model.File{}, store.Error.Wrap(err)
	}
	if projectID.Valid {
		pid := model.ProjectID(projectID.Int64)
		f.ProjectID = &pid
	}
	return f, nil
}

// CleanupOrphanFiles deletes file records whose hash does not appear in
// any project's stored canvas_data, and returns the deleted hashes. The
// scan over canvas_data is a simple substring search: node properties
// serialize the hash as a plain string, so any project referencing a
// hash contains it verbatim in the blob. This is intentionally coarse —
// a false "still referenced" match only costs us a delayed sweep of a
// genuinely orphaned blob, never a wrongly-deleted live one.
func (s *SQLStore) CleanupOrphanFiles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM files`)
	if err != nil {
		return nil, store.Error.Wrap(err)
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			_ = rows.Close()
			return nil, store.Error.Wrap(err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Close(); err != nil {
		return nil, store.Error.Wrap(err)
	}

	blobRows, err := s.db.QueryContext(ctx, `SELECT canvas_data FROM projects WHERE canvas_data IS NOT NULL`)
	if err != nil {
		return nil, store.Error.Wrap(err)
	}
	var blobs [][]byte
	for blobRows.Next() {
		var b []byte
		if err := blobRows.Scan(&b); err != nil {
			_ = blobRows.Close()
			return nil, store.Error.Wrap(err)
		}
		blobs = append(blobs, b)
	}
	if err := blobRows.Close(); err != nil {
		return nil, store.Error.Wrap(err)
	}

	var orphans []string
	for _, h := range hashes {
		referenced := false
		for _, b := range blobs {
			if containsHash(b, h) {
				referenced = true
				break
			}
		}
		if !referenced {
			orphans = append(orphans, h)
		}
	}

	if len(orphans) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, h := range orphans {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM files WHERE hash = %s`, s.dialect.ph(1)), h); err != nil {
			return nil, store.Error.Wrap(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, store.Error.Wrap(err)
	}
	return orphans, nil
}

func containsHash(blob []byte, hash string) bool {
	return len(hash) > 0 && bytesContains(blob, []byte(hash))
}

func bytesContains(haystack, needle []byte) bool {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return true
		}
	}
	return false
}

func (s *SQLStore) DatabaseSize(ctx context.Context) (int64, error) {
	if s.dialect.name == "postgres" {
		var size int64
		err := s.db.QueryRowContext(ctx, `SELECT pg_database_size(current_database())`).Scan(&size)
		return size, store.Error.Wrap(err)
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, store.Error.Wrap(err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, store.Error.Wrap(err)
	}
	return pageCount * pageSize, nil
}

// setNestedField walks path (dot-separated) creating intermediate maps
// as needed, then sets the final segment to value.
func setNestedField(doc map[string]interface{}, path string, value interface{}) {
	segments := splitPath(path)
	cur := doc
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segments = append(segments, path[start:i])
			start = i + 1
		}
	}
	segments = append(segments, path[start:])
	return segments
}
