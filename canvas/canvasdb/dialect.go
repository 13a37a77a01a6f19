package canvasdb

import (
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// dialect hides the small set of places sqlite3 and postgres disagree:
// bind-parameter syntax and how a driver reports a unique-constraint or
// serialization conflict. store.go branches on name directly for the
// other differences (reading back inserted ids, the DatabaseSize query).
type dialect struct {
	name string
}

var sqliteDialect = dialect{name: "sqlite3"}
var postgresDialect = dialect{name: "postgres"}

// ph renders the nth bind parameter (1-indexed) in this dialect's syntax.
func (d dialect) ph(n int) string {
	if d.name == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// isConflict reports whether err represents a UNIQUE constraint violation
// or a serialization failure — both cases the caller should treat as a
// retryable sequence conflict.
func (d dialect) isConflict(err error) bool {
	if err == nil {
		return false
	}
	switch d.name {
	case "postgres":
		var pqErr *pq.Error
		if asPQError(err, &pqErr) {
			// 23505 = unique_violation, 40001 = serialization_failure
			return pqErr.Code == "23505" || pqErr.Code == "40001"
		}
	default:
		var sqliteErr sqlite3.Error
		if asSQLiteError(err, &sqliteErr) {
			return sqliteErr.Code == sqlite3.ErrConstraint
		}
	}
	return false
}

func asPQError(err error, target **pq.Error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		*target = pqErr
		return true
	}
	return false
}

func asSQLiteError(err error, target *sqlite3.Error) bool {
	if sqliteErr, ok := err.(sqlite3.Error); ok {
		*target = sqliteErr
		return true
	}
	return false
}
