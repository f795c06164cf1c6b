package persistence

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// dialect captures the differences between the SQLite and Postgres backends.
// Queries are written with ? placeholders and rebound for Postgres.
type dialect struct {
	name      string
	numbered  bool
	forUpdate string
	ddl       *strings.Replacer
	retryable func(error) bool
}

var sqliteDialect = dialect{
	name:      DriverSQLite,
	forUpdate: "",
	ddl: strings.NewReplacer(
		"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{ts}}", "DATETIME",
	),
	retryable: isSQLiteBusy,
}

var postgresDialect = dialect{
	name:      DriverPostgres,
	numbered:  true,
	forUpdate: " FOR UPDATE",
	ddl: strings.NewReplacer(
		"{{serial}}", "BIGSERIAL PRIMARY KEY",
		"{{ts}}", "TIMESTAMPTZ",
	),
	retryable: isPostgresConflict,
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "", DriverSQLite, "sqlite":
		return sqliteDialect, nil
	case DriverPostgres, "postgres", "postgresql":
		return postgresDialect, nil
	default:
		return dialect{}, errors.New("unsupported store driver " + strconv.Quote(driver))
	}
}

// rebind rewrites ? placeholders to $n outside of quoted literals.
func (d dialect) rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// isPostgresConflict reports serialization failures, deadlocks and lock
// timeouts, all of which are safe to retry as a whole transaction.
func isPostgresConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}
