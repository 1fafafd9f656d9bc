// Package sqlstore holds the database/sql plumbing shared by the SQL-backed
// link and credential stores: driver selection, placeholder dialects and
// identifier quoting.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// OperationTimeout bounds every statement issued by the stores.
const OperationTimeout = 5 * time.Second

var ErrUnsupportedScheme = errors.New("unsupported sql scheme")

type Dialect struct {
	Name     string
	Driver   string
	numbered bool
}

var (
	Postgres = Dialect{Name: "postgres", Driver: "postgres", numbered: true}
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite"}
)

// Bind returns the placeholder for the n-th (1-based) argument.
func (d Dialect) Bind(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func DialectForScheme(scheme string) (Dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "postgres", "postgresql":
		return Postgres, true
	case "sqlite", "sqlite3":
		return SQLite, true
	default:
		return Dialect{}, false
	}
}

type OpenFunc func(driverName, dsn string) (*sql.DB, error)

// Open resolves the dialect from the DSN scheme and opens a handle.
// Postgres URLs are handed to lib/pq unchanged; sqlite URLs are reduced to
// a file path with a busy timeout.
func Open(open OpenFunc, dsn string) (*sql.DB, Dialect, error) {
	if open == nil {
		open = sql.Open
	}
	dsn = strings.TrimSpace(dsn)
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, Dialect{}, err
	}
	dialect, ok := DialectForScheme(parsed.Scheme)
	if !ok {
		return nil, Dialect{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, parsed.Scheme)
	}
	driverDSN := dsn
	if dialect == SQLite {
		path := parsed.Host + parsed.Path
		if path == "" {
			path = parsed.Opaque
		}
		if path == "" {
			return nil, Dialect{}, fmt.Errorf("sqlite dsn %q has no path", dsn)
		}
		driverDSN = "file:" + path + "?_pragma=busy_timeout(5000)"
	}
	db, err := open(dialect.Driver, driverDSN)
	if err != nil {
		return nil, Dialect{}, err
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}
	return db, dialect, nil
}

func QuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
