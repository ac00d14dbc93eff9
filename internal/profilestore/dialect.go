package profilestore

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("profile_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("profile_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("profile_store.sqlite.empty_path")
	errUnsupportedNoScheme = errors.New("profile_store.unsupported_no_scheme")
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"

	// sqliteBusyTimeout lets display-name writers wait for the file lock instead
	// of failing with SQLITE_BUSY.
	sqliteBusyTimeout = 5 * time.Second
)

// backend describes how to reach the profiles database.
type backend struct {
	driver    string
	dialector gorm.Dialector
	// maxOpenConns caps the pool when positive.
	maxOpenConns int
}

// parseDatabaseURL picks the backend for postgres:// or sqlite:// URLs.
// SQLite gets a single connection, a busy timeout and WAL journaling, so
// profile reads keep flowing while a display name is written.
func parseDatabaseURL(databaseURL string) (backend, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return backend{}, errEmptyDatabaseURL
	}
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return backend{}, fmt.Errorf("profile_store.parse_url: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "":
		return backend{}, errUnsupportedNoScheme
	case "postgres", "postgresql":
		return backend{driver: driverPostgres, dialector: postgres.Open(databaseURL)}, nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := sqliteDSN(parsed)
		if dsnErr != nil {
			return backend{}, fmt.Errorf("profile_store.sqlite: %w", dsnErr)
		}
		return backend{driver: driverSQLite, dialector: sqliteDialector.Open(dsn), maxOpenConns: 1}, nil
	default:
		return backend{}, fmt.Errorf("profile_store.dialect.%s: %w", scheme, ErrUnsupportedDialect)
	}
}

// sqliteDSN turns sqlite://relative/path, sqlite:///abs/path or sqlite:file::memory:
// into a driver DSN, adding the pragmas the store relies on unless the URL sets them.
func sqliteDSN(parsed *url.URL) (string, error) {
	path := parsed.Opaque
	if path == "" {
		path = parsed.Host + parsed.Path
	}
	if path == "" {
		return "", errSQLiteEmptyPath
	}
	query := parsed.Query()
	pragmas := map[string]string{
		"busy_timeout": fmt.Sprintf("busy_timeout(%d)", sqliteBusyTimeout.Milliseconds()),
		"journal_mode": "journal_mode(WAL)",
	}
	for _, existing := range query["_pragma"] {
		name, _, _ := strings.Cut(existing, "(")
		delete(pragmas, strings.ToLower(strings.TrimSpace(name)))
	}
	for _, name := range []string{"busy_timeout", "journal_mode"} {
		if pragma, missing := pragmas[name]; missing {
			query.Add("_pragma", pragma)
		}
	}
	return path + "?" + query.Encode(), nil
}
