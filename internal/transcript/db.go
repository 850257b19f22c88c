package transcript

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const busyTimeout = 5 * time.Second

// sqliteDSN builds a go-sqlite3 DSN for the file at abs. WAL keeps
// `codey transcript` readable while a chat session writes.
func sqliteDSN(abs string) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_mode", "rwc")
	q.Set("_busy_timeout", fmt.Sprint(busyTimeout.Milliseconds()))
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	return "file:" + abs + "?" + q.Encode()
}

// openSQLite opens path through one pooled connection, creating parent
// directories first.
func openSQLite(path string) (*sqlx.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve transcript path %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", sqliteDSN(abs))
	if err != nil {
		return nil, fmt.Errorf("open transcript %s: %w", abs, err)
	}
	// Writes from the recorder and reads from the CLI share one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}
