package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"

	"gtcpd/internal/endpoint"
)

// ErrUsernameTaken is returned by Register when another client holds the name.
var ErrUsernameTaken = errors.New("chat: username already registered")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	username   TEXT PRIMARY KEY,
	client_id  BLOB NOT NULL UNIQUE,
	created_at INTEGER NOT NULL DEFAULT (unixepoch())
);`

// Store maps usernames to client stubs. Worker processes share one database
// file, so every mutation runs in an immediate transaction.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the session database at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("chat: session database path is required")
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open session database %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate session database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Reset removes every session. The dispatcher calls it at startup: stubs from
// a previous run no longer name live connections.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("reset sessions: %w", err)
	}
	return nil
}

// Register binds username to client. A client registering again under a new
// name releases its old one.
func (s *Store) Register(ctx context.Context, username string, client endpoint.Stub) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var owner []byte
	switch err = tx.QueryRowContext(ctx,
		`SELECT client_id FROM sessions WHERE username = ?`, username).Scan(&owner); {
	case err == nil:
		return ErrUsernameTaken
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("lookup username %q: %w", username, err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (username, client_id) VALUES (?, ?)
		 ON CONFLICT (client_id) DO UPDATE SET username = excluded.username, created_at = unixepoch()`,
		username, client[:]); err != nil {
		return fmt.Errorf("insert session %q: %w", username, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit register: %w", err)
	}
	return nil
}

// Username returns the name registered by client, or "" when none is.
func (s *Store) Username(ctx context.Context, client endpoint.Stub) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT username FROM sessions WHERE client_id = ?`, client[:]).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup client %s: %w", client, err)
	}
	return name, nil
}

// Clients resolves usernames to stubs. Unknown names are absent from the result.
func (s *Store) Clients(ctx context.Context, usernames []string) (map[string]endpoint.Stub, error) {
	out := make(map[string]endpoint.Stub, len(usernames))
	if len(usernames) == 0 {
		return out, nil
	}
	args := make([]any, len(usernames))
	for i, name := range usernames {
		args[i] = name
	}
	query := `SELECT username, client_id FROM sessions WHERE username IN (?` +
		strings.Repeat(", ?", len(usernames)-1) + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup targets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			raw  []byte
		)
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		stub, err := endpoint.ParseStub(raw)
		if err != nil {
			return nil, fmt.Errorf("session %q: %w", name, err)
		}
		out[name] = stub
	}
	return out, rows.Err()
}

// Remove drops the session of client and returns the username it held, or ""
// when the client never registered.
func (s *Store) Remove(ctx context.Context, client endpoint.Stub) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM sessions WHERE client_id = ? RETURNING username`, client[:]).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("remove client %s: %w", client, err)
	}
	return name, nil
}
