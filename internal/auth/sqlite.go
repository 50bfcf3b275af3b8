package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // database/sql driver

	"github.com/dantte-lp/gohpfeeds/internal/wire"
)

// -------------------------------------------------------------------------
// SQLite Errors
// -------------------------------------------------------------------------

var (
	// ErrUnsafeDBPath indicates the database path contains a
	// parent-directory component.
	ErrUnsafeDBPath = errors.New("database path contains parent-directory component")

	// ErrUserNotFound indicates no user record exists for the ident.
	ErrUserNotFound = errors.New("user not found")
)

// Persistence schema. The permissions table holds one row per
// (ident, channel) grant; the pub/sub booleans select which allow-list
// the channel lands in.
const (
	createUsersTable = `CREATE TABLE IF NOT EXISTS users (
	ident TEXT PRIMARY KEY,
	secret TEXT NOT NULL
)`

	createPermissionsTable = `CREATE TABLE IF NOT EXISTS permissions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ident TEXT NOT NULL,
	channel TEXT NOT NULL,
	can_pub BOOLEAN DEFAULT FALSE,
	can_sub BOOLEAN DEFAULT FALSE,
	FOREIGN KEY(ident) REFERENCES users(ident)
)`
)

// -------------------------------------------------------------------------
// SQLiteAuthenticator
// -------------------------------------------------------------------------

// SQLiteAuthenticator backs the Authenticator contract with a SQLite
// database shared with the hpfeedsctl admin tool. A lookup performs one
// row fetch by ident and one multi-row fetch for permissions.
//
// database/sql serializes access to the underlying connection pool, so
// the authenticator is safe for concurrent handshakes.
type SQLiteAuthenticator struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the SQLite user store at path
// and ensures the schema exists. Paths containing a parent-directory
// component are rejected.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteAuthenticator, error) {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return nil, fmt.Errorf("open user store %q: %w", path, ErrUnsafeDBPath)
		}
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		f, createErr := os.Create(path)
		if createErr != nil {
			return nil, fmt.Errorf("create user store %q: %w", path, createErr)
		}
		_ = f.Close()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open user store %q: %w", path, err)
	}

	for _, stmt := range []string{createUsersTable, createPermissionsTable} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create user store schema: %w", err)
		}
	}

	logger.Info("connected to sqlite user store", slog.String("path", path))

	return &SQLiteAuthenticator{
		db:     db,
		logger: logger.With(slog.String("component", "auth.sqlite")),
	}, nil
}

// Close releases the database handle.
func (s *SQLiteAuthenticator) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close user store: %w", err)
	}
	return nil
}

// Authenticate implements Authenticator: fetch the secret by ident,
// verify the SHA-1 proof, then aggregate the permission rows into the
// two allow-lists.
func (s *SQLiteAuthenticator) Authenticate(ctx context.Context, ident string, secretHash, rand []byte) (*AccessContext, error) {
	var secret string
	err := s.db.QueryRowContext(ctx,
		"SELECT secret FROM users WHERE ident = ?", ident,
	).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", ident, err)
	}

	if !wire.VerifySecret(rand, secret, secretHash) {
		return nil, nil
	}

	pubChannels, subChannels, err := s.permissions(ctx, ident)
	if err != nil {
		return nil, err
	}

	return NewAccessContext(ident, pubChannels, subChannels), nil
}

// permissions fetches and aggregates the permission rows for ident.
func (s *SQLiteAuthenticator) permissions(ctx context.Context, ident string) ([]string, []string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT channel, can_pub, can_sub FROM permissions WHERE ident = ?", ident,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup permissions for %q: %w", ident, err)
	}
	defer rows.Close()

	var pubChannels, subChannels []string
	for rows.Next() {
		var channel string
		var canPub, canSub bool
		if err := rows.Scan(&channel, &canPub, &canSub); err != nil {
			return nil, nil, fmt.Errorf("scan permission row: %w", err)
		}
		if canPub {
			pubChannels = append(pubChannels, channel)
		}
		if canSub {
			subChannels = append(subChannels, channel)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate permission rows: %w", err)
	}

	return pubChannels, subChannels, nil
}

// -------------------------------------------------------------------------
// Admin Operations — used by hpfeedsctl
// -------------------------------------------------------------------------

// AddUser inserts or replaces a user record.
func (s *SQLiteAuthenticator) AddUser(ctx context.Context, ident, secret string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO users (ident, secret) VALUES (?, ?)", ident, secret,
	)
	if err != nil {
		return fmt.Errorf("add user %q: %w", ident, err)
	}
	return nil
}

// RemoveUser deletes a user and all of its permission rows.
func (s *SQLiteAuthenticator) RemoveUser(ctx context.Context, ident string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE ident = ?", ident)
	if err != nil {
		return fmt.Errorf("remove user %q: %w", ident, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove user %q: %w", ident, err)
	}
	if n == 0 {
		return fmt.Errorf("remove user %q: %w", ident, ErrUserNotFound)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM permissions WHERE ident = ?", ident); err != nil {
		return fmt.Errorf("remove permissions for %q: %w", ident, err)
	}
	return nil
}

// AddPermission grants a user pub and/or sub access to a channel.
func (s *SQLiteAuthenticator) AddPermission(ctx context.Context, ident, channel string, canPub, canSub bool) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO permissions (ident, channel, can_pub, can_sub) VALUES (?, ?, ?, ?)",
		ident, channel, canPub, canSub,
	)
	if err != nil {
		return fmt.Errorf("add permission %q/%q: %w", ident, channel, err)
	}
	return nil
}

// UserSummary is one row of ListUsers output.
type UserSummary struct {
	Ident       string
	PubChannels []string
	SubChannels []string
}

// ListUsers returns every user with its aggregated allow-lists, ordered
// by ident.
func (s *SQLiteAuthenticator) ListUsers(ctx context.Context) ([]UserSummary, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT ident FROM users ORDER BY ident")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var idents []string
	for rows.Next() {
		var ident string
		if err := rows.Scan(&ident); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		idents = append(idents, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}

	users := make([]UserSummary, 0, len(idents))
	for _, ident := range idents {
		pubChannels, subChannels, err := s.permissions(ctx, ident)
		if err != nil {
			return nil, err
		}
		users = append(users, UserSummary{
			Ident:       ident,
			PubChannels: pubChannels,
			SubChannels: subChannels,
		})
	}

	return users, nil
}
