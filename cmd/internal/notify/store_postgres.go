package notify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a notification Store backed by PostgreSQL.
// It does not own the pool; Close is a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "hirewire").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRE.MatchString(schema) {
			return errors.New("notify: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed notification Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "hirewire"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("notify: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the notifications table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	table := pgIdent(s.schema, "notifications")
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  user_id    TEXT NOT NULL,
  kind       TEXT NOT NULL CHECK (kind IN ('new-message', 'missed-call')),
  actor_id   TEXT NOT NULL DEFAULT '',
  ref_id     TEXT NOT NULL DEFAULT '',
  preview    TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON %s (user_id, created_at DESC);
`, pgx.Identifier{s.schema}.Sanitize(), table, table)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) SaveNotification(ctx context.Context, n Notification) error {
	if n.ID == "" || n.UserID == "" || n.Kind == "" {
		return ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "notifications")+` (id, user_id, kind, actor_id, ref_id, preview, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		n.ID, n.UserID, string(n.Kind), n.ActorID, n.RefID, n.Preview, n.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, actor_id, ref_id, preview, created_at
		   FROM `+pgIdent(s.schema, "notifications")+`
		  WHERE user_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2`,
		userID, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n    Notification
			kind string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &kind, &n.ActorID, &n.RefID, &n.Preview, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Kind = Kind(kind)
		out = append(out, n)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
