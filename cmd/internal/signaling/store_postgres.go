package signaling

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a call Store backed by PostgreSQL.
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
		if schema == "" {
			return errors.New("signaling: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("signaling: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed call Store.
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
		return nil, errors.New("signaling: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the calls table and indexes if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	calls := pgIdent(s.schema, "calls")
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  caller_id  TEXT NOT NULL,
  callee_id  TEXT NOT NULL,
  state      TEXT NOT NULL CHECK (state IN ('pending', 'accepted', 'rejected', 'ended')),
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  ended_by   TEXT NOT NULL DEFAULT '',
  end_reason TEXT NOT NULL DEFAULT '',
  CONSTRAINT chk_calls_distinct_parties CHECK (caller_id <> callee_id)
);

CREATE INDEX IF NOT EXISTS idx_calls_caller_created ON %s (caller_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_calls_callee_created ON %s (callee_id, created_at DESC);
`, pgx.Identifier{s.schema}.Sanitize(), calls, calls, calls)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

const callColumns = `id, caller_id, callee_id, state, created_at, updated_at, ended_by, end_reason`

func scanCall(row pgx.Row) (CallSession, error) {
	var (
		c     CallSession
		state string
	)
	err := row.Scan(&c.ID, &c.CallerID, &c.CalleeID, &state, &c.CreatedAt, &c.UpdatedAt, &c.EndedBy, &c.EndReason)
	c.State = State(state)
	return c, err
}

func (s *PostgresStore) CreateCallSession(ctx context.Context, c CallSession) error {
	if c.ID == "" || c.CallerID == "" || c.CalleeID == "" {
		return ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "calls")+` (`+callColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.CallerID, c.CalleeID, string(c.State), c.CreatedAt, c.UpdatedAt, c.EndedBy, c.EndReason,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCallSession(ctx context.Context, id string, t Transition) (CallSession, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	c, err := scanCall(s.pool.QueryRow(ctx,
		`UPDATE `+pgIdent(s.schema, "calls")+`
		    SET state      = $3,
		        updated_at = $4,
		        ended_by   = CASE WHEN $3 IN ('rejected', 'ended') THEN $5 ELSE ended_by END,
		        end_reason = CASE WHEN $3 IN ('rejected', 'ended') THEN $6 ELSE end_reason END
		  WHERE id = $1 AND state = $2
		RETURNING `+callColumns,
		id, string(t.From), string(t.To), at, t.EndedBy, t.Reason,
	))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CallSession{}, err
	}

	cur, err := s.GetCall(ctx, id)
	if err != nil {
		return CallSession{}, err
	}
	return cur, ErrConflict
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (CallSession, error) {
	c, err := scanCall(s.pool.QueryRow(ctx,
		`SELECT `+callColumns+` FROM `+pgIdent(s.schema, "calls")+` WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return CallSession{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) ListCalls(ctx context.Context, userID string, limit int) ([]CallSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+callColumns+`
		   FROM `+pgIdent(s.schema, "calls")+`
		  WHERE caller_id = $1 OR callee_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2`,
		userID, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallSession
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool { return pgIdentRE.MatchString(s) }

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
