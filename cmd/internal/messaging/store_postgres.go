package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hirewire/cmd/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Monotonic status is enforced in SQL through status_rank: an update only applies when it
// raises the rank, so concurrent delivered/read writes cannot move a message backwards.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "hirewire").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "hirewire",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema, table and indexes used by this store if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	messages := pgIdent(s.schema, "messages")
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  sender_id       TEXT NOT NULL,
  recipient_id    TEXT NOT NULL,
  content         TEXT NOT NULL,
  client_msg_id   TEXT,
  created_at      TIMESTAMPTZ NOT NULL,
  updated_at      TIMESTAMPTZ NOT NULL,
  is_read         BOOLEAN NOT NULL DEFAULT false,
  read_at         TIMESTAMPTZ,
  delivery_status TEXT NOT NULL CHECK (delivery_status IN ('sent', 'delivered', 'read')),
  status_rank     SMALLINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_sender_client_msg
  ON %s (sender_id, client_msg_id) WHERE client_msg_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_messages_pair_created
  ON %s (sender_id, recipient_id, created_at DESC, id DESC);

CREATE INDEX IF NOT EXISTS idx_messages_recipient_unread
  ON %s (recipient_id) WHERE NOT is_read;
`, pgx.Identifier{s.schema}.Sanitize(), messages, messages, messages, messages)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

const messageColumns = `id, sender_id, recipient_id, content, COALESCE(client_msg_id, ''), created_at, updated_at, is_read, read_at, delivery_status`

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m      Message
		status string
	)
	err := row.Scan(
		&m.ID,
		&m.SenderID,
		&m.RecipientID,
		&m.Content,
		&m.ClientMsgID,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.IsRead,
		&m.ReadAt,
		&status,
	)
	m.Status = Status(status)
	return m, err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SaveMessage persists a message with idempotency per (sender_id, client_msg_id).
func (s *PostgresStore) SaveMessage(ctx context.Context, in SaveMessageInput) (SaveMessageResult, error) {
	if s == nil || s.pool == nil {
		return SaveMessageResult{}, errors.New("messaging: nil store")
	}
	if in.SenderID == "" || in.RecipientID == "" {
		return SaveMessageResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return SaveMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	messages := pgIdent(s.schema, "messages")
	id := ids.Next(now)

	stored, err := scanMessage(s.pool.QueryRow(ctx,
		`INSERT INTO `+messages+` (
		     id, sender_id, recipient_id, content, client_msg_id, created_at, updated_at,
		     is_read, delivery_status, status_rank
		   ) VALUES ($1, $2, $3, $4, $5, $6, $6, false, 'sent', 1)
		 ON CONFLICT (sender_id, client_msg_id) WHERE client_msg_id IS NOT NULL DO NOTHING
		 RETURNING `+messageColumns,
		id, in.SenderID, in.RecipientID, in.Content, nullIfEmpty(in.ClientMsgID), now,
	))
	if err == nil {
		return SaveMessageResult{Stored: stored}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return SaveMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	existing, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+`
		  WHERE sender_id = $1 AND client_msg_id = $2`,
		in.SenderID, in.ClientMsgID,
	))
	if err != nil {
		return SaveMessageResult{}, fmt.Errorf("read duplicate: %w", err)
	}
	return SaveMessageResult{Stored: existing, Duplicated: true}, nil
}

// UpdateMessageStatus raises the status of id. Lower or equal statuses are ignored.
func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, id string, status Status, at time.Time) (Message, bool, error) {
	if s == nil || s.pool == nil {
		return Message{}, false, errors.New("messaging: nil store")
	}
	rank := status.Rank()
	if id == "" || rank == 0 {
		return Message{}, false, ErrInvalidInput
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	messages := pgIdent(s.schema, "messages")

	updated, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET delivery_status = $2,
		        status_rank     = $3,
		        is_read         = is_read OR $3 = 3,
		        read_at         = CASE WHEN $3 = 3 AND read_at IS NULL THEN $4 ELSE read_at END,
		        updated_at      = $4
		  WHERE id = $1 AND status_rank < $3
		RETURNING `+messageColumns,
		id, string(status), rank, at,
	))
	if err == nil {
		return updated, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, err
	}

	// Either the message does not exist or it is already at or above status.
	cur, err := s.GetMessage(ctx, id)
	if err != nil {
		return Message{}, false, err
	}
	return cur, false, nil
}

// GetMessage returns a single message by id.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("messaging: nil store")
	}
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+pgIdent(s.schema, "messages")+` WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// Conversation returns the newest window between two users, ordered oldest first.
func (s *PostgresStore) Conversation(ctx context.Context, q ConversationQuery) (ConversationPage, error) {
	if s == nil || s.pool == nil {
		return ConversationPage{}, errors.New("messaging: nil store")
	}
	if q.UserID == "" || q.PeerID == "" {
		return ConversationPage{}, errors.New("missing user_id or peer_id")
	}
	limit := clampLimit(q.Limit)
	fetch := limit + 1

	var before any
	if q.Before != nil {
		before = *q.Before
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE ((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))
		    AND ($3::timestamptz IS NULL OR created_at < $3::timestamptz)
		  ORDER BY created_at DESC, id DESC
		  LIMIT $4`,
		q.UserID, q.PeerID, before, fetch,
	)
	if err != nil {
		return ConversationPage{}, err
	}
	msgs, err := collectMessages(rows, fetch)
	if err != nil {
		return ConversationPage{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return ConversationPage{Messages: msgs, HasMore: hasMore}, nil
}

// UnreadCount counts unread messages addressed to userID.
func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("messaging: nil store")
	}
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(s.schema, "messages")+` WHERE recipient_id = $1 AND NOT is_read`,
		userID,
	).Scan(&n)
	return n, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search returns messages involving q.UserID whose content contains q.Query, newest first.
func (s *PostgresStore) Search(ctx context.Context, q SearchQuery) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("messaging: nil store")
	}
	needle := strings.TrimSpace(q.Query)
	if q.UserID == "" || needle == "" {
		return nil, ErrInvalidInput
	}
	limit := clampLimit(q.Limit)

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE (sender_id = $1 OR recipient_id = $1)
		    AND content ILIKE '%' || $2 || '%'
		  ORDER BY created_at DESC, id DESC
		  LIMIT $3`,
		q.UserID, likeEscaper.Replace(needle), limit,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows, limit)
}

func collectMessages(rows pgx.Rows, capacity int) ([]Message, error) {
	defer rows.Close()

	out := make([]Message, 0, capacity)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
