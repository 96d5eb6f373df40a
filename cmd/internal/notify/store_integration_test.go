package notify

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hirewire/cmd/identity/ids"
)

// Enabled when HIREWIRE_TEST_DATABASE_URL / HIREWIRE_TEST_MONGO_URI are set.

func TestPostgresStore_Integration(t *testing.T) {
	t.Parallel()

	dsn := strings.TrimSpace(os.Getenv("HIREWIRE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("HIREWIRE_TEST_DATABASE_URL not set; skipping postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()

	schema := "hirewire_it_" + strings.ToLower(ids.Next(time.Now())[16:])
	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		_, _ = pool.Exec(cctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	exerciseNotificationStore(t, st)
}

func TestMongoStore_Integration(t *testing.T) {
	t.Parallel()

	uri := strings.TrimSpace(os.Getenv("HIREWIRE_TEST_MONGO_URI"))
	if uri == "" {
		t.Skip("HIREWIRE_TEST_MONGO_URI not set; skipping mongo integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect: %v", err)
	}
	db := client.Database(fmt.Sprintf("hirewire_it_notify_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		_ = db.Drop(cctx)
		_ = client.Disconnect(cctx)
	})

	st, err := NewMongoStore(db)
	if err != nil {
		t.Fatalf("NewMongoStore: %v", err)
	}
	if err := st.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}
	// Idempotent on restart.
	if err := st.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes (again): %v", err)
	}

	specs, err := db.Collection("notifications").Indexes().ListSpecifications(ctx)
	if err != nil {
		t.Fatalf("ListSpecifications: %v", err)
	}
	found := false
	for _, spec := range specs {
		if spec.Name == "idx_notifications_user_created" {
			found = true
		}
	}
	if !found {
		t.Fatalf("user_id/created_at index missing: %+v", specs)
	}

	exerciseNotificationStore(t, st)

	if err := st.SaveNotification(ctx, Notification{ID: "x", Kind: KindNewMessage}); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput for missing user, got %v", err)
	}
	if _, err := NewMongoStore(nil); err == nil {
		t.Fatal("expected error for nil database")
	}
}

func exerciseNotificationStore(t *testing.T, st Store) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	base := time.Now().UTC().Truncate(time.Millisecond)
	first := Notification{ID: ids.Next(base), UserID: "bob", Kind: KindNewMessage, ActorID: "alice", RefID: "m1", Preview: "hi", CreatedAt: base}
	second := Notification{ID: ids.Next(base.Add(time.Second)), UserID: "bob", Kind: KindMissedCall, ActorID: "alice", RefID: "c1", CreatedAt: base.Add(time.Second)}

	for _, n := range []Notification{first, second, first} {
		if err := st.SaveNotification(ctx, n); err != nil {
			t.Fatalf("SaveNotification(%s): %v", n.ID, err)
		}
	}

	got, err := st.ListNotifications(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows (duplicate id ignored), got %d", len(got))
	}
	if got[0].ID != second.ID || got[0].Kind != KindMissedCall {
		t.Fatalf("expected newest first, got %+v", got[0])
	}
	if got[1].Preview != "hi" || !got[1].CreatedAt.Equal(base) {
		t.Fatalf("unexpected row %+v", got[1])
	}

	limited, err := st.ListNotifications(ctx, "bob", 1)
	if err != nil {
		t.Fatalf("ListNotifications(limit=1): %v", err)
	}
	if len(limited) != 1 || limited[0].ID != second.ID {
		t.Fatalf("limit not applied: %+v", limited)
	}

	other, err := st.ListNotifications(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListNotifications(alice): %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no rows for alice, got %d", len(other))
	}
}

func TestWithSchema_RejectsBadIdentifier(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore(nil, WithSchema("bad-schema;")); err == nil {
		t.Fatal("expected error for invalid schema")
	}
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatal("expected error for nil pool")
	}
}
