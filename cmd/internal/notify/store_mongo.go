package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a notification Store backed by the "notifications" collection.
// It does not own the client; Close is a no-op.
type MongoStore struct {
	col *mongo.Collection
}

type notificationDoc struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	Kind      string    `bson:"kind"`
	ActorID   string    `bson:"actor_id,omitempty"`
	RefID     string    `bson:"ref_id,omitempty"`
	Preview   string    `bson:"preview,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

// NewMongoStore constructs a Mongo-backed notification Store over db.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("notify: nil mongo database")
	}
	return &MongoStore{col: db.Collection("notifications")}, nil
}

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

// EnsureIndexes creates the per-user timeline index ListNotifications scans.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		Options: options.Index().SetName("idx_notifications_user_created"),
	})
	return err
}

// SaveNotification inserts n. A repeated ID is ignored.
func (s *MongoStore) SaveNotification(ctx context.Context, n Notification) error {
	if n.ID == "" || n.UserID == "" || n.Kind == "" {
		return ErrInvalidInput
	}
	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := s.col.InsertOne(ctx, notificationDoc{
		ID:        n.ID,
		UserID:    n.UserID,
		Kind:      string(n.Kind),
		ActorID:   n.ActorID,
		RefID:     n.RefID,
		Preview:   n.Preview,
		CreatedAt: created.UTC().Truncate(time.Millisecond),
	})
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns userID's notifications, newest first.
func (s *MongoStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(clampLimit(limit)))

	cur, err := s.col.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find notifications: %w", err)
	}
	defer cur.Close(ctx)

	var out []Notification
	for cur.Next(ctx) {
		var d notificationDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, Notification{
			ID:        d.ID,
			UserID:    d.UserID,
			Kind:      Kind(d.Kind),
			ActorID:   d.ActorID,
			RefID:     d.RefID,
			Preview:   d.Preview,
			CreatedAt: d.CreatedAt.UTC(),
		})
	}
	return out, cur.Err()
}
