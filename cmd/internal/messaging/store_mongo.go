package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hirewire/cmd/identity/ids"
)

// MongoStore is a Store backed by a MongoDB collection.
//
// Like PostgresStore it does not own the client; Close is a no-op.
type MongoStore struct {
	col *mongo.Collection
}

type messageDoc struct {
	ID          string     `bson:"_id"`
	SenderID    string     `bson:"sender_id"`
	RecipientID string     `bson:"recipient_id"`
	Content     string     `bson:"content"`
	ClientMsgID string     `bson:"client_msg_id,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
	IsRead      bool       `bson:"is_read"`
	ReadAt      *time.Time `bson:"read_at,omitempty"`
	Status      string     `bson:"delivery_status"`
	StatusRank  int        `bson:"status_rank"`
}

func (d messageDoc) message() Message {
	m := Message{
		ID:          d.ID,
		SenderID:    d.SenderID,
		RecipientID: d.RecipientID,
		Content:     d.Content,
		ClientMsgID: d.ClientMsgID,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
		IsRead:      d.IsRead,
		Status:      Status(d.Status),
	}
	if d.ReadAt != nil {
		t := d.ReadAt.UTC()
		m.ReadAt = &t
	}
	return m
}

// NewMongoStore constructs a Mongo-backed Store over the "messages" collection of db.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("messaging: nil mongo database")
	}
	return &MongoStore{col: db.Collection("messages")}, nil
}

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

// EnsureIndexes creates the indexes the store's queries rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().
				SetName("uq_sender_client_msg").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"client_msg_id": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "sender_id", Value: 1}, {Key: "recipient_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_pair_created"),
		},
		{
			Keys:    bson.D{{Key: "recipient_id", Value: 1}, {Key: "is_read", Value: 1}},
			Options: options.Index().SetName("idx_recipient_unread"),
		},
	})
	return err
}

// SaveMessage persists a message with idempotency per (sender_id, client_msg_id).
func (s *MongoStore) SaveMessage(ctx context.Context, in SaveMessageInput) (SaveMessageResult, error) {
	if in.SenderID == "" || in.RecipientID == "" {
		return SaveMessageResult{}, ErrInvalidInput
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.Truncate(time.Millisecond)

	doc := messageDoc{
		ID:          ids.Next(now),
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Content:     in.Content,
		ClientMsgID: in.ClientMsgID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      string(StatusSent),
		StatusRank:  StatusSent.Rank(),
	}

	_, err := s.col.InsertOne(ctx, doc)
	if err == nil {
		return SaveMessageResult{Stored: doc.message()}, nil
	}
	if !mongo.IsDuplicateKeyError(err) || in.ClientMsgID == "" {
		return SaveMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	var existing messageDoc
	if err := s.col.FindOne(ctx, bson.M{"sender_id": in.SenderID, "client_msg_id": in.ClientMsgID}).Decode(&existing); err != nil {
		return SaveMessageResult{}, fmt.Errorf("read duplicate: %w", err)
	}
	return SaveMessageResult{Stored: existing.message(), Duplicated: true}, nil
}

// UpdateMessageStatus raises the status of id. Lower or equal statuses are ignored.
func (s *MongoStore) UpdateMessageStatus(ctx context.Context, id string, status Status, at time.Time) (Message, bool, error) {
	rank := status.Rank()
	if id == "" || rank == 0 {
		return Message{}, false, ErrInvalidInput
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	at = at.Truncate(time.Millisecond)

	set := bson.M{
		"delivery_status": string(status),
		"status_rank":     rank,
		"updated_at":      at,
	}
	if status == StatusRead {
		set["is_read"] = true
		set["read_at"] = at
	}

	var updated messageDoc
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status_rank": bson.M{"$lt": rank}},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err == nil {
		return updated.message(), true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, false, err
	}

	cur, err := s.GetMessage(ctx, id)
	if err != nil {
		return Message{}, false, err
	}
	return cur, false, nil
}

// GetMessage returns a single message by id.
func (s *MongoStore) GetMessage(ctx context.Context, id string) (Message, error) {
	var d messageDoc
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return d.message(), nil
}

func pairFilter(a, b string) bson.A {
	return bson.A{
		bson.M{"sender_id": a, "recipient_id": b},
		bson.M{"sender_id": b, "recipient_id": a},
	}
}

// Conversation returns the newest window between two users, ordered oldest first.
func (s *MongoStore) Conversation(ctx context.Context, q ConversationQuery) (ConversationPage, error) {
	if q.UserID == "" || q.PeerID == "" {
		return ConversationPage{}, errors.New("missing user_id or peer_id")
	}
	limit := clampLimit(q.Limit)

	filter := bson.M{"$or": pairFilter(q.UserID, q.PeerID)}
	if q.Before != nil {
		filter["created_at"] = bson.M{"$lt": *q.Before}
	}

	cur, err := s.col.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return ConversationPage{}, err
	}
	msgs, err := decodeMessages(ctx, cur)
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
func (s *MongoStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.col.CountDocuments(ctx, bson.M{"recipient_id": userID, "is_read": false})
}

// Search returns messages involving q.UserID whose content contains q.Query, newest first.
func (s *MongoStore) Search(ctx context.Context, q SearchQuery) ([]Message, error) {
	needle := strings.TrimSpace(q.Query)
	if q.UserID == "" || needle == "" {
		return nil, ErrInvalidInput
	}
	limit := clampLimit(q.Limit)

	filter := bson.M{
		"$or":     bson.A{bson.M{"sender_id": q.UserID}, bson.M{"recipient_id": q.UserID}},
		"content": bson.M{"$regex": regexp.QuoteMeta(needle), "$options": "i"},
	}
	cur, err := s.col.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	return decodeMessages(ctx, cur)
}

func decodeMessages(ctx context.Context, cur *mongo.Cursor) ([]Message, error) {
	defer cur.Close(ctx)

	var out []Message
	for cur.Next(ctx) {
		var d messageDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d.message())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
