package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a call Store backed by the "calls" collection.
// It does not own the client; Close is a no-op.
type MongoStore struct {
	col *mongo.Collection
}

type callDoc struct {
	ID        string    `bson:"_id"`
	CallerID  string    `bson:"caller_id"`
	CalleeID  string    `bson:"callee_id"`
	State     string    `bson:"state"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
	EndedBy   string    `bson:"ended_by,omitempty"`
	EndReason string    `bson:"end_reason,omitempty"`
}

func toCallDoc(c CallSession) callDoc {
	return callDoc{
		ID:        c.ID,
		CallerID:  c.CallerID,
		CalleeID:  c.CalleeID,
		State:     string(c.State),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		EndedBy:   c.EndedBy,
		EndReason: c.EndReason,
	}
}

func (d callDoc) session() CallSession {
	return CallSession{
		ID:        d.ID,
		CallerID:  d.CallerID,
		CalleeID:  d.CalleeID,
		State:     State(d.State),
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
		EndedBy:   d.EndedBy,
		EndReason: d.EndReason,
	}
}

// NewMongoStore constructs a Mongo-backed call Store.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("signaling: nil mongo database")
	}
	return &MongoStore{col: db.Collection("calls")}, nil
}

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

// EnsureIndexes creates the history indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "caller_id", Value: 1}, {Key: "created_at", Value: -1}}, Options: options.Index().SetName("idx_caller_created")},
		{Keys: bson.D{{Key: "callee_id", Value: 1}, {Key: "created_at", Value: -1}}, Options: options.Index().SetName("idx_callee_created")},
	})
	return err
}

func (s *MongoStore) CreateCallSession(ctx context.Context, c CallSession) error {
	if c.ID == "" || c.CallerID == "" || c.CalleeID == "" {
		return ErrInvalidInput
	}
	if _, err := s.col.InsertOne(ctx, toCallDoc(c)); err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (s *MongoStore) UpdateCallSession(ctx context.Context, id string, t Transition) (CallSession, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	set := bson.M{"state": string(t.To), "updated_at": at}
	if t.To.Terminal() {
		set["ended_by"] = t.EndedBy
		set["end_reason"] = t.Reason
	}

	var d callDoc
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "state": string(t.From)},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err == nil {
		return d.session(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return CallSession{}, err
	}

	cur, err := s.GetCall(ctx, id)
	if err != nil {
		return CallSession{}, err
	}
	return cur, ErrConflict
}

func (s *MongoStore) GetCall(ctx context.Context, id string) (CallSession, error) {
	var d callDoc
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return CallSession{}, ErrNotFound
	}
	if err != nil {
		return CallSession{}, err
	}
	return d.session(), nil
}

func (s *MongoStore) ListCalls(ctx context.Context, userID string, limit int) ([]CallSession, error) {
	cur, err := s.col.Find(ctx,
		bson.M{"$or": bson.A{bson.M{"caller_id": userID}, bson.M{"callee_id": userID}}},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
			SetLimit(int64(clampLimit(limit))),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []CallSession
	for cur.Next(ctx) {
		var d callDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d.session())
	}
	return out, cur.Err()
}
