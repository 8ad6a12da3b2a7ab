package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const collectionName = "notifications"

// MongoStore keeps records in the notifications collection. A unique index on
// dedup_key makes Create an atomic create-if-absent.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(collectionName)}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "dedup_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("ux_dedup_key"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
			Options: options.Index().SetName("ix_user_created"),
		},
	})
	if err != nil {
		return fmt.Errorf("create ledger indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, rec Record) (bool, error) {
	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return true, nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, id string, status Status, errorMessage string) error {
	if !CanTransition(StatusPending, status) {
		return ErrInvalidTransition
	}

	set := bson.D{{Key: "status", Value: status}}
	switch status {
	case StatusSent:
		set = append(set, bson.E{Key: "sent_at", Value: Now()})
	case StatusFailed:
		if errorMessage != "" {
			set = append(set, bson.E{Key: "error_message", Value: errorMessage})
		}
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "status", Value: StatusPending}},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := s.coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("check notification: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

func (s *MongoStore) FindByUser(ctx context.Context, userID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}
	sortNewest := bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}
	filter := bson.D{{Key: "user_id", Value: userID}}

	if offset > 0 {
		anchor, found, err := s.anchor(ctx, filter, sortNewest, offset)
		if err != nil {
			return nil, err
		}
		if found {
			filter = append(filter, bson.E{Key: "$or", Value: bson.A{
				bson.D{{Key: "created_at", Value: bson.D{{Key: "$lt", Value: anchor.CreatedAt}}}},
				bson.D{
					{Key: "created_at", Value: anchor.CreatedAt},
					{Key: "_id", Value: bson.D{{Key: "$lt", Value: anchor.ID}}},
				},
			}})
		}
	}

	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(sortNewest).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("find notifications: %w", err)
	}
	out := []Record{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	for i := range out {
		normalize(&out[i])
	}
	return out, nil
}

// anchor returns the last of the first offset records; the next page starts
// strictly after it.
func (s *MongoStore) anchor(ctx context.Context, filter, sort bson.D, offset int) (Record, bool, error) {
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(sort).
		SetLimit(int64(offset)).
		SetProjection(bson.D{{Key: "_id", Value: 1}, {Key: "created_at", Value: 1}}))
	if err != nil {
		return Record{}, false, fmt.Errorf("find page anchor: %w", err)
	}
	var skipped []struct {
		ID        string    `bson:"_id"`
		CreatedAt time.Time `bson:"created_at"`
	}
	if err := cur.All(ctx, &skipped); err != nil {
		return Record{}, false, fmt.Errorf("decode page anchor: %w", err)
	}
	if len(skipped) == 0 {
		return Record{}, false, nil
	}
	last := skipped[len(skipped)-1]
	return Record{ID: last.ID, CreatedAt: last.CreatedAt}, true, nil
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (Record, error) {
	return s.findOne(ctx, bson.D{{Key: "_id", Value: id}})
}

func (s *MongoStore) FindByDedupKey(ctx context.Context, key string) (Record, error) {
	return s.findOne(ctx, bson.D{{Key: "dedup_key", Value: key}})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.D) (Record, error) {
	var rec Record
	if err := s.coll.FindOne(ctx, filter).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("find notification: %w", err)
	}
	normalize(&rec)
	return rec, nil
}

func (s *MongoStore) MarkAsRead(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := s.coll.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_read", Value: true}, {Key: "read_at", Value: Now()}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("mark notification read: %w", err)
	}
	normalize(&rec)
	return rec, nil
}

func (s *MongoStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.D{
		{Key: "user_id", Value: userID},
		{Key: "channel", Value: ChannelInApp},
		{Key: "is_read", Value: false},
	})
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}

// normalize turns the driver's ordered documents inside metadata back into
// plain maps so records serialise as JSON objects.
func normalize(rec *Record) {
	rec.CreatedAt = rec.CreatedAt.UTC()
	for k, v := range rec.Metadata {
		rec.Metadata[k] = plain(v)
	}
}

func plain(v any) any {
	switch t := v.(type) {
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = plain(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = plain(e)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	default:
		return v
	}
}
