package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "review_items"

// MongoRepository persists the review queue. Pending items are served by a
// compound index on (status, priority desc, created_at asc).
type MongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(ctx context.Context, client *mongo.Client, database string) (*MongoRepository, error) {
	coll := client.Database(database).Collection(collectionName)

	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "priority", Value: -1},
			{Key: "created_at", Value: 1},
		}},
		{Keys: bson.D{
			{Key: "candidate.record_id", Value: 1},
			{Key: "status", Value: 1},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("creating review indexes: %v", err)
	}

	return &MongoRepository{collection: coll}, nil
}

func (r *MongoRepository) Insert(item *Item) error {
	ctx, cancel := opContext()
	defer cancel()

	_, err := r.collection.InsertOne(ctx, item)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("review item %s already exists", item.ID)
	}
	return err
}

func (r *MongoRepository) Get(id string) (*Item, error) {
	ctx, cancel := opContext()
	defer cancel()

	var item Item
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("item %s: %w", id, ErrItemNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *MongoRepository) Update(item, prev *Item) error {
	ctx, cancel := opContext()
	defer cancel()

	// Conditional replace: the filter carries the expected prior state so
	// concurrent transitions lose instead of overwriting each other. The
	// claimant field is only present once an item is UNDER_REVIEW.
	filter := bson.M{"_id": item.ID, "status": prev.Status}
	if prev.ClaimedBy != "" {
		filter["claimed_by"] = prev.ClaimedBy
	}

	result, err := r.collection.ReplaceOne(ctx, filter, item)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		if ferr := r.collection.FindOne(ctx, bson.M{"_id": item.ID}).Err(); errors.Is(ferr, mongo.ErrNoDocuments) {
			return fmt.Errorf("item %s: %w", item.ID, ErrItemNotFound)
		}
		return fmt.Errorf("item %s: %w", item.ID, ErrItemChanged)
	}
	return nil
}

func (r *MongoRepository) ListPending(limit int) ([]*Item, error) {
	ctx, cancel := opContext()
	defer cancel()

	opts := options.Find().SetSort(bson.D{
		{Key: "priority", Value: -1},
		{Key: "created_at", Value: 1},
	})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, bson.M{"status": StatusPending}, opts)
	if err != nil {
		return nil, err
	}
	return decodeItems(ctx, cursor)
}

func (r *MongoRepository) PendingForRecord(recordID string) ([]*Item, error) {
	ctx, cancel := opContext()
	defer cancel()

	cursor, err := r.collection.Find(ctx, bson.M{
		"candidate.record_id": recordID,
		"status":              bson.M{"$in": []Status{StatusPending, StatusUnderReview}},
	}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return decodeItems(ctx, cursor)
}

func (r *MongoRepository) Claimed(before time.Time) ([]*Item, error) {
	ctx, cancel := opContext()
	defer cancel()

	cursor, err := r.collection.Find(ctx, bson.M{
		"status":     StatusUnderReview,
		"claimed_at": bson.M{"$lte": before},
	})
	if err != nil {
		return nil, err
	}
	return decodeItems(ctx, cursor)
}

func decodeItems(ctx context.Context, cursor *mongo.Cursor) ([]*Item, error) {
	defer cursor.Close(ctx)
	var out []*Item
	for cursor.Next(ctx) {
		var item Item
		if err := cursor.Decode(&item); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, cursor.Err()
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
