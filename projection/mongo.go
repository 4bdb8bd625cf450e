package projection

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"eventledger/domain"
)

// MongoStore keeps read models in a mongo collection. Unlike the table
// provider it pushes filtering, sorting and paging down to the server, and
// uses a text index over searchableText for free-text queries.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database, collection string) *MongoStore {
	return &MongoStore{coll: db.Collection(collection)}
}

// EnsureIndexes creates the text index Query relies on. Safe to call on
// every start.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "searchableText", Value: "text"}},
	})
	return err
}

type mongoDocument struct {
	ID             string         `bson:"_id"`
	Version        int            `bson:"version"`
	LastUpdated    time.Time      `bson:"lastUpdated"`
	Status         string         `bson:"status"`
	Fields         map[string]any `bson:"fields"`
	SearchableText string         `bson:"searchableText"`
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Document, error) {
	var md mongoDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&md)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc := documentFromMongo(md)
	return &doc, nil
}

func (s *MongoStore) Upsert(ctx context.Context, doc Document, expectedVersion int) error {
	md := mongoDocument{
		ID:             doc.ID,
		Version:        doc.Version,
		LastUpdated:    doc.LastUpdated,
		Status:         doc.Status,
		Fields:         doc.Fields,
		SearchableText: doc.SearchableText,
	}
	if expectedVersion == 0 {
		_, err := s.coll.InsertOne(ctx, md)
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: read model %s already exists", domain.ErrConcurrencyConflict, doc.ID)
		}
		return err
	}
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID, "version": expectedVersion}, md)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: read model %s is not at version %d", domain.ErrConcurrencyConflict, doc.ID, expectedVersion)
	}
	return nil
}

func (s *MongoStore) Query(ctx context.Context, q Query) ([]Document, error) {
	filter := bson.M{}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	for field, want := range q.Fields {
		filter["fields."+field] = want
	}
	if q.Search != "" {
		filter["$text"] = bson.M{"$search": q.Search}
	}

	opts := options.Find().SetSkip(int64(q.Offset))
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	sortField := "_id"
	if q.SortBy != "" {
		sortField = "fields." + q.SortBy
	}
	order := 1
	if q.Descending {
		order = -1
	}
	opts.SetSort(bson.D{{Key: sortField, Value: order}})

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	docs := []Document{}
	for cur.Next(ctx) {
		var md mongoDocument
		if err := cur.Decode(&md); err != nil {
			return nil, err
		}
		docs = append(docs, documentFromMongo(md))
	}
	return docs, cur.Err()
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("read model %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func documentFromMongo(md mongoDocument) Document {
	return Document{
		ID:             md.ID,
		Version:        md.Version,
		LastUpdated:    md.LastUpdated.UTC(),
		Status:         md.Status,
		Fields:         md.Fields,
		SearchableText: md.SearchableText,
	}
}
