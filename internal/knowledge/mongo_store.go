package knowledge

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// personaBSON / documentBSON mirror PersonaRecord/DocumentRecord with bson
// tags, following the tagged-struct convention used for Mongo-backed records
// throughout the example pack (e.g. RealtimeBuffer's bson tags).
type personaBSON struct {
	Name      string    `bson:"name"`
	Content   string    `bson:"content"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type documentBSON struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	DocID      string             `bson:"doc_id"`
	Filename   string             `bson:"filename"`
	Content    string             `bson:"content"`
	UploadedAt time.Time          `bson:"uploaded_at"`
}

// MongoStore persists personas and documents in MongoDB.
type MongoStore struct {
	personas  *mongo.Collection
	documents *mongo.Collection
}

// NewMongoStore connects to uri/dbName and returns a Store backed by two
// collections: "personas" and "documents".
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("knowledge: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("knowledge: mongo ping: %w", err)
	}
	db := client.Database(dbName)
	return &MongoStore{
		personas:  db.Collection("personas"),
		documents: db.Collection("documents"),
	}, nil
}

func (s *MongoStore) GetPersona(ctx context.Context, name string) (*PersonaRecord, error) {
	var rec personaBSON
	err := s.personas.FindOne(ctx, bson.M{"name": name}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &PersonaRecord{Name: rec.Name, Content: rec.Content, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt}, nil
}

func (s *MongoStore) PutPersona(ctx context.Context, rec *PersonaRecord) error {
	_, err := s.personas.UpdateOne(ctx,
		bson.M{"name": rec.Name},
		bson.M{"$set": personaBSON{Name: rec.Name, Content: rec.Content, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) ListDocuments(ctx context.Context) ([]*DocumentRecord, error) {
	cur, err := s.documents.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*DocumentRecord
	for cur.Next(ctx) {
		var rec documentBSON
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, &DocumentRecord{ID: rec.DocID, Filename: rec.Filename, Content: rec.Content, UploadedAt: rec.UploadedAt})
	}
	return out, cur.Err()
}

func (s *MongoStore) PutDocument(ctx context.Context, doc *DocumentRecord) error {
	_, err := s.documents.UpdateOne(ctx,
		bson.M{"doc_id": doc.ID},
		bson.M{"$set": documentBSON{DocID: doc.ID, Filename: doc.Filename, Content: doc.Content, UploadedAt: doc.UploadedAt}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.documents.DeleteOne(ctx, bson.M{"doc_id": id})
	return err
}
