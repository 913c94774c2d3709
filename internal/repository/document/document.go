package document

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"improto/internal/model"
)

type (
	// DocumentRepo stores published DID documents keyed by DID.
	DocumentRepo struct {
		collection *mongo.Collection
	}
)

func NewDocumentRepo(db *mongo.Database) *DocumentRepo {
	return &DocumentRepo{
		collection: db.Collection("documents"),
	}
}

func (r *DocumentRepo) Get(ctx context.Context, id string) (*model.DIDDocument, error) {
	var doc model.DIDDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Put inserts or replaces the document with doc.ID.
func (r *DocumentRepo) Put(ctx context.Context, doc *model.DIDDocument) error {
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}
