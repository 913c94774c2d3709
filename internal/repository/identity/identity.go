package identity

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"improto/internal/model"
)

type (
	// IdentityRepo stores local identities, private keys included. It is
	// meant for the client's own database only.
	IdentityRepo struct {
		collection *mongo.Collection
	}
)

func NewIdentityRepo(db *mongo.Database) *IdentityRepo {
	return &IdentityRepo{
		collection: db.Collection("identities"),
	}
}

// GetByName returns nil, nil when no identity has that name.
func (r *IdentityRepo) GetByName(ctx context.Context, name string) (*model.Identity, error) {
	filter := bson.M{
		"name": name,
	}

	var identity model.Identity
	err := r.collection.FindOne(ctx, filter).Decode(&identity)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (r *IdentityRepo) Create(ctx context.Context, identity *model.Identity) (primitive.ObjectID, error) {
	res, err := r.collection.InsertOne(ctx, identity)
	if err != nil {
		return primitive.NilObjectID, err
	}

	id := res.InsertedID.(primitive.ObjectID)
	identity.ID = id
	return id, nil
}

// Update stores identity's current keys and document, e.g. after a new
// endpoint was added.
func (r *IdentityRepo) Update(ctx context.Context, identity *model.Identity) error {
	res, err := r.collection.ReplaceOne(ctx, bson.M{"_id": identity.ID}, identity)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}
