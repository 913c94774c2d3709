package document

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"improto/internal/model"
)

func TestDocumentRepo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	doc := &model.DIDDocument{
		ID:          "did:doc:abc",
		IdentityKey: "ik",
		ExchangeKey: "xk",
		Signature:   "sig",
		Endpoints:   []model.Endpoint{{URL: "ws://relay", PreKey: "pk", Signature: "s"}},
	}

	mt.Run("get", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mt.DB.Name()+".documents", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: doc.ID},
			{Key: "identity_key", Value: doc.IdentityKey},
			{Key: "exchange_key", Value: doc.ExchangeKey},
			{Key: "signature", Value: doc.Signature},
			{Key: "endpoints", Value: bson.A{bson.D{
				{Key: "url", Value: "ws://relay"},
				{Key: "pre_key", Value: "pk"},
				{Key: "signature", Value: "s"},
			}}},
		}))

		got, err := NewDocumentRepo(mt.DB).Get(context.Background(), doc.ID)
		require.NoError(mt, err)
		assert.Equal(mt, doc, got)
	})

	mt.Run("get missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mt.DB.Name()+".documents", mtest.FirstBatch))

		got, err := NewDocumentRepo(mt.DB).Get(context.Background(), "did:doc:none")
		require.NoError(mt, err)
		assert.Nil(mt, got)
	})

	mt.Run("put", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: doc.ID}}}}))
		assert.NoError(mt, NewDocumentRepo(mt.DB).Put(context.Background(), doc))
	})

	mt.Run("put failure", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Message: "bad"}))
		assert.Error(mt, NewDocumentRepo(mt.DB).Put(context.Background(), doc))
	})
}
