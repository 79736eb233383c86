package mgo

import (
	"context"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
)

// NewURICacheMongo returns a URI cache over the named collection. Both the
// plain uriCache and the ontologyEnrichment cache share this implementation.
func NewURICacheMongo(db *mongo.Database, collection string) database.URICache {
	return &URICacheMgo{coll: db.Collection(collection)}
}

type URICacheMgo struct {
	coll *mongo.Collection
}

func (u *URICacheMgo) Get(ctx context.Context, id string) (*model.URICacheEntry, error) {
	return mongoutil.FindOne[*model.URICacheEntry](ctx, u.coll, bson.M{"_id": id})
}

func (u *URICacheMgo) Put(ctx context.Context, entry *model.URICacheEntry) error {
	opt := options.Replace().SetUpsert(true)
	_, err := u.coll.ReplaceOne(ctx, bson.M{"_id": entry.ID}, entry, opt)
	if err != nil {
		// Concurrent enrichment runs race the upsert on the same URI; the
		// first writer wins and the loser's copy is identical.
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return errs.WrapMsg(err, "uri cache write failed", "id", entry.ID)
	}
	return nil
}
