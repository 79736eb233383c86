package mgo

import (
	"context"
	"time"

	"github.com/openimsdk/tools/db/mongoutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
)

func NewStateMongo(db *mongo.Database) database.State {
	return &StateMgo{coll: db.Collection(database.StateName)}
}

type StateMgo struct {
	coll *mongo.Collection
}

func (s *StateMgo) Get(ctx context.Context, key string) (string, error) {
	state, err := mongoutil.FindOne[*model.State](ctx, s.coll, bson.M{"_id": key})
	if err != nil {
		if database.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return state.Value, nil
}

func (s *StateMgo) Set(ctx context.Context, key, value string) error {
	update := bson.M{"$set": bson.M{"value": value, "updated": time.Now()}}
	return mongoutil.UpdateOne(ctx, s.coll, bson.M{"_id": key}, update, false, options.Update().SetUpsert(true))
}

func (s *StateMgo) Delete(ctx context.Context, key string) error {
	return mongoutil.DeleteOne(ctx, s.coll, bson.M{"_id": key})
}
