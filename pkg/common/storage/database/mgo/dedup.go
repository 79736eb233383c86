package mgo

import (
	"context"
	"time"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
)

func NewDedupMongo(db *mongo.Database) (database.Dedup, error) {
	coll := db.Collection(database.DedupName)
	_, err := coll.Indexes().CreateMany(context.Background(), []mongo.IndexModel{
		{Keys: bson.D{{Key: "ids", Value: 1}}},
		{Keys: bson.D{{Key: "updated", Value: 1}}},
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "create dedup indexes failed")
	}
	return &DedupMgo{coll: coll}, nil
}

type DedupMgo struct {
	coll *mongo.Collection
}

func (d *DedupMgo) Get(ctx context.Context, id string) (*model.DedupGroup, error) {
	return mongoutil.FindOne[*model.DedupGroup](ctx, d.coll, bson.M{"_id": id})
}

func (d *DedupMgo) Create(ctx context.Context, recordIDs []string) (*model.DedupGroup, error) {
	group := &model.DedupGroup{
		ID:      primitive.NewObjectID().Hex(),
		IDs:     recordIDs,
		Changed: true,
		Updated: time.Now(),
	}
	if _, err := d.coll.InsertOne(ctx, group); err != nil {
		return nil, errs.WrapMsg(err, "create dedup group failed")
	}
	return group, nil
}

func (d *DedupMgo) AddRecord(ctx context.Context, groupID, recordID string) (*model.DedupGroup, error) {
	update := bson.M{
		"$addToSet": bson.M{"ids": recordID},
		"$set":      bson.M{"changed": true, "updated": time.Now()},
	}
	opt := options.FindOneAndUpdate().SetReturnDocument(options.After)
	return mongoutil.FindOneAndUpdate[*model.DedupGroup](ctx, d.coll, bson.M{"_id": groupID}, update, opt)
}

func (d *DedupMgo) RemoveRecord(ctx context.Context, groupID, recordID string) (*model.DedupGroup, error) {
	update := bson.M{
		"$pull": bson.M{"ids": recordID},
		"$set":  bson.M{"changed": true, "updated": time.Now()},
	}
	opt := options.FindOneAndUpdate().SetReturnDocument(options.After)
	return mongoutil.FindOneAndUpdate[*model.DedupGroup](ctx, d.coll, bson.M{"_id": groupID}, update, opt)
}

func (d *DedupMgo) MarkDeleted(ctx context.Context, id string) error {
	update := bson.M{"$set": bson.M{"deleted": true, "changed": true, "updated": time.Now()}}
	return mongoutil.UpdateOne(ctx, d.coll, bson.M{"_id": id}, update, false)
}

func (d *DedupMgo) FindUpdatedSince(ctx context.Context, since time.Time) ([]string, error) {
	return mongoutil.Find[string](ctx, d.coll,
		bson.M{"updated": bson.M{"$gte": since}},
		options.Find().SetProjection(bson.M{"_id": 1}))
}

func (d *DedupMgo) Iterate(ctx context.Context, fn func(group *model.DedupGroup) (bool, error)) error {
	lastID := ""
	for {
		filter := bson.M{}
		if lastID != "" {
			filter["_id"] = bson.M{"$gt": lastID}
		}
		groups, err := mongoutil.Find[*model.DedupGroup](ctx, d.coll, filter,
			options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(database.IteratePageSize))
		if err != nil {
			return err
		}
		for _, group := range groups {
			cont, err := fn(group)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
			lastID = group.ID
		}
		if len(groups) < database.IteratePageSize {
			return nil
		}
	}
}
