package mgo

import (
	"context"
	"time"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
)

func NewRecordMongo(db *mongo.Database) (database.Record, error) {
	coll := db.Collection(database.RecordName)
	_, err := coll.Indexes().CreateMany(context.Background(), []mongo.IndexModel{
		{Keys: bson.D{{Key: "source_id", Value: 1}, {Key: "oai_id", Value: 1}}},
		{Keys: bson.D{{Key: "source_id", Value: 1}, {Key: "update_needed", Value: 1}}},
		{Keys: bson.D{{Key: "dedup_id", Value: 1}}},
		{Keys: bson.D{{Key: "linking_id", Value: 1}}},
		{Keys: bson.D{{Key: "host_record_id", Value: 1}}},
		{Keys: bson.D{{Key: "main_id", Value: 1}}},
		{Keys: bson.D{{Key: "updated", Value: 1}}},
		{Keys: bson.D{{Key: "isbn_keys", Value: 1}}},
		{Keys: bson.D{{Key: "id_keys", Value: 1}}},
		{Keys: bson.D{{Key: "title_keys", Value: 1}}},
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "create record indexes failed")
	}
	return &RecordMgo{coll: coll}, nil
}

type RecordMgo struct {
	coll *mongo.Collection
}

func filterToBson(f database.RecordFilter) bson.M {
	filter := bson.M{}
	if f.SourceID != "" {
		filter["source_id"] = f.SourceID
	}
	if f.ExcludeSource != "" {
		filter["source_id"] = bson.M{"$ne": f.ExcludeSource}
	}
	if f.OaiID != "" {
		filter["oai_id"] = f.OaiID
	}
	if f.LinkingID != "" {
		filter["linking_id"] = f.LinkingID
	}
	if f.MainID != "" {
		filter["main_id"] = f.MainID
	}
	if len(f.DedupIDs) > 0 {
		filter["dedup_id"] = bson.M{"$in": f.DedupIDs}
	}
	if f.Deleted != nil {
		filter["deleted"] = *f.Deleted
	}
	if f.UpdateNeeded != nil {
		filter["update_needed"] = *f.UpdateNeeded
	}
	if f.Marked != nil {
		if *f.Marked {
			filter["mark"] = true
		} else {
			filter["mark"] = bson.M{"$ne": true}
		}
	}
	if f.HostEmpty {
		filter["host_record_id"] = bson.M{"$in": bson.A{nil, ""}}
	}
	if f.HostRecordID != "" {
		filter["host_record_id"] = f.HostRecordID
	}
	updated := bson.M{}
	if !f.UpdatedAfter.IsZero() {
		updated["$gte"] = f.UpdatedAfter
	}
	if !f.UpdatedBefore.IsZero() {
		updated["$lt"] = f.UpdatedBefore
	}
	if len(updated) > 0 {
		filter["updated"] = updated
	}
	if f.IDPrefix != "" {
		// Range bounds instead of a regex so the paged-scan continuation can
		// merge its $gt into the same operator document.
		filter["_id"] = bson.M{"$gte": f.IDPrefix, "$lt": f.IDPrefix + "￿"}
	}
	return filter
}

func (r *RecordMgo) Get(ctx context.Context, id string) (*model.Record, error) {
	return mongoutil.FindOne[*model.Record](ctx, r.coll, bson.M{"_id": id})
}

func (r *RecordMgo) Save(ctx context.Context, record *model.Record) error {
	opt := options.Replace().SetUpsert(true)
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": record.ID}, record, opt)
	return errs.WrapMsg(err, "save record failed", "id", record.ID)
}

func updateDoc(set map[string]any, unset []string) bson.M {
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		fields := bson.M{}
		for _, f := range unset {
			fields[f] = ""
		}
		update["$unset"] = fields
	}
	return update
}

func (r *RecordMgo) Update(ctx context.Context, id string, set map[string]any, unset []string) error {
	update := updateDoc(set, unset)
	if len(update) == 0 {
		return nil
	}
	return mongoutil.UpdateOne(ctx, r.coll, bson.M{"_id": id}, update, false)
}

func (r *RecordMgo) UpdateMany(ctx context.Context, filter database.RecordFilter, set map[string]any, unset []string) (int64, error) {
	update := updateDoc(set, unset)
	if len(update) == 0 {
		return 0, nil
	}
	res, err := r.coll.UpdateMany(ctx, filterToBson(filter), update)
	if err != nil {
		return 0, errs.Wrap(err)
	}
	return res.ModifiedCount, nil
}

func (r *RecordMgo) Find(ctx context.Context, filter database.RecordFilter, limit int64) ([]*model.Record, error) {
	opt := options.Find()
	if limit > 0 {
		opt.SetLimit(limit)
	}
	return mongoutil.Find[*model.Record](ctx, r.coll, filterToBson(filter), opt)
}

func (r *RecordMgo) FindCandidates(ctx context.Context, keyField, key, excludeSource string, limit int64) ([]*model.Record, error) {
	filter := bson.M{
		keyField:         key,
		"source_id":      bson.M{"$ne": excludeSource},
		"deleted":        false,
		"host_record_id": bson.M{"$in": bson.A{nil, ""}},
	}
	opt := options.Find()
	if limit > 0 {
		opt.SetLimit(limit)
	}
	return mongoutil.Find[*model.Record](ctx, r.coll, filter, opt)
}

func (r *RecordMgo) Iterate(ctx context.Context, filter database.RecordFilter, fn func(record *model.Record) (bool, error)) error {
	base := filterToBson(filter)
	lastID := ""
	for {
		page := bson.M{}
		for k, v := range base {
			page[k] = v
		}
		if lastID != "" {
			if prev, ok := page["_id"].(bson.M); ok {
				prev["$gt"] = lastID
			} else {
				page["_id"] = bson.M{"$gt": lastID}
			}
		}
		records, err := mongoutil.Find[*model.Record](ctx, r.coll, page,
			options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(database.IteratePageSize))
		if err != nil {
			return err
		}
		for _, record := range records {
			cont, err := fn(record)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
			lastID = record.ID
		}
		if len(records) < database.IteratePageSize {
			return nil
		}
	}
}

func (r *RecordMgo) Count(ctx context.Context, filter database.RecordFilter) (int64, error) {
	return mongoutil.Count(ctx, r.coll, filterToBson(filter))
}

func (r *RecordMgo) LastUpdated(ctx context.Context) (time.Time, error) {
	opt := options.FindOne().SetSort(bson.D{{Key: "updated", Value: -1}})
	rec, err := mongoutil.FindOne[*model.Record](ctx, r.coll, bson.M{}, opt)
	if err != nil {
		if database.IsNotFound(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return rec.Updated, nil
}

func (r *RecordMgo) Delete(ctx context.Context, id string) error {
	return mongoutil.DeleteOne(ctx, r.coll, bson.M{"_id": id})
}
