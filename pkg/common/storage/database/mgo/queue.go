package mgo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
)

// queueRetention is how long finalized queues are kept before CleanupOld
// drops them.
const queueRetention = 7 * 24 * time.Hour

// NewQueueMongo returns the queue collection manager. The client is needed on
// top of the database handle because finalizing a queue is a server-side
// collection rename.
func NewQueueMongo(cli *mongo.Client, db *mongo.Database) database.Queue {
	return &QueueMgo{cli: cli, db: db}
}

type QueueMgo struct {
	cli *mongo.Client
	db  *mongo.Database
}

func queueName(hash string, fromDate, lastRecordTime time.Time) string {
	return fmt.Sprintf("%s%s_%d_%d", database.QueuePrefix, hash, fromDate.Unix(), lastRecordTime.Unix())
}

// parseQueueName extracts the hash and lastRecordTime out of a finalized
// queue name, returning ok=false for names that do not follow the scheme.
func parseQueueName(name string) (hash string, lastRecordTime time.Time, ok bool) {
	if !strings.HasPrefix(name, database.QueuePrefix) || strings.HasPrefix(name, database.QueueTmpPrefix) {
		return "", time.Time{}, false
	}
	parts := strings.Split(strings.TrimPrefix(name, database.QueuePrefix), "_")
	if len(parts) != 3 {
		return "", time.Time{}, false
	}
	last, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return parts[0], time.Unix(last, 0), true
}

func (q *QueueMgo) New(ctx context.Context, hash string, fromDate, lastRecordTime time.Time) (string, error) {
	name := "tmp_" + queueName(hash, fromDate, lastRecordTime)
	// Drop any leftover from an earlier failed build before starting over.
	if err := q.db.Collection(name).Drop(ctx); err != nil {
		return "", errs.WrapMsg(err, "drop stale tmp queue failed", "name", name)
	}
	if err := q.db.CreateCollection(ctx, name); err != nil {
		return "", errs.WrapMsg(err, "create tmp queue failed", "name", name)
	}
	return name, nil
}

func (q *QueueMgo) Add(ctx context.Context, name string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	docs := make([]any, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, model.QueueItem{ID: id})
	}
	_, err := q.db.Collection(name).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return errs.WrapMsg(err, "queue insert failed", "name", name)
	}
	return nil
}

func (q *QueueMgo) Finalize(ctx context.Context, tmpName string) (string, error) {
	finalName := strings.TrimPrefix(tmpName, "tmp_")
	cmd := bson.D{
		{Key: "renameCollection", Value: q.db.Name() + "." + tmpName},
		{Key: "to", Value: q.db.Name() + "." + finalName},
		{Key: "dropTarget", Value: true},
	}
	if err := q.cli.Database("admin").RunCommand(ctx, cmd).Err(); err != nil {
		return "", errs.WrapMsg(err, "finalize queue failed", "tmpName", tmpName)
	}
	return finalName, nil
}

func (q *QueueMgo) Find(ctx context.Context, hash string, lastRecordTime time.Time) (string, error) {
	names, err := q.listQueues(ctx)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		h, last, ok := parseQueueName(name)
		if ok && h == hash && last.Equal(lastRecordTime.Truncate(time.Second)) {
			return name, nil
		}
	}
	return "", nil
}

func (q *QueueMgo) Iterate(ctx context.Context, name string, fn func(id string) (bool, error)) error {
	coll := q.db.Collection(name)
	lastID := ""
	for {
		filter := bson.M{}
		if lastID != "" {
			filter["_id"] = bson.M{"$gt": lastID}
		}
		ids, err := mongoutil.Find[string](ctx, coll, filter,
			options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(database.IteratePageSize))
		if err != nil {
			return err
		}
		for _, id := range ids {
			cont, err := fn(id)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
			lastID = id
		}
		if len(ids) < database.IteratePageSize {
			return nil
		}
	}
}

func (q *QueueMgo) Count(ctx context.Context, name string) (int64, error) {
	return mongoutil.Count(ctx, q.db.Collection(name), bson.M{})
}

func (q *QueueMgo) Drop(ctx context.Context, name string) error {
	return errs.Wrap(q.db.Collection(name).Drop(ctx))
}

func (q *QueueMgo) CleanupOld(ctx context.Context, lastRecordTime time.Time) error {
	names, err := q.listQueues(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-queueRetention)
	for _, name := range names {
		_, last, ok := parseQueueName(name)
		if !ok {
			continue
		}
		if last.Before(cutoff) && !last.Equal(lastRecordTime.Truncate(time.Second)) {
			log.ZInfo(ctx, "dropping stale queue", "name", name)
			if err := q.Drop(ctx, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *QueueMgo) listQueues(ctx context.Context) ([]string, error) {
	names, err := q.db.ListCollectionNames(ctx, bson.M{
		"name": bson.M{"$regex": "^" + database.QueuePrefix},
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "list queue collections failed")
	}
	return names, nil
}
