package controller

import (
	"fmt"

	"github.com/openimsdk/tools/db/mongoutil"

	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/database/mgo"
)

// State entry key templates shared by the pipeline stages.
const (
	StateLastHarvestDate        = "Last Harvest Date %s"
	StateLastIndexUpdate        = "Last Index Update %s"
	StateLastDeletionProcessing = "Last Deletion Processing Time %s"
	StateResumptionToken        = "Resumption Token %s"
	// StateQueueProcessed marks an update queue whose delivery finished
	// cleanly, keyed by queue name. A rerun with identical parameters finds
	// the queue but must not replay it.
	StateQueueProcessed = "Update Queue Processed %s"
)

func StateKey(template, sourceID string) string {
	return fmt.Sprintf(template, sourceID)
}

// RecordDatabase bundles the durable collections the pipeline coordinates
// through. All cross-stage communication happens here; there is no other
// shared state.
type RecordDatabase struct {
	Record   database.Record
	Dedup    database.Dedup
	State    database.State
	URICache database.URICache
	Ontology database.URICache
	Queue    database.Queue
}

func NewRecordDatabase(mgocli *mongoutil.Client) (*RecordDatabase, error) {
	db := mgocli.GetDB()
	record, err := mgo.NewRecordMongo(db)
	if err != nil {
		return nil, err
	}
	dedup, err := mgo.NewDedupMongo(db)
	if err != nil {
		return nil, err
	}
	return &RecordDatabase{
		Record:   record,
		Dedup:    dedup,
		State:    mgo.NewStateMongo(db),
		URICache: mgo.NewURICacheMongo(db, database.URICacheName),
		Ontology: mgo.NewURICacheMongo(db, database.OntologyEnrichmentName),
		Queue:    mgo.NewQueueMongo(db.Client(), db),
	}, nil
}
