package database

import (
	"context"
	"time"

	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
)

const (
	// IteratePageSize is the page length of restartable scans. Each page asks
	// for _id greater than the last id seen with a stable ascending sort, so
	// an interrupted scan resumes correctly and concurrent writers cannot
	// shift ids that were already visited.
	IteratePageSize = 1000
)

// Blocking key fields of the record collection, in candidate search priority
// order: a shared ISBN is the strongest signal, identifier keys next, title
// keys last.
const (
	KeyFieldISBN  = "isbn_keys"
	KeyFieldID    = "id_keys"
	KeyFieldTitle = "title_keys"
)

// RecordFilter selects records without exposing the backend query language.
// Zero values mean "no constraint"; pointer fields distinguish false from
// unset.
type RecordFilter struct {
	SourceID      string
	ExcludeSource string
	OaiID         string
	LinkingID     string
	MainID        string
	DedupIDs      []string
	Deleted       *bool
	UpdateNeeded  *bool
	Marked        *bool
	HostEmpty     bool
	HostRecordID  string
	UpdatedAfter  time.Time
	UpdatedBefore time.Time
	IDPrefix      string
}

// Record is the durable store of harvested records.
type Record interface {
	Get(ctx context.Context, id string) (*model.Record, error)
	// Save upserts by _id.
	Save(ctx context.Context, record *model.Record) error
	// Update applies $set/$unset style changes to one record.
	Update(ctx context.Context, id string, set map[string]any, unset []string) error
	// UpdateMany applies the same changes to every record matching the filter
	// and returns the number of records touched.
	UpdateMany(ctx context.Context, filter RecordFilter, set map[string]any, unset []string) (int64, error)
	Find(ctx context.Context, filter RecordFilter, limit int64) ([]*model.Record, error)
	// FindCandidates searches one blocking-key field for dedup candidates in
	// other sources. Component parts and deleted records never match.
	FindCandidates(ctx context.Context, keyField, key, excludeSource string, limit int64) ([]*model.Record, error)
	// Iterate performs a restartable paged scan in _id order. The callback
	// returns false to stop early. Concurrent inserts or updates may be seen
	// or missed; callers must tolerate at-least-once reprocessing.
	Iterate(ctx context.Context, filter RecordFilter, fn func(record *model.Record) (bool, error)) error
	Count(ctx context.Context, filter RecordFilter) (int64, error)
	// LastUpdated returns the updated timestamp of the most recently written
	// record, or the zero time for an empty store.
	LastUpdated(ctx context.Context) (time.Time, error)
	Delete(ctx context.Context, id string) error
}

// Dedup maintains the dedup group collection.
type Dedup interface {
	Get(ctx context.Context, id string) (*model.DedupGroup, error)
	// Create makes a new live group containing the given record ids.
	Create(ctx context.Context, recordIDs []string) (*model.DedupGroup, error)
	// AddRecord appends a record id to a group's membership, marking the
	// group changed, and returns the updated group.
	AddRecord(ctx context.Context, groupID, recordID string) (*model.DedupGroup, error)
	// RemoveRecord detaches a record id from a group and returns the updated
	// group.
	RemoveRecord(ctx context.Context, groupID, recordID string) (*model.DedupGroup, error)
	MarkDeleted(ctx context.Context, id string) error
	// FindUpdatedSince returns ids of groups whose membership changed at or
	// after the given time. Used by change-driven reindex.
	FindUpdatedSince(ctx context.Context, since time.Time) ([]string, error)
	Iterate(ctx context.Context, fn func(group *model.DedupGroup) (bool, error)) error
}

// State stores the per-source checkpoints ("Last Harvest Date {source}" and
// friends) as opaque strings.
type State interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// URICache stores bodies of external lookups. Put ignores duplicate-key races
// because enrichment runs are allowed to overlap.
type URICache interface {
	Get(ctx context.Context, id string) (*model.URICacheEntry, error)
	Put(ctx context.Context, entry *model.URICacheEntry) error
}

// Queue manages the transient per-update-run id collections that give the
// Solr pipeline its coarse transactional semantics: everything before
// Finalize is discardable, everything after is resumable.
type Queue interface {
	// New creates an empty tmp_ queue for the parameter hash and date range
	// and returns its name.
	New(ctx context.Context, hash string, fromDate, lastRecordTime time.Time) (string, error)
	// Add inserts canonical ids; duplicate keys are ignored.
	Add(ctx context.Context, name string, ids ...string) error
	// Finalize renames a tmp_ queue to its final name and returns it.
	Finalize(ctx context.Context, tmpName string) (string, error)
	// Find returns the name of an existing finalized queue matching the hash
	// and lastRecordTime, or "" when none exists.
	Find(ctx context.Context, hash string, lastRecordTime time.Time) (string, error)
	Iterate(ctx context.Context, name string, fn func(id string) (bool, error)) error
	Count(ctx context.Context, name string) (int64, error)
	Drop(ctx context.Context, name string) error
	// CleanupOld drops queues older than the retention window whose
	// lastRecordTime differs from the current one.
	CleanupOld(ctx context.Context, lastRecordTime time.Time) error
}
