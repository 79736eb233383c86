package model

import (
	"time"
)

// Record is one incoming metadata item from a data source. The _id is
// "{sourceId}.{localId}" so every record of a source shares the same prefix,
// which the Solr deletion path relies on.
type Record struct {
	ID             string    `bson:"_id"`
	SourceID       string    `bson:"source_id"`
	OaiID          string    `bson:"oai_id"`
	Format         string    `bson:"format"`
	OriginalData   string    `bson:"original_data"`
	NormalizedData string    `bson:"normalized_data"`
	LinkingID      string    `bson:"linking_id,omitempty"`
	HostRecordID   string    `bson:"host_record_id,omitempty"`
	MainID         string    `bson:"main_id,omitempty"`
	Deleted        bool      `bson:"deleted"`
	UpdateNeeded   bool      `bson:"update_needed"`
	DedupID        string    `bson:"dedup_id,omitempty"`
	TitleKeys      []string  `bson:"title_keys,omitempty"`
	ISBNKeys       []string  `bson:"isbn_keys,omitempty"`
	IDKeys         []string  `bson:"id_keys,omitempty"`
	Created        time.Time `bson:"created"`
	Updated        time.Time `bson:"updated"`
	Date           time.Time `bson:"date"`
	Mark           bool      `bson:"mark,omitempty"`
}

// Data returns the payload dedup and indexing should operate on: the
// normalized form when present, otherwise the original. Ingestion stores an
// empty normalized_data when normalization was a no-op.
func (r *Record) Data() string {
	if r.NormalizedData != "" {
		return r.NormalizedData
	}
	return r.OriginalData
}

// IsComponentPart reports whether the record belongs to a host record and is
// therefore excluded from direct dedup group membership.
func (r *Record) IsComponentPart() bool {
	return r.HostRecordID != ""
}
