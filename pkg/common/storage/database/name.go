package database

// Collection names. Queue collections are created on demand with the
// QueueTmpPrefix during build and renamed to QueuePrefix names on commit.
const (
	RecordName             = "record"
	DedupName              = "dedup"
	StateName              = "state"
	URICacheName           = "uriCache"
	OntologyEnrichmentName = "ontologyEnrichment"

	QueueTmpPrefix = "tmp_mr_record_"
	QueuePrefix    = "mr_record_"
)
