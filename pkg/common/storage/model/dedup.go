package model

import (
	"time"
)

// DedupGroup is an equivalence class of records from different sources that
// are believed to describe the same resource. Groups own the membership list;
// records hold only the dedup_id back-pointer, so there is no cycle to keep
// consistent beyond the repair pass.
type DedupGroup struct {
	ID      string    `bson:"_id"`
	IDs     []string  `bson:"ids"`
	Deleted bool      `bson:"deleted"`
	Changed bool      `bson:"changed"`
	Updated time.Time `bson:"updated"`
}

// Has reports whether recordID is currently a member of the group.
func (g *DedupGroup) Has(recordID string) bool {
	for _, id := range g.IDs {
		if id == recordID {
			return true
		}
	}
	return false
}

// State is an opaque key/value pair, one per harvesting or indexing
// checkpoint such as "Last Harvest Date {source}".
type State struct {
	Key     string    `bson:"_id"`
	Value   string    `bson:"value"`
	Updated time.Time `bson:"updated"`
}

// URICacheEntry caches the response body of an external lookup. TTL is
// enforced by readers against Timestamp, never by the store.
type URICacheEntry struct {
	ID        string            `bson:"_id"`
	Timestamp time.Time         `bson:"timestamp"`
	URL       string            `bson:"url"`
	Headers   map[string]string `bson:"headers,omitempty"`
	Body      string            `bson:"body"`
}

// QueueItem is one pending canonical id in a queue collection. The id itself
// is the _id so duplicate inserts collapse.
type QueueItem struct {
	ID string `bson:"_id"`
}
