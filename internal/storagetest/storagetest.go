// Package storagetest provides in-memory implementations of the storage
// interfaces for pipeline tests.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/biblioworks/recordmanager/pkg/common/storage/controller"
	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
)

// NewDatabase returns a RecordDatabase backed entirely by memory.
func NewDatabase() *controller.RecordDatabase {
	return &controller.RecordDatabase{
		Record:   NewRecordStore(),
		Dedup:    NewDedupStore(),
		State:    NewStateStore(),
		URICache: NewURICacheStore(),
		Ontology: NewURICacheStore(),
		Queue:    NewQueueStore(),
	}
}

// RecordStore is an in-memory database.Record.
type RecordStore struct {
	mu      sync.Mutex
	records map[string]*model.Record
}

func NewRecordStore() *RecordStore {
	return &RecordStore{records: map[string]*model.Record{}}
}

func (s *RecordStore) Get(ctx context.Context, id string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	clone := *rec
	return &clone, nil
}

func (s *RecordStore) Save(ctx context.Context, record *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.records[record.ID] = &clone
	return nil
}

func (s *RecordStore) Update(ctx context.Context, id string, set map[string]any, unset []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return mongo.ErrNoDocuments
	}
	applyUpdate(rec, set, unset)
	return nil
}

func (s *RecordStore) UpdateMany(ctx context.Context, filter database.RecordFilter, set map[string]any, unset []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.records {
		if matches(rec, filter) {
			applyUpdate(rec, set, unset)
			n++
		}
	}
	return n, nil
}

func (s *RecordStore) Find(ctx context.Context, filter database.RecordFilter, limit int64) ([]*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Record
	for _, id := range s.sortedIDs() {
		rec := s.records[id]
		if !matches(rec, filter) {
			continue
		}
		clone := *rec
		out = append(out, &clone)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (s *RecordStore) FindCandidates(ctx context.Context, keyField, key, excludeSource string, limit int64) ([]*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Record
	for _, id := range s.sortedIDs() {
		rec := s.records[id]
		if rec.Deleted || rec.SourceID == excludeSource || rec.IsComponentPart() {
			continue
		}
		if !contains(keysOf(rec, keyField), key) {
			continue
		}
		clone := *rec
		out = append(out, &clone)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (s *RecordStore) Iterate(ctx context.Context, filter database.RecordFilter, fn func(record *model.Record) (bool, error)) error {
	s.mu.Lock()
	ids := s.sortedIDs()
	s.mu.Unlock()
	for _, id := range ids {
		s.mu.Lock()
		rec, ok := s.records[id]
		var clone model.Record
		if ok {
			clone = *rec
		}
		match := ok && matches(&clone, filter)
		s.mu.Unlock()
		if !match {
			continue
		}
		cont, err := fn(&clone)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (s *RecordStore) Count(ctx context.Context, filter database.RecordFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.records {
		if matches(rec, filter) {
			n++
		}
	}
	return n, nil
}

func (s *RecordStore) LastUpdated(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, rec := range s.records {
		if rec.Updated.After(last) {
			last = rec.Updated
		}
	}
	return last, nil
}

func (s *RecordStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *RecordStore) sortedIDs() []string {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func keysOf(rec *model.Record, field string) []string {
	switch field {
	case database.KeyFieldISBN:
		return rec.ISBNKeys
	case database.KeyFieldID:
		return rec.IDKeys
	case database.KeyFieldTitle:
		return rec.TitleKeys
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func matches(rec *model.Record, f database.RecordFilter) bool {
	if f.SourceID != "" && rec.SourceID != f.SourceID {
		return false
	}
	if f.ExcludeSource != "" && rec.SourceID == f.ExcludeSource {
		return false
	}
	if f.OaiID != "" && rec.OaiID != f.OaiID {
		return false
	}
	if f.LinkingID != "" && rec.LinkingID != f.LinkingID {
		return false
	}
	if f.MainID != "" && rec.MainID != f.MainID {
		return false
	}
	if len(f.DedupIDs) > 0 && !contains(f.DedupIDs, rec.DedupID) {
		return false
	}
	if f.Deleted != nil && rec.Deleted != *f.Deleted {
		return false
	}
	if f.UpdateNeeded != nil && rec.UpdateNeeded != *f.UpdateNeeded {
		return false
	}
	if f.Marked != nil && rec.Mark != *f.Marked {
		return false
	}
	if f.HostEmpty && rec.HostRecordID != "" {
		return false
	}
	if f.HostRecordID != "" && rec.HostRecordID != f.HostRecordID {
		return false
	}
	if !f.UpdatedAfter.IsZero() && rec.Updated.Before(f.UpdatedAfter) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !rec.Updated.Before(f.UpdatedBefore) {
		return false
	}
	if f.IDPrefix != "" && !strings.HasPrefix(rec.ID, f.IDPrefix) {
		return false
	}
	return true
}

func applyUpdate(rec *model.Record, set map[string]any, unset []string) {
	for field, value := range set {
		switch field {
		case "deleted":
			rec.Deleted = value.(bool)
		case "update_needed":
			rec.UpdateNeeded = value.(bool)
		case "updated":
			rec.Updated = value.(time.Time)
		case "mark":
			rec.Mark = value.(bool)
		case "dedup_id":
			rec.DedupID = value.(string)
		case "normalized_data":
			rec.NormalizedData = value.(string)
		case "title_keys":
			rec.TitleKeys, _ = value.([]string)
		case "isbn_keys":
			rec.ISBNKeys, _ = value.([]string)
		case "id_keys":
			rec.IDKeys, _ = value.([]string)
		}
	}
	for _, field := range unset {
		switch field {
		case "dedup_id":
			rec.DedupID = ""
		case "mark":
			rec.Mark = false
		}
	}
}

// DedupStore is an in-memory database.Dedup.
type DedupStore struct {
	mu     sync.Mutex
	groups map[string]*model.DedupGroup
	seq    int
}

func NewDedupStore() *DedupStore {
	return &DedupStore{groups: map[string]*model.DedupGroup{}}
}

func (s *DedupStore) Get(ctx context.Context, id string) (*model.DedupGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	clone := *group
	clone.IDs = append([]string(nil), group.IDs...)
	return &clone, nil
}

func (s *DedupStore) Create(ctx context.Context, recordIDs []string) (*model.DedupGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	group := &model.DedupGroup{
		ID:      fmt.Sprintf("group%04d", s.seq),
		IDs:     append([]string(nil), recordIDs...),
		Changed: true,
		Updated: time.Now().UTC(),
	}
	s.groups[group.ID] = group
	clone := *group
	return &clone, nil
}

func (s *DedupStore) AddRecord(ctx context.Context, groupID, recordID string) (*model.DedupGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	if !group.Has(recordID) {
		group.IDs = append(group.IDs, recordID)
	}
	group.Changed = true
	group.Updated = time.Now().UTC()
	clone := *group
	clone.IDs = append([]string(nil), group.IDs...)
	return &clone, nil
}

func (s *DedupStore) RemoveRecord(ctx context.Context, groupID, recordID string) (*model.DedupGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	kept := group.IDs[:0]
	for _, id := range group.IDs {
		if id != recordID {
			kept = append(kept, id)
		}
	}
	group.IDs = kept
	group.Changed = true
	group.Updated = time.Now().UTC()
	clone := *group
	clone.IDs = append([]string(nil), group.IDs...)
	return &clone, nil
}

func (s *DedupStore) MarkDeleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[id]
	if !ok {
		return mongo.ErrNoDocuments
	}
	group.Deleted = true
	group.Updated = time.Now().UTC()
	return nil
}

func (s *DedupStore) FindUpdatedSince(ctx context.Context, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, group := range s.groups {
		if !group.Updated.Before(since) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *DedupStore) Iterate(ctx context.Context, fn func(group *model.DedupGroup) (bool, error)) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.mu.Unlock()
	for _, id := range ids {
		group, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		cont, err := fn(group)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// StateStore is an in-memory database.State.
type StateStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewStateStore() *StateStore {
	return &StateStore{values: map[string]string{}}
}

func (s *StateStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *StateStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *StateStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// URICacheStore is an in-memory database.URICache.
type URICacheStore struct {
	mu      sync.Mutex
	entries map[string]*model.URICacheEntry
}

func NewURICacheStore() *URICacheStore {
	return &URICacheStore{entries: map[string]*model.URICacheEntry{}}
}

func (s *URICacheStore) Get(ctx context.Context, id string) (*model.URICacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	clone := *entry
	return &clone, nil
}

func (s *URICacheStore) Put(ctx context.Context, entry *model.URICacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	s.entries[entry.ID] = &clone
	return nil
}

// QueueStore is an in-memory database.Queue.
type QueueStore struct {
	mu     sync.Mutex
	queues map[string][]string
	seen   map[string]map[string]struct{}
}

func NewQueueStore() *QueueStore {
	return &QueueStore{queues: map[string][]string{}, seen: map[string]map[string]struct{}{}}
}

func (s *QueueStore) New(ctx context.Context, hash string, fromDate, lastRecordTime time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := fmt.Sprintf("%s%s_%d_%d", database.QueueTmpPrefix, hash, fromDate.Unix(), lastRecordTime.Unix())
	s.queues[name] = nil
	s.seen[name] = map[string]struct{}{}
	return name, nil
}

func (s *QueueStore) Add(ctx context.Context, name string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, dup := s.seen[name][id]; dup {
			continue
		}
		s.seen[name][id] = struct{}{}
		s.queues[name] = append(s.queues[name], id)
	}
	return nil
}

func (s *QueueStore) Finalize(ctx context.Context, tmpName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := database.QueuePrefix + strings.TrimPrefix(tmpName, database.QueueTmpPrefix)
	s.queues[name] = s.queues[tmpName]
	s.seen[name] = s.seen[tmpName]
	delete(s.queues, tmpName)
	delete(s.seen, tmpName)
	return name, nil
}

func (s *QueueStore) Find(ctx context.Context, hash string, lastRecordTime time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	suffix := fmt.Sprintf("_%d", lastRecordTime.Unix())
	for name := range s.queues {
		if strings.HasPrefix(name, database.QueuePrefix+hash) && strings.HasSuffix(name, suffix) {
			return name, nil
		}
	}
	return "", nil
}

func (s *QueueStore) Iterate(ctx context.Context, name string, fn func(id string) (bool, error)) error {
	s.mu.Lock()
	ids := append([]string(nil), s.queues[name]...)
	s.mu.Unlock()
	for _, id := range ids {
		cont, err := fn(id)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (s *QueueStore) Count(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[name])), nil
}

func (s *QueueStore) Drop(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, name)
	delete(s.seen, name)
	return nil
}

func (s *QueueStore) CleanupOld(ctx context.Context, lastRecordTime time.Time) error {
	return nil
}
