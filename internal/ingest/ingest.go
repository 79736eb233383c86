// Package ingest writes harvested payloads into the record store: splitting,
// normalization, identity derivation and the dedup dirty-bit wiring.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/biblioworks/recordmanager/internal/dedup"
	"github.com/biblioworks/recordmanager/pkg/common/config"
	"github.com/biblioworks/recordmanager/pkg/common/storage/controller"
	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
	"github.com/biblioworks/recordmanager/pkg/record"
)

// ErrEmptyID is returned when neither the driver nor the harvester supplies
// an identifier for a record.
var ErrEmptyID = errors.New("record has no identifier")

// Transformer rewrites a payload before parsing. Sources configure these by
// name; XSLT-based transformations plug in through this interface.
type Transformer interface {
	Transform(data []byte) ([]byte, error)
}

// Splitter breaks a harvested payload into individual record payloads.
type Splitter interface {
	Split(data []byte) ([][]byte, error)
}

// Processor is the ingestion entry point, shared by harvesters and the file
// importer.
type Processor struct {
	db           *controller.RecordDatabase
	sources      map[string]*config.DataSource
	transformers map[string]Transformer
	splitters    map[string]Splitter
}

func NewProcessor(db *controller.RecordDatabase, sources map[string]*config.DataSource) *Processor {
	return &Processor{
		db:           db,
		sources:      sources,
		transformers: map[string]Transformer{},
		splitters:    map[string]Splitter{},
	}
}

// RegisterTransformer installs a named pre-transformation or normalization
// plugin.
func (p *Processor) RegisterTransformer(name string, t Transformer) {
	p.transformers[name] = t
}

// RegisterSplitter installs a named record splitter plugin.
func (p *Processor) RegisterSplitter(name string, s Splitter) {
	p.splitters[name] = s
}

// StoreRecord ingests one harvested item and returns the number of records
// written or soft-deleted.
func (p *Processor) StoreRecord(ctx context.Context, sourceID, oaiID string, deleted bool, payload []byte) (int, error) {
	ds, ok := p.sources[sourceID]
	if !ok {
		return 0, errs.New("unknown data source", "source", sourceID).Wrap()
	}
	if deleted {
		if oaiID == "" {
			return 0, errs.WrapMsg(ErrEmptyID, "deletion without identifier", "source", sourceID)
		}
		return p.deleteByOaiID(ctx, ds, oaiID)
	}

	docs, err := p.split(ds, payload)
	if err != nil {
		return 0, err
	}
	// startTime partitions this ingest from earlier writes: hierarchy members
	// not re-written during a multi-part ingest are presumed gone upstream.
	startTime := time.Now().UTC()
	mainID := ""
	count := 0
	for _, doc := range docs {
		id, err := p.storeOne(ctx, ds, oaiID, doc, mainID, startTime)
		if err != nil {
			return count, err
		}
		if mainID == "" {
			mainID = id
		}
		count++
	}
	if count > 1 && !ds.KeepMissingHierarchyMembers {
		removed, err := p.db.Record.UpdateMany(ctx,
			database.RecordFilter{MainID: mainID, Deleted: boolPtr(false), UpdatedBefore: startTime},
			map[string]any{"deleted": true, "update_needed": false, "updated": time.Now().UTC()}, nil)
		if err != nil {
			return count, err
		}
		if removed > 0 {
			log.ZDebug(ctx, "tombstoned vanished hierarchy members", "mainID", mainID, "count", removed)
		}
	}
	return count, nil
}

// deleteByOaiID soft-deletes every record the source filed under the OAI
// identifier, detaching each from its dedup group first.
func (p *Processor) deleteByOaiID(ctx context.Context, ds *config.DataSource, oaiID string) (int, error) {
	records, err := p.db.Record.Find(ctx, database.RecordFilter{SourceID: ds.ID, OaiID: oaiID}, 0)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	count := 0
	for _, rec := range records {
		if rec.Deleted {
			continue
		}
		if err := dedup.Detach(ctx, p.db, rec); err != nil {
			return count, err
		}
		err := p.db.Record.Update(ctx, rec.ID,
			map[string]any{"deleted": true, "update_needed": false, "updated": now}, nil)
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// deleteByID soft-deletes one record by its full id, detaching it from its
// dedup group first.
func (p *Processor) deleteByID(ctx context.Context, id string) error {
	rec, err := p.db.Record.Get(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil
		}
		return err
	}
	if rec.Deleted {
		return nil
	}
	if err := dedup.Detach(ctx, p.db, rec); err != nil {
		return err
	}
	return p.db.Record.Update(ctx, rec.ID,
		map[string]any{"deleted": true, "update_needed": false, "updated": time.Now().UTC()}, nil)
}

func (p *Processor) split(ds *config.DataSource, payload []byte) ([][]byte, error) {
	if ds.RecordSplitter == "" {
		return [][]byte{payload}, nil
	}
	if s, ok := p.splitters[ds.RecordSplitter]; ok {
		return s.Split(payload)
	}
	// Unregistered splitter names are treated as an element path.
	return record.Split(payload, ds.RecordSplitter)
}

func (p *Processor) storeOne(ctx context.Context, ds *config.DataSource, oaiID string, payload []byte, mainID string, now time.Time) (string, error) {
	if ds.PreTransformation != "" {
		t, ok := p.transformers[ds.PreTransformation]
		if !ok {
			return "", errs.New("unknown pre-transformation", "source", ds.ID, "name", ds.PreTransformation).Wrap()
		}
		var err error
		payload, err = t.Transform(payload)
		if err != nil {
			return "", err
		}
	}
	driver, err := record.New(ds.Format, payload, oaiID, ds.ID, ds.DriverParams)
	if err != nil {
		return "", err
	}
	original := driver.Serialize()
	if ds.Normalization != "" {
		t, ok := p.transformers[ds.Normalization]
		if !ok {
			return "", errs.New("unknown normalization", "source", ds.ID, "name", ds.Normalization).Wrap()
		}
		normalizedPayload, err := t.Transform(payload)
		if err != nil {
			return "", err
		}
		driver, err = record.New(ds.Format, normalizedPayload, oaiID, ds.ID, ds.DriverParams)
		if err != nil {
			return "", err
		}
	}
	driver.Normalize()
	normalized := driver.Serialize()
	if normalized == original {
		// No-op normalization is stored as empty; Data() falls back.
		normalized = ""
	}

	localID := driver.ID()
	if localID == "" {
		localID = oaiID
	}
	if localID == "" {
		return "", errs.WrapMsg(ErrEmptyID, "no identifier", "source", ds.ID)
	}
	id := ds.Prefix() + "." + localID

	existing, err := p.db.Record.Get(ctx, id)
	if err != nil && !database.IsNotFound(err) {
		return "", err
	}

	rec := &model.Record{
		ID:             id,
		SourceID:       ds.ID,
		OaiID:          oaiID,
		Format:         ds.Format,
		OriginalData:   original,
		NormalizedData: normalized,
		LinkingID:      driver.LinkingID(),
		HostRecordID:   driver.HostRecordID(),
		MainID:         mainID,
		Created:        now,
		Updated:        now,
		Date:           now,
	}
	if existing != nil {
		rec.Created = existing.Created
	}

	if err := p.wireDedup(ctx, ds, driver, existing, rec); err != nil {
		return "", err
	}
	if err := p.db.Record.Save(ctx, rec); err != nil {
		return "", err
	}
	return id, nil
}

// wireDedup sets the blocking keys and dirty bit of a record according to the
// source's dedup policy.
func (p *Processor) wireDedup(ctx context.Context, ds *config.DataSource, driver record.Driver, existing, rec *model.Record) error {
	if !ds.Dedup {
		rec.UpdateNeeded = false
		return nil
	}
	if rec.IsComponentPart() {
		// Component parts never join groups themselves; the host document
		// absorbs them, so it is the host that needs reindexing.
		_, err := p.db.Record.UpdateMany(ctx,
			database.RecordFilter{SourceID: ds.ID, LinkingID: rec.HostRecordID},
			map[string]any{"update_needed": true, "updated": time.Now().UTC()}, nil)
		return err
	}

	UpdateDedupCandidateKeys(rec, driver)
	changed := existing == nil ||
		existing.Deleted ||
		existing.Data() != rec.Data() ||
		!equalKeys(existing.TitleKeys, rec.TitleKeys) ||
		!equalKeys(existing.ISBNKeys, rec.ISBNKeys) ||
		!equalKeys(existing.IDKeys, rec.IDKeys)
	rec.UpdateNeeded = changed
	if existing != nil {
		// A changed record stays in its group until the dedup pass re-verifies
		// the membership.
		rec.DedupID = existing.DedupID
		if !changed {
			rec.UpdateNeeded = existing.UpdateNeeded
		}
	}
	return nil
}

// UpdateDedupCandidateKeys computes the blocking keys used for candidate
// search.
func UpdateDedupCandidateKeys(rec *model.Record, driver record.Driver) {
	rec.TitleKeys = nil
	if key := record.TitleKey(driver.Title(true)); key != "" {
		rec.TitleKeys = []string{key}
	}
	rec.ISBNKeys = uniqueKeys(driver.ISBNs())
	rec.IDKeys = nil
}

func uniqueKeys(values []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, v := range values {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func boolPtr(v bool) *bool { return &v }
