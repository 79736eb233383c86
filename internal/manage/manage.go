// Package manage implements the maintenance operations: renormalization,
// bulk deletion and record inspection.
package manage

import (
	"context"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/biblioworks/recordmanager/internal/dedup"
	"github.com/biblioworks/recordmanager/internal/ingest"
	"github.com/biblioworks/recordmanager/pkg/common/config"
	"github.com/biblioworks/recordmanager/pkg/common/storage/controller"
	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
	"github.com/biblioworks/recordmanager/pkg/record"
)

type Manager struct {
	db      *controller.RecordDatabase
	sources map[string]*config.DataSource
}

func New(db *controller.RecordDatabase, sources map[string]*config.DataSource) *Manager {
	return &Manager{db: db, sources: sources}
}

// Renormalize re-runs normalization and blocking-key derivation over stored
// original payloads. Records whose keys change become dirty for the next
// dedup pass.
func (m *Manager) Renormalize(ctx context.Context, sourceID, singleID string) (int, error) {
	count := 0
	renorm := func(rec *model.Record) (bool, error) {
		ds, ok := m.sources[rec.SourceID]
		if !ok {
			return true, nil
		}
		changed, err := m.renormalizeOne(ctx, ds, rec)
		if err != nil {
			return false, err
		}
		if changed {
			count++
		}
		return true, nil
	}
	if singleID != "" {
		rec, err := m.db.Record.Get(ctx, singleID)
		if err != nil {
			return 0, err
		}
		_, err = renorm(rec)
		return count, err
	}
	filter := database.RecordFilter{SourceID: sourceID, Deleted: boolPtr(false)}
	if err := m.db.Record.Iterate(ctx, filter, renorm); err != nil {
		return count, err
	}
	log.ZInfo(ctx, "renormalization complete", "source", sourceID, "changed", count)
	return count, nil
}

func (m *Manager) renormalizeOne(ctx context.Context, ds *config.DataSource, rec *model.Record) (bool, error) {
	driver, err := record.New(rec.Format, []byte(rec.OriginalData), rec.OaiID, rec.SourceID, ds.DriverParams)
	if err != nil {
		return false, err
	}
	driver.Normalize()
	normalized := driver.Serialize()
	if normalized == rec.OriginalData {
		normalized = ""
	}
	set := map[string]any{"normalized_data": normalized}
	dirty := normalized != rec.NormalizedData
	if ds.Dedup && !rec.IsComponentPart() {
		updated := *rec
		ingest.UpdateDedupCandidateKeys(&updated, driver)
		set["title_keys"] = updated.TitleKeys
		set["isbn_keys"] = updated.ISBNKeys
		set["id_keys"] = updated.IDKeys
		if !equalKeys(updated.TitleKeys, rec.TitleKeys) || !equalKeys(updated.ISBNKeys, rec.ISBNKeys) {
			dirty = true
		}
	}
	if !dirty {
		return false, nil
	}
	set["update_needed"] = ds.Dedup && !rec.IsComponentPart()
	set["updated"] = time.Now().UTC()
	return true, m.db.Record.Update(ctx, rec.ID, set, nil)
}

// MarkDeleted soft-deletes every record of a source and forgets its harvest
// checkpoints. The records stay in the store so the index update can clean
// up after them.
func (m *Manager) MarkDeleted(ctx context.Context, sourceID string) (int, error) {
	if _, ok := m.sources[sourceID]; !ok {
		return 0, errs.New("unknown data source", "source", sourceID).Wrap()
	}
	now := time.Now().UTC()
	count := 0
	err := m.db.Record.Iterate(ctx, database.RecordFilter{SourceID: sourceID, Deleted: boolPtr(false)},
		func(rec *model.Record) (bool, error) {
			if err := dedup.Detach(ctx, m.db, rec); err != nil {
				return false, err
			}
			err := m.db.Record.Update(ctx, rec.ID,
				map[string]any{"deleted": true, "update_needed": false, "updated": now}, nil)
			if err != nil {
				return false, err
			}
			count++
			return true, nil
		})
	if err != nil {
		return count, err
	}
	if err := m.forgetSource(ctx, sourceID); err != nil {
		return count, err
	}
	log.ZInfo(ctx, "source marked deleted", "source", sourceID, "records", count)
	return count, nil
}

// DeleteRecords removes a source's records from the store entirely.
func (m *Manager) DeleteRecords(ctx context.Context, sourceID string) (int, error) {
	if _, ok := m.sources[sourceID]; !ok {
		return 0, errs.New("unknown data source", "source", sourceID).Wrap()
	}
	count := 0
	err := m.db.Record.Iterate(ctx, database.RecordFilter{SourceID: sourceID},
		func(rec *model.Record) (bool, error) {
			if err := dedup.Detach(ctx, m.db, rec); err != nil {
				return false, err
			}
			if err := m.db.Record.Delete(ctx, rec.ID); err != nil {
				return false, err
			}
			count++
			return true, nil
		})
	if err != nil {
		return count, err
	}
	if err := m.forgetSource(ctx, sourceID); err != nil {
		return count, err
	}
	log.ZInfo(ctx, "source records deleted", "source", sourceID, "records", count)
	return count, nil
}

func (m *Manager) forgetSource(ctx context.Context, sourceID string) error {
	for _, template := range []string{
		controller.StateLastHarvestDate,
		controller.StateLastDeletionProcessing,
		controller.StateResumptionToken,
	} {
		if err := m.db.State.Delete(ctx, controller.StateKey(template, sourceID)); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of records matching a source and deletion state.
func (m *Manager) Count(ctx context.Context, sourceID string, deleted *bool) (int64, error) {
	return m.db.Record.Count(ctx, database.RecordFilter{SourceID: sourceID, Deleted: deleted})
}

// Dump returns the stored payload of one record.
func (m *Manager) Dump(ctx context.Context, id string) (*model.Record, error) {
	return m.db.Record.Get(ctx, id)
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
