package harvest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/biblioworks/recordmanager/internal/dedup"
	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
	"github.com/biblioworks/recordmanager/pkg/record"
)

// fullSetHarvester handles sources that only publish their complete set (SFX
// and MetaLib exports). Every run fetches everything, diffs against the
// store, ingests new and changed records and soft-deletes the vanished ones.
type fullSetHarvester struct {
	base
	// local sources read export files from disk; the url is a glob.
	local bool
}

func (h *fullSetHarvester) Harvest(ctx context.Context, opts Options) (*Stats, error) {
	payloads, err := h.fetch(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{}
	seen := make(map[string]struct{})
	unchanged := 0
	for _, payload := range payloads {
		docs, err := record.Split(payload, h.ds.RecordXPath)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			driver, err := record.New(h.ds.Format, doc, "", h.ds.ID, h.ds.DriverParams)
			if err != nil {
				return nil, err
			}
			localID := driver.ID()
			if localID == "" {
				return nil, errs.New("record without identifier", "source", h.ds.ID).Wrap()
			}
			id := h.ds.Prefix() + "." + localID
			seen[id] = struct{}{}
			changed, err := h.changed(ctx, id, driver)
			if err != nil {
				return nil, err
			}
			if !changed {
				unchanged++
				continue
			}
			if err := h.store(ctx, localID, false, doc); err != nil {
				return nil, err
			}
			stats.Harvested++
		}
	}
	if len(seen) == 0 {
		log.ZWarn(ctx, "full set harvest returned no records, skipping diff", nil, "source", h.ds.ID)
		return stats, nil
	}
	removed, err := h.deleteMissing(ctx, seen)
	if err != nil {
		return nil, err
	}
	stats.Deleted = int(removed)
	if err := h.commit(ctx, time.Now().UTC()); err != nil {
		return nil, err
	}
	log.ZInfo(ctx, "full set harvest complete", "source", h.ds.ID,
		"harvested", stats.Harvested, "unchanged", unchanged, "deleted", stats.Deleted)
	return stats, nil
}

func (h *fullSetHarvester) fetch(ctx context.Context) ([][]byte, error) {
	if !h.local {
		data, err := h.client.Get(ctx, h.ds.URL, nil)
		if err != nil {
			return nil, err
		}
		return [][]byte{data}, nil
	}
	matches, err := filepath.Glob(h.ds.URL)
	if err != nil {
		return nil, errs.WrapMsg(err, "bad export glob", "source", h.ds.ID, "glob", h.ds.URL)
	}
	if len(matches) == 0 {
		return nil, errs.New("no export files", "source", h.ds.ID, "glob", h.ds.URL).Wrap()
	}
	sort.Strings(matches)
	out := make([][]byte, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.WrapMsg(err, "read export failed", "file", path)
		}
		out = append(out, data)
	}
	return out, nil
}

// changed compares the harvested payload against the stored one by canonical
// serialization, so whitespace and element-order noise does not force a
// re-ingest.
func (h *fullSetHarvester) changed(ctx context.Context, id string, driver record.Driver) (bool, error) {
	existing, err := h.db.Record.Get(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	if existing.Deleted {
		return true, nil
	}
	return existing.OriginalData != driver.Serialize(), nil
}

// deleteMissing soft-deletes live records of the source absent from the
// harvested set, detaching each from its dedup group first.
func (h *fullSetHarvester) deleteMissing(ctx context.Context, seen map[string]struct{}) (int64, error) {
	var removed int64
	now := time.Now().UTC()
	err := h.db.Record.Iterate(ctx, database.RecordFilter{SourceID: h.ds.ID, Deleted: boolPtr(false)},
		func(rec *model.Record) (bool, error) {
			if _, ok := seen[rec.ID]; ok {
				return true, nil
			}
			if err := dedup.Detach(ctx, h.db, rec); err != nil {
				return false, err
			}
			err := h.db.Record.Update(ctx, rec.ID,
				map[string]any{"deleted": true, "update_needed": false, "updated": now}, nil)
			if err != nil {
				return false, err
			}
			removed++
			return true, nil
		})
	return removed, err
}
