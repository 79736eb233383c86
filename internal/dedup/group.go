package dedup

import (
	"context"
	"time"

	"github.com/openimsdk/tools/log"

	"github.com/biblioworks/recordmanager/pkg/common/storage/controller"
	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
)

// Detach removes a record from its dedup group. A group left with members
// from fewer than two distinct sources is dissolved and the survivors are
// marked for reindexing.
func Detach(ctx context.Context, db *controller.RecordDatabase, rec *model.Record) error {
	if rec.DedupID == "" {
		return nil
	}
	groupID := rec.DedupID
	rec.DedupID = ""
	if err := db.Record.Update(ctx, rec.ID, nil, []string{"dedup_id"}); err != nil {
		return err
	}
	group, err := db.Dedup.RemoveRecord(ctx, groupID, rec.ID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil
		}
		return err
	}
	return dissolveIfDegenerate(ctx, db, group)
}

// dissolveIfDegenerate checks the two-distinct-sources group invariant and
// dissolves groups that no longer satisfy it.
func dissolveIfDegenerate(ctx context.Context, db *controller.RecordDatabase, group *model.DedupGroup) error {
	if group.Deleted {
		return nil
	}
	members, err := db.Record.Find(ctx, database.RecordFilter{DedupIDs: []string{group.ID}}, 0)
	if err != nil {
		return err
	}
	sources := map[string]struct{}{}
	for _, m := range members {
		if !m.Deleted {
			sources[m.SourceID] = struct{}{}
		}
	}
	if len(sources) >= 2 {
		return nil
	}
	if err := db.Dedup.MarkDeleted(ctx, group.ID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, m := range members {
		err := db.Record.Update(ctx, m.ID,
			map[string]any{"update_needed": !m.Deleted, "updated": now}, []string{"dedup_id"})
		if err != nil {
			return err
		}
	}
	log.ZDebug(ctx, "dissolved degenerate dedup group", "groupID", group.ID, "members", len(members))
	return nil
}

// attach joins a record to an existing group, or creates a new group over
// both records when the candidate is ungrouped.
func attach(ctx context.Context, db *controller.RecordDatabase, rec, candidate *model.Record) (string, error) {
	if candidate.DedupID != "" {
		if rec.DedupID == candidate.DedupID {
			return rec.DedupID, nil
		}
		group, err := db.Dedup.AddRecord(ctx, candidate.DedupID, rec.ID)
		if err != nil {
			return "", err
		}
		if err := db.Record.Update(ctx, rec.ID, map[string]any{"dedup_id": group.ID}, nil); err != nil {
			return "", err
		}
		return group.ID, nil
	}
	group, err := db.Dedup.Create(ctx, []string{rec.ID, candidate.ID})
	if err != nil {
		return "", err
	}
	for _, id := range []string{rec.ID, candidate.ID} {
		if err := db.Record.Update(ctx, id, map[string]any{"dedup_id": group.ID}, nil); err != nil {
			return "", err
		}
	}
	return group.ID, nil
}

// CheckStats summarizes a consistency check run.
type CheckStats struct {
	Groups          int
	RemovedMembers  int
	DissolvedGroups int
	ClearedRecords  int
}

// ConsistencyCheck walks every group and repairs membership drift: stale ids
// are removed, degenerate groups dissolved and orphaned records cleared.
func ConsistencyCheck(ctx context.Context, db *controller.RecordDatabase) (*CheckStats, error) {
	stats := &CheckStats{}
	err := db.Dedup.Iterate(ctx, func(group *model.DedupGroup) (bool, error) {
		stats.Groups++
		if group.Deleted {
			return true, nil
		}
		current := group
		removed := 0
		for _, id := range group.IDs {
			rec, err := db.Record.Get(ctx, id)
			stale := false
			switch {
			case err != nil && database.IsNotFound(err):
				stale = true
			case err != nil:
				return false, err
			case rec.Deleted || rec.DedupID != group.ID:
				stale = true
			}
			if !stale {
				continue
			}
			log.ZWarn(ctx, "removing stale dedup member", nil, "groupID", group.ID, "recordID", id)
			current, err = db.Dedup.RemoveRecord(ctx, group.ID, id)
			if err != nil {
				return false, err
			}
			removed++
		}
		stats.RemovedMembers += removed
		if removed > 0 && current != nil {
			if err := dissolveIfDegenerate(ctx, db, current); err != nil {
				return false, err
			}
			if currentDissolved(ctx, db, current.ID) {
				stats.DissolvedGroups++
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	// Orphan pass: records pointing at missing, deleted or disowning groups.
	err = db.Record.Iterate(ctx, database.RecordFilter{}, func(rec *model.Record) (bool, error) {
		if rec.DedupID == "" {
			return true, nil
		}
		group, err := db.Dedup.Get(ctx, rec.DedupID)
		orphan := false
		switch {
		case err != nil && database.IsNotFound(err):
			orphan = true
		case err != nil:
			return false, err
		case group.Deleted || !group.Has(rec.ID):
			orphan = true
		}
		if !orphan {
			return true, nil
		}
		log.ZWarn(ctx, "clearing orphaned dedup reference", nil, "recordID", rec.ID, "groupID", rec.DedupID)
		err = db.Record.Update(ctx, rec.ID,
			map[string]any{"update_needed": !rec.Deleted, "updated": time.Now().UTC()}, []string{"dedup_id"})
		if err != nil {
			return false, err
		}
		stats.ClearedRecords++
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func currentDissolved(ctx context.Context, db *controller.RecordDatabase, groupID string) bool {
	group, err := db.Dedup.Get(ctx, groupID)
	return err == nil && group.Deleted
}
