// Package harvest fetches metadata from remote sources incrementally and
// feeds every record through the ingestion callback. Harvest windows,
// resumption tokens and deletion sweeps are checkpointed in the state
// collection so interrupted runs resume instead of restarting.
package harvest

import (
	"context"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/biblioworks/recordmanager/internal/dedup"
	"github.com/biblioworks/recordmanager/pkg/common/config"
	"github.com/biblioworks/recordmanager/pkg/common/storage/controller"
	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
)

// DateFormat is the wire format of harvest windows and state checkpoints.
const DateFormat = "2006-01-02T15:04:05Z"

// StoreFunc receives one harvested record. A deleted record carries its
// source identifier and no payload.
type StoreFunc func(ctx context.Context, oaiID string, deleted bool, payload []byte) error

// Options narrow one harvest run.
type Options struct {
	From       time.Time
	Until      time.Time
	Resumption string
	// Reharvest forces a full fetch followed by a deletion sweep of records
	// not seen. Zero ReharvestDate means from the beginning of time.
	Reharvest     bool
	ReharvestDate time.Time
}

// Stats summarizes a completed run.
type Stats struct {
	Harvested int
	Deleted   int
}

// Harvester fetches one source.
type Harvester interface {
	Harvest(ctx context.Context, opts Options) (*Stats, error)
}

// New builds the harvester for a source's type.
func New(ds *config.DataSource, db *controller.RecordDatabase, client *Client, store StoreFunc) (Harvester, error) {
	base := base{ds: ds, db: db, client: client, store: store}
	switch ds.Type {
	case "oai-pmh":
		return &oaiHarvester{base: base}, nil
	case "sierra":
		return &sierraHarvester{base: base}, nil
	case "sfx", "metalib", "metalib_export":
		return &fullSetHarvester{base: base, local: ds.Type == "metalib_export"}, nil
	default:
		return nil, errs.New("unknown harvester type", "source", ds.ID, "type", ds.Type).Wrap()
	}
}

type base struct {
	ds     *config.DataSource
	db     *controller.RecordDatabase
	client *Client
	store  StoreFunc
}

// window resolves the from/until range of a run. from defaults to the last
// committed harvest date, until to now; both shift back by the configured
// safety offset to absorb clock skew at the source.
func (b *base) window(ctx context.Context, opts Options) (from, until time.Time, err error) {
	offset := time.Duration(b.ds.HarvestSafetyOffset) * time.Second
	from = opts.From
	if from.IsZero() && !opts.Reharvest {
		value, err := b.db.State.Get(ctx, controller.StateKey(controller.StateLastHarvestDate, b.ds.ID))
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if value != "" {
			from, err = time.Parse(DateFormat, value)
			if err != nil {
				return time.Time{}, time.Time{}, errs.WrapMsg(err, "bad harvest date state", "source", b.ds.ID, "value", value)
			}
			from = from.Add(-offset)
		}
	}
	if opts.Reharvest && !opts.ReharvestDate.IsZero() {
		from = opts.ReharvestDate
	}
	until = opts.Until
	if until.IsZero() {
		until = time.Now().UTC().Add(-offset)
	}
	return from, until, nil
}

// commit advances the harvest checkpoint. Only called on clean completion.
func (b *base) commit(ctx context.Context, until time.Time) error {
	return b.db.State.Set(ctx, controller.StateKey(controller.StateLastHarvestDate, b.ds.ID), until.UTC().Format(DateFormat))
}

// deletionsDue reports whether the mark-sweep interval has elapsed.
func (b *base) deletionsDue(ctx context.Context) (bool, error) {
	if b.ds.DeletionIntervalDays <= 0 {
		return true, nil
	}
	value, err := b.db.State.Get(ctx, controller.StateKey(controller.StateLastDeletionProcessing, b.ds.ID))
	if err != nil {
		return false, err
	}
	if value == "" {
		return true, nil
	}
	last, err := time.Parse(DateFormat, value)
	if err != nil {
		return true, nil
	}
	return time.Since(last) >= time.Duration(b.ds.DeletionIntervalDays)*24*time.Hour, nil
}

func (b *base) commitDeletions(ctx context.Context) error {
	return b.db.State.Set(ctx, controller.StateKey(controller.StateLastDeletionProcessing, b.ds.ID), time.Now().UTC().Format(DateFormat))
}

func boolPtr(v bool) *bool { return &v }

// clearMarks resets the transient mark flag on all live records of the
// source ahead of an identifier listing.
func (b *base) clearMarks(ctx context.Context) error {
	_, err := b.db.Record.UpdateMany(ctx,
		database.RecordFilter{SourceID: b.ds.ID, Deleted: boolPtr(false)},
		map[string]any{"mark": false}, nil)
	return err
}

// markSeen flags every record carrying the OAI identifier as present
// upstream.
func (b *base) markSeen(ctx context.Context, oaiID string) error {
	_, err := b.db.Record.UpdateMany(ctx,
		database.RecordFilter{SourceID: b.ds.ID, OaiID: oaiID},
		map[string]any{"mark": true}, nil)
	return err
}

// sweep soft-deletes every live record matching the filter. Each record is
// detached from its dedup group first, so groups left with a single live
// source dissolve and the surviving members get re-marked for deduplication.
func (b *base) sweep(ctx context.Context, filter database.RecordFilter) (int64, error) {
	records, err := b.db.Record.Find(ctx, filter, 0)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	var n int64
	for _, rec := range records {
		if err := dedup.Detach(ctx, b.db, rec); err != nil {
			return n, err
		}
		err := b.db.Record.Update(ctx, rec.ID,
			map[string]any{"deleted": true, "update_needed": false, "updated": now}, nil)
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// sweepUnmarked soft-deletes live records the identifier listing did not
// mention and returns how many were removed.
func (b *base) sweepUnmarked(ctx context.Context) (int64, error) {
	n, err := b.sweep(ctx,
		database.RecordFilter{SourceID: b.ds.ID, Deleted: boolPtr(false), Marked: boolPtr(false)})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.ZInfo(ctx, "deletion sweep removed records", "source", b.ds.ID, "count", n)
	}
	return n, nil
}

// sweepOlderThan soft-deletes live records last touched before the
// reharvest threshold. A zero-record harvest skips the sweep; wiping the
// source because the endpoint misbehaved once is worse than stale records.
func (b *base) sweepOlderThan(ctx context.Context, threshold time.Time, harvested int) (int64, error) {
	if harvested == 0 {
		log.ZWarn(ctx, "harvest returned no records, skipping deletion sweep", nil, "source", b.ds.ID)
		return 0, nil
	}
	n, err := b.sweep(ctx,
		database.RecordFilter{SourceID: b.ds.ID, Deleted: boolPtr(false), UpdatedBefore: threshold})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.ZInfo(ctx, "reharvest sweep removed records", "source", b.ds.ID, "count", n)
	}
	return n, nil
}
