package solrindex

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/biblioworks/recordmanager/internal/enrich"
	"github.com/biblioworks/recordmanager/pkg/common/config"
	"github.com/biblioworks/recordmanager/pkg/common/storage/controller"
	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
	"github.com/biblioworks/recordmanager/pkg/fieldmap"
	"github.com/biblioworks/recordmanager/pkg/tools/batcher"
)

// Updater drives the merge and index update pipeline.
type Updater struct {
	cfg          *config.Config
	sources      map[string]*config.DataSource
	db           *controller.RecordDatabase
	solr         *Client
	mapper       *fieldmap.FieldMapper
	enrichers    []enrich.Enricher
	transformers map[string]Transformer
}

func NewUpdater(cfg *config.Config, sources map[string]*config.DataSource, db *controller.RecordDatabase, solr *Client, mapper *fieldmap.FieldMapper, enrichers []enrich.Enricher) *Updater {
	return &Updater{cfg: cfg, sources: sources, db: db, solr: solr, mapper: mapper,
		enrichers: enrichers, transformers: make(map[string]Transformer)}
}

// Transformer rewrites a raw payload before document conversion. Sources
// configure one by name through solrTransformation.
type Transformer interface {
	Transform(data []byte) ([]byte, error)
}

// RegisterTransformer installs a named index-time transformation plugin.
func (u *Updater) RegisterTransformer(name string, t Transformer) {
	u.transformers[name] = t
}

// Options narrow one index update run.
type Options struct {
	FromDate time.Time
	SourceID string
	SingleID string
	NoCommit bool
	// Compare diffs candidate documents against the live index into a file
	// instead of posting them.
	Compare string
	// DumpPrefix writes batches as JSON files instead of posting them.
	DumpPrefix string
}

// UpdateIndex runs one update pass: queue construction (or reuse), merged
// document synthesis and buffered delivery. The index update checkpoint
// advances only on clean completion.
func (u *Updater) UpdateIndex(ctx context.Context, opts Options) error {
	if opts.SingleID != "" {
		return u.updateSingle(ctx, opts)
	}
	fromDate, err := u.resolveFromDate(ctx, opts)
	if err != nil {
		return err
	}
	lastRecordTime, err := u.db.Record.LastUpdated(ctx)
	if err != nil {
		return err
	}
	lastRecordTime = lastRecordTime.Truncate(time.Second)
	hash := u.paramHash(fromDate, opts.SourceID)

	queueName, err := u.db.Queue.Find(ctx, hash, lastRecordTime)
	if err != nil {
		return err
	}
	if queueName != "" {
		done, err := u.db.State.Get(ctx, controller.StateKey(controller.StateQueueProcessed, queueName))
		if err != nil {
			return err
		}
		if done != "" {
			// The previous run with these parameters delivered everything;
			// nothing changed since, so there is nothing to post.
			log.ZInfo(ctx, "update queue already processed", "queue", queueName)
			return nil
		}
		log.ZInfo(ctx, "reusing existing update queue", "queue", queueName)
	} else {
		queueName, err = u.buildQueue(ctx, hash, fromDate, lastRecordTime, opts.SourceID)
		if err != nil {
			return err
		}
	}

	run, err := u.newRun(opts)
	if err != nil {
		return err
	}
	err = u.db.Queue.Iterate(ctx, queueName, func(id string) (bool, error) {
		if err := u.processCanonical(ctx, run, id); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if err := run.finish(ctx); err != nil {
		return err
	}

	key := controller.StateKey(controller.StateLastIndexUpdate, opts.SourceID)
	if err := u.db.State.Set(ctx, key, lastRecordTime.UTC().Format(timestampFormat)); err != nil {
		return err
	}
	processedKey := controller.StateKey(controller.StateQueueProcessed, queueName)
	if err := u.db.State.Set(ctx, processedKey, lastRecordTime.UTC().Format(timestampFormat)); err != nil {
		return err
	}
	if err := u.db.Queue.CleanupOld(ctx, lastRecordTime); err != nil {
		log.ZWarn(ctx, "queue cleanup failed", err)
	}
	log.ZInfo(ctx, "index update complete", "queue", queueName,
		"indexed", run.indexed, "deleted", run.deleted)
	return nil
}

func (u *Updater) updateSingle(ctx context.Context, opts Options) error {
	run, err := u.newRun(opts)
	if err != nil {
		return err
	}
	if err := u.processCanonical(ctx, run, opts.SingleID); err != nil {
		return err
	}
	return run.finish(ctx)
}

func (u *Updater) resolveFromDate(ctx context.Context, opts Options) (time.Time, error) {
	if !opts.FromDate.IsZero() {
		return opts.FromDate, nil
	}
	key := controller.StateKey(controller.StateLastIndexUpdate, opts.SourceID)
	value, err := u.db.State.Get(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	if value == "" {
		return time.Time{}, nil
	}
	from, err := time.Parse(timestampFormat, value)
	if err != nil {
		return time.Time{}, errs.WrapMsg(err, "bad index update state", "value", value)
	}
	return from, nil
}

// paramHash identifies a queue: same parameters and config produce the same
// hash, so an interrupted run finds its queue again.
func (u *Updater) paramHash(fromDate time.Time, sourceID string) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s|%v", fromDate.UTC().Format(timestampFormat), sourceID,
		u.cfg.Solr.UpdateURL, u.cfg.Solr.MergeRecords)
	return hex.EncodeToString(h.Sum(nil))
}

// buildQueue scans for work and finalizes a queue of canonical ids: group
// ids for deduplicated records, record ids otherwise.
func (u *Updater) buildQueue(ctx context.Context, hash string, fromDate, lastRecordTime time.Time, sourceID string) (string, error) {
	tmpName, err := u.db.Queue.New(ctx, hash, fromDate, lastRecordTime)
	if err != nil {
		return "", err
	}
	groupIDs, err := u.db.Dedup.FindUpdatedSince(ctx, fromDate)
	if err != nil {
		return "", err
	}
	if len(groupIDs) > 0 {
		if err := u.db.Queue.Add(ctx, tmpName, groupIDs...); err != nil {
			return "", err
		}
	}
	filter := database.RecordFilter{
		SourceID:     sourceID,
		UpdatedAfter: fromDate,
		UpdateNeeded: boolPtr(false),
	}
	count := 0
	err = u.db.Record.Iterate(ctx, filter, func(rec *model.Record) (bool, error) {
		canonical := rec.ID
		if rec.DedupID != "" && u.cfg.Solr.MergeRecords {
			canonical = rec.DedupID
		}
		if err := u.db.Queue.Add(ctx, tmpName, canonical); err != nil {
			return false, err
		}
		count++
		return true, nil
	})
	if err != nil {
		return "", err
	}
	name, err := u.db.Queue.Finalize(ctx, tmpName)
	if err != nil {
		return "", err
	}
	log.ZInfo(ctx, "update queue built", "queue", name, "records", count, "changedGroups", len(groupIDs))
	return name, nil
}

// processCanonical indexes or deletes whatever one canonical id stands for.
func (u *Updater) processCanonical(ctx context.Context, run *updateRun, id string) error {
	group, err := u.db.Dedup.Get(ctx, id)
	if err != nil && !database.IsNotFound(err) {
		return err
	}
	if err == nil {
		return u.processGroup(ctx, run, group)
	}

	rec, err := u.db.Record.Get(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return run.delete(ctx, id)
		}
		return err
	}
	if rec.Deleted {
		return run.delete(ctx, rec.ID)
	}
	if u.partFoldedIntoHost(rec) {
		// The host's merged document carries this part's content; a
		// standalone document would duplicate it.
		return run.delete(ctx, rec.ID)
	}
	if rec.DedupID != "" && u.cfg.Solr.MergeRecords {
		// The record joined a group after the queue was built; the merged doc
		// covers it and the standalone doc must go.
		if err := run.delete(ctx, rec.ID); err != nil {
			return err
		}
		group, err := u.db.Dedup.Get(ctx, rec.DedupID)
		if err != nil {
			if database.IsNotFound(err) {
				return nil
			}
			return err
		}
		return u.processGroup(ctx, run, group)
	}
	doc, err := u.buildRecordDoc(ctx, rec)
	if err != nil {
		return err
	}
	return run.add(ctx, doc)
}

// partFoldedIntoHost reports whether a component part's content lives only in
// its host's merged document. Sources that merge parts can still request
// standalone part documents with indexMergedParts.
func (u *Updater) partFoldedIntoHost(rec *model.Record) bool {
	if !rec.IsComponentPart() {
		return false
	}
	ds := u.sources[rec.SourceID]
	if ds == nil {
		return false
	}
	policy := ds.ComponentParts
	return policy != "" && policy != "as_is" && !ds.IndexMergedParts
}

func (u *Updater) processGroup(ctx context.Context, run *updateRun, group *model.DedupGroup) error {
	if group.Deleted {
		return run.delete(ctx, group.ID)
	}
	members, err := u.db.Record.Find(ctx, database.RecordFilter{DedupIDs: []string{group.ID}}, 0)
	if err != nil {
		return err
	}
	var docs []map[string]any
	for _, member := range members {
		if member.Deleted {
			continue
		}
		doc, err := u.buildRecordDoc(ctx, member)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return run.delete(ctx, group.ID)
	}
	return run.add(ctx, mergeDocuments(group.ID, docs))
}

// Optimize asks Solr to merge index segments.
func (u *Updater) Optimize(ctx context.Context) error {
	return u.solr.Optimize(ctx)
}

// Preview builds the index document of one record without delivering it.
func (u *Updater) Preview(ctx context.Context, id string) (map[string]any, error) {
	rec, err := u.db.Record.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return u.buildRecordDoc(ctx, rec)
}

// updateRun owns the delivery buffers and commit cadence of one pass.
type updateRun struct {
	updater *Updater
	opts    Options
	batch   *batcher.Batcher[map[string]any]

	ctx          context.Context
	indexed      int
	deleted      int
	sinceCommit  int
	dumpSequence int
	compareFile  *os.File
}

func (u *Updater) newRun(opts Options) (*updateRun, error) {
	run := &updateRun{updater: u, opts: opts}
	var err error
	run.batch, err = batcher.New[map[string]any](run.flush,
		batcher.WithMaxItems(u.cfg.Solr.MaxUpdateRecords),
		batcher.WithMaxBytes(u.cfg.Solr.MaxUpdateSize*1024))
	if err != nil {
		return nil, err
	}
	if opts.Compare != "" {
		run.compareFile, err = os.OpenFile(opts.Compare, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errs.WrapMsg(err, "open compare file failed", "file", opts.Compare)
		}
	}
	return run, nil
}

func (r *updateRun) add(ctx context.Context, doc map[string]any) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return errs.Wrap(err)
	}
	r.ctx = ctx
	if err := r.batch.Add(doc, len(encoded)); err != nil {
		return err
	}
	r.indexed++
	r.sinceCommit++
	if interval := r.updater.cfg.Solr.MaxCommitInterval; interval > 0 && r.sinceCommit >= interval {
		if err := r.batch.Close(); err != nil {
			return err
		}
		if err := r.commit(ctx); err != nil {
			return err
		}
		r.sinceCommit = 0
	}
	return nil
}

func (r *updateRun) delete(ctx context.Context, id string) error {
	r.deleted++
	if r.opts.Compare != "" || r.opts.DumpPrefix != "" {
		return nil
	}
	return r.updater.solr.Delete(ctx, []string{id})
}

func (r *updateRun) commit(ctx context.Context) error {
	if r.opts.NoCommit || r.opts.Compare != "" || r.opts.DumpPrefix != "" {
		return nil
	}
	return r.updater.solr.Commit(ctx)
}

func (r *updateRun) flush(docs []map[string]any) error {
	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	switch {
	case r.opts.DumpPrefix != "":
		return r.dump(docs)
	case r.opts.Compare != "":
		return r.compare(ctx, docs)
	default:
		return r.updater.solr.AddDocuments(ctx, docs)
	}
}

func (r *updateRun) finish(ctx context.Context) error {
	if err := r.batch.Close(); err != nil {
		return err
	}
	if r.compareFile != nil {
		if err := r.compareFile.Close(); err != nil {
			return errs.Wrap(err)
		}
	}
	return r.commit(ctx)
}

func (r *updateRun) dump(docs []map[string]any) error {
	r.dumpSequence++
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return errs.Wrap(err)
	}
	path := fmt.Sprintf("%s-%04d.json", r.opts.DumpPrefix, r.dumpSequence)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.WrapMsg(err, "write dump failed", "file", path)
	}
	return nil
}

// compare writes field-level differences between the candidate documents and
// the live index instead of posting.
func (r *updateRun) compare(ctx context.Context, docs []map[string]any) error {
	for _, doc := range docs {
		id, _ := doc["id"].(string)
		existing, err := r.updater.solr.GetDocument(ctx, id)
		if err != nil {
			return err
		}
		diffs := diffDocuments(existing, doc)
		if len(diffs) == 0 {
			continue
		}
		fmt.Fprintf(r.compareFile, "%s:\n", id)
		for _, d := range diffs {
			fmt.Fprintf(r.compareFile, "  %s\n", d)
		}
	}
	return nil
}

// diffDocuments reports per-field changes, ignoring the volatile timestamp
// fields.
func diffDocuments(existing, candidate map[string]any) []string {
	skip := map[string]struct{}{"first_indexed": {}, "last_indexed": {}, "_version_": {}}
	keys := map[string]struct{}{}
	for k := range existing {
		keys[k] = struct{}{}
	}
	for k := range candidate {
		keys[k] = struct{}{}
	}
	var names []string
	for k := range keys {
		if _, ok := skip[k]; !ok {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	var diffs []string
	for _, k := range names {
		was := renderValue(existing[k])
		now := renderValue(candidate[k])
		if was != now {
			diffs = append(diffs, fmt.Sprintf("%s: %q -> %q", k, was, now))
		}
	}
	return diffs
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, "|")
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, fmt.Sprint(e))
		}
		return strings.Join(parts, "|")
	default:
		return fmt.Sprint(t)
	}
}

// DeleteDataSource removes every document of a source from the index. With
// merging enabled, merged documents the source participated in are rebuilt
// first so the vanished members drop out.
func (u *Updater) DeleteDataSource(ctx context.Context, sourceID string) error {
	ds, ok := u.sources[sourceID]
	if !ok {
		return errs.New("unknown data source", "source", sourceID).Wrap()
	}
	if u.cfg.Solr.MergeRecords {
		run, err := u.newRun(Options{})
		if err != nil {
			return err
		}
		groupIDs := map[string]struct{}{}
		err = u.db.Record.Iterate(ctx, database.RecordFilter{SourceID: sourceID}, func(rec *model.Record) (bool, error) {
			if rec.DedupID != "" {
				groupIDs[rec.DedupID] = struct{}{}
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		for groupID := range groupIDs {
			if err := u.rebuildGroupWithout(ctx, run, groupID, sourceID); err != nil {
				return err
			}
		}
		if err := run.finish(ctx); err != nil {
			return err
		}
	}
	if err := u.solr.DeleteByQuery(ctx, "id:"+escapeQuery(ds.Prefix())+".*"); err != nil {
		return err
	}
	return u.solr.Commit(ctx)
}

// rebuildGroupWithout re-emits a merged document excluding one source's
// members, or deletes it when too few members remain.
func (u *Updater) rebuildGroupWithout(ctx context.Context, run *updateRun, groupID, sourceID string) error {
	group, err := u.db.Dedup.Get(ctx, groupID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil
		}
		return err
	}
	members, err := u.db.Record.Find(ctx, database.RecordFilter{DedupIDs: []string{groupID}}, 0)
	if err != nil {
		return err
	}
	var docs []map[string]any
	sources := map[string]struct{}{}
	for _, member := range members {
		if member.Deleted || member.SourceID == sourceID {
			continue
		}
		doc, err := u.buildRecordDoc(ctx, member)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
		sources[member.SourceID] = struct{}{}
	}
	if len(sources) < 2 {
		// The group no longer merges anything; survivors go back to
		// standalone documents.
		if err := run.delete(ctx, group.ID); err != nil {
			return err
		}
		for _, doc := range docs {
			if err := run.add(ctx, doc); err != nil {
				return err
			}
		}
		return nil
	}
	return run.add(ctx, mergeDocuments(group.ID, docs))
}

// escapeQuery escapes Solr query metacharacters in a literal prefix.
func escapeQuery(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`+-&|!(){}[]^"~*?:\/`, r) || r == ' ' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
