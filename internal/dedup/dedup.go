// Package dedup maintains the cross-source equivalence groups: candidate
// search over blocking keys, pairwise record matching and group membership
// upkeep.
package dedup

import (
	"context"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/biblioworks/recordmanager/pkg/common/config"
	"github.com/biblioworks/recordmanager/pkg/common/storage/controller"
	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
	"github.com/biblioworks/recordmanager/pkg/record"
)

const (
	// candidateLimit caps the candidates one blocking key may produce; keys
	// over the cap are too unspecific to be worth the pairwise comparisons.
	candidateLimit = 1000
	// tooManySize bounds the per-pass memory of overly common keys.
	tooManySize = 20000

	// titleCompareLength caps the title prefix entering the edit-distance
	// comparison.
	titleCompareLength = 255
	titleMaxErrorRate  = 0.10
	authorMaxErrorRate = 0.20
	yearTolerance      = 1
	pageTolerance      = 10
)

// Stats summarizes one dedup pass.
type Stats struct {
	Processed int
	Matched   int
	Detached  int
}

// Deduplicator runs dedup passes over dirty records.
type Deduplicator struct {
	db      *controller.RecordDatabase
	sources map[string]*config.DataSource
	tooMany *lru.Cache[string, struct{}]
}

func NewDeduplicator(db *controller.RecordDatabase, sources map[string]*config.DataSource) (*Deduplicator, error) {
	cache, err := lru.New[string, struct{}](tooManySize)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &Deduplicator{db: db, sources: sources, tooMany: cache}, nil
}

// Deduplicate processes every dirty record, optionally restricted to one
// source. The scan is restartable; a killed pass leaves the remaining dirty
// bits in place.
func (d *Deduplicator) Deduplicate(ctx context.Context, sourceID string) (*Stats, error) {
	stats := &Stats{}
	filter := database.RecordFilter{
		SourceID:     sourceID,
		Deleted:      boolPtr(false),
		UpdateNeeded: boolPtr(true),
		HostEmpty:    true,
	}
	err := d.db.Record.Iterate(ctx, filter, func(rec *model.Record) (bool, error) {
		ds, ok := d.sources[rec.SourceID]
		if !ok || !ds.Dedup {
			return true, nil
		}
		matched, err := d.deduplicateRecord(ctx, rec)
		if err != nil {
			return false, err
		}
		stats.Processed++
		if matched {
			stats.Matched++
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	log.ZInfo(ctx, "dedup pass complete", "source", sourceID,
		"processed", stats.Processed, "matched", stats.Matched, "detached", stats.Detached)
	return stats, nil
}

// MarkAllDirty queues every live record of a source (or of all sources when
// sourceID is empty) for the next dedup pass.
func (d *Deduplicator) MarkAllDirty(ctx context.Context, sourceID string) (int64, error) {
	n, err := d.db.Record.UpdateMany(ctx,
		database.RecordFilter{SourceID: sourceID, Deleted: boolPtr(false)},
		map[string]any{"update_needed": true}, nil)
	if err != nil {
		return 0, err
	}
	log.ZInfo(ctx, "records marked for dedup", "source", sourceID, "records", n)
	return n, nil
}

// deduplicateRecord finds a partner for one dirty record and updates group
// membership accordingly.
func (d *Deduplicator) deduplicateRecord(ctx context.Context, rec *model.Record) (bool, error) {
	driver, err := driverFor(rec)
	if err != nil {
		return false, err
	}
	candidate, err := d.findMatch(ctx, rec, driver)
	if err != nil {
		return false, err
	}
	if candidate == nil {
		if rec.DedupID != "" {
			if err := Detach(ctx, d.db, rec); err != nil {
				return false, err
			}
		}
		return false, d.clearDirty(ctx, rec.ID)
	}
	if rec.DedupID != "" && rec.DedupID != candidate.DedupID {
		if err := Detach(ctx, d.db, rec); err != nil {
			return false, err
		}
	}
	groupID, err := attach(ctx, d.db, rec, candidate)
	if err != nil {
		return false, err
	}
	rec.DedupID = groupID
	for _, id := range []string{rec.ID, candidate.ID} {
		if err := d.clearDirty(ctx, id); err != nil {
			return false, err
		}
	}
	if err := d.deduplicateComponents(ctx, rec, candidate); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Deduplicator) clearDirty(ctx context.Context, id string) error {
	return d.db.Record.Update(ctx, id, map[string]any{"update_needed": false}, nil)
}

// findMatch walks the record's blocking keys in priority order and returns
// the first candidate passing the pairwise match, preferring candidates whose
// group can accept the record.
func (d *Deduplicator) findMatch(ctx context.Context, rec *model.Record, driver record.Driver) (*model.Record, error) {
	keyFields := []struct {
		field string
		keys  []string
	}{
		{database.KeyFieldISBN, rec.ISBNKeys},
		{database.KeyFieldID, rec.IDKeys},
		{database.KeyFieldTitle, rec.TitleKeys},
	}
	for _, kf := range keyFields {
		for _, key := range kf.keys {
			cacheKey := kf.field + ":" + key
			if d.tooMany.Contains(cacheKey) {
				continue
			}
			candidates, err := d.db.Record.FindCandidates(ctx, kf.field, key, rec.SourceID, candidateLimit+1)
			if err != nil {
				return nil, err
			}
			if len(candidates) > candidateLimit {
				d.tooMany.Add(cacheKey, struct{}{})
				log.ZDebug(ctx, "blocking key over candidate cap, skipping", "field", kf.field, "key", key)
				continue
			}
			for _, candidate := range candidates {
				if candidate.ID == rec.ID {
					continue
				}
				ok, err := d.matches(ctx, driver, candidate)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				accepts, err := d.groupAccepts(ctx, rec, candidate)
				if err != nil {
					return nil, err
				}
				if accepts {
					return candidate, nil
				}
			}
		}
	}
	return nil, nil
}

// groupAccepts verifies the candidate's group holds no other record from the
// record's source.
func (d *Deduplicator) groupAccepts(ctx context.Context, rec, candidate *model.Record) (bool, error) {
	if candidate.DedupID == "" || candidate.DedupID == rec.DedupID {
		return true, nil
	}
	members, err := d.db.Record.Find(ctx, database.RecordFilter{
		DedupIDs: []string{candidate.DedupID},
		SourceID: rec.SourceID,
	}, 1)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.ID != rec.ID {
			return false, nil
		}
	}
	return true, nil
}

func (d *Deduplicator) matches(ctx context.Context, driver record.Driver, candidate *model.Record) (bool, error) {
	other, err := driverFor(candidate)
	if err != nil {
		// A candidate that no longer parses should not fail the whole pass.
		log.ZWarn(ctx, "candidate record unparseable", err, "id", candidate.ID)
		return false, nil
	}
	return Match(driver, other), nil
}

func driverFor(rec *model.Record) (record.Driver, error) {
	return record.New(rec.Format, []byte(rec.Data()), rec.OaiID, rec.SourceID, nil)
}

// Match applies the pairwise rules to two parsed records. A shared ISBN
// short-circuits to a match; otherwise every applicable check must pass.
func Match(a, b record.Driver) bool {
	if a.Format() != b.Format() {
		return false
	}
	isbnsA, isbnsB := a.ISBNs(), b.ISBNs()
	if intersects(isbnsA, isbnsB) {
		return true
	}
	if len(isbnsA) > 0 && len(isbnsB) > 0 {
		// Both claim ISBNs and none agree.
		return false
	}
	issnsA, issnsB := a.ISSNs(), b.ISSNs()
	if len(issnsA) > 0 && len(issnsB) > 0 && !intersects(issnsA, issnsB) {
		return false
	}
	if !withinInt(yearOf(a), yearOf(b), yearTolerance) {
		return false
	}
	if !withinInt(a.PageCount(), b.PageCount(), pageTolerance) {
		return false
	}
	if !equalWhenPresent(a.SeriesISSN(), b.SeriesISSN()) {
		return false
	}
	if !equalWhenPresent(a.SeriesNumbering(), b.SeriesNumbering()) {
		return false
	}
	titleA := foldedPrefix(a.Title(true), titleCompareLength)
	titleB := foldedPrefix(b.Title(true), titleCompareLength)
	if titleA == "" || titleB == "" {
		return false
	}
	if errorRate(titleA, titleB) >= titleMaxErrorRate {
		return false
	}
	return authorsCompatible(a.MainAuthor(), b.MainAuthor())
}

func yearOf(d record.Driver) int {
	year := d.PublicationYear()
	if len(year) != 4 {
		return 0
	}
	n := 0
	for i := 0; i < 4; i++ {
		n = n*10 + int(year[i]-'0')
	}
	return n
}

// withinInt compares two optional numbers; zero means absent and always
// passes.
func withinInt(a, b, tolerance int) bool {
	if a == 0 || b == 0 {
		return true
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func equalWhenPresent(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return a == b
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func foldedPrefix(s string, limit int) string {
	folded := record.FoldKey(s)
	if len(folded) > limit {
		folded = folded[:limit]
	}
	return folded
}

func errorRate(a, b string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	return float64(levenshtein.ComputeDistance(a, b)) / float64(longest)
}

// authorsCompatible accepts a surname-plus-initial agreement or a small
// overall edit distance. Absent authors are compatible with anything.
func authorsCompatible(a, b string) bool {
	fa, fb := record.FoldKey(a), record.FoldKey(b)
	if fa == "" || fb == "" {
		return true
	}
	if surnameInitialMatch(fa, fb) {
		return true
	}
	return errorRate(fa, fb) <= authorMaxErrorRate
}

// surnameInitialMatch compares the first word and the initial of the second
// word of folded "surname forename" strings.
func surnameInitialMatch(a, b string) bool {
	wa, wb := strings.Fields(a), strings.Fields(b)
	if len(wa) < 2 || len(wb) < 2 {
		return false
	}
	return wa[0] == wb[0] && wa[1][0] == wb[1][0]
}

func boolPtr(v bool) *bool { return &v }

// deduplicateComponents co-deduplicates the component parts of two hosts that
// were just grouped. Parts are ordered by the numeric suffix of their ids and
// grouped only when the full sequences align.
func (d *Deduplicator) deduplicateComponents(ctx context.Context, hostA, hostB *model.Record) error {
	partsA, err := d.componentParts(ctx, hostA)
	if err != nil {
		return err
	}
	partsB, err := d.componentParts(ctx, hostB)
	if err != nil {
		return err
	}
	if len(partsA) == 0 || len(partsA) != len(partsB) {
		return nil
	}
	type pair struct {
		a, b *model.Record
	}
	pairs := make([]pair, 0, len(partsA))
	for i := range partsA {
		left, err := driverFor(partsA[i])
		if err != nil {
			return nil
		}
		right, err := driverFor(partsB[i])
		if err != nil {
			return nil
		}
		if !Match(left, right) {
			// Partial alignment leaves all parts unduplicated.
			return nil
		}
		pairs = append(pairs, pair{a: partsA[i], b: partsB[i]})
	}
	for _, p := range pairs {
		if p.a.DedupID != "" && p.a.DedupID == p.b.DedupID {
			continue
		}
		if _, err := attach(ctx, d.db, p.a, p.b); err != nil {
			return err
		}
	}
	if len(pairs) > 0 {
		log.ZDebug(ctx, "component parts co-deduplicated", "hostA", hostA.ID, "hostB", hostB.ID, "pairs", len(pairs))
	}
	return nil
}

// componentParts loads the live parts of a host in numeric id-suffix order.
func (d *Deduplicator) componentParts(ctx context.Context, host *model.Record) ([]*model.Record, error) {
	if host.LinkingID == "" {
		return nil, nil
	}
	parts, err := d.db.Record.Find(ctx, database.RecordFilter{
		SourceID:     host.SourceID,
		HostRecordID: host.LinkingID,
		Deleted:      boolPtr(false),
	}, 0)
	if err != nil {
		return nil, err
	}
	sortByIDSuffix(parts)
	return parts, nil
}

func sortByIDSuffix(parts []*model.Record) {
	sort.SliceStable(parts, func(i, j int) bool {
		return idSuffix(parts[i].ID) < idSuffix(parts[j].ID)
	})
}

// idSuffix extracts the trailing number of an id for stable part ordering.
func idSuffix(id string) int {
	end := len(id)
	start := end
	for start > 0 && id[start-1] >= '0' && id[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0
	}
	n := 0
	for i := start; i < end; i++ {
		n = n*10 + int(id[i]-'0')
	}
	return n
}
