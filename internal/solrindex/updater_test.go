package solrindex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biblioworks/recordmanager/internal/harvest"
	"github.com/biblioworks/recordmanager/internal/storagetest"
	"github.com/biblioworks/recordmanager/pkg/common/config"
	"github.com/biblioworks/recordmanager/pkg/common/storage/controller"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
)

// fakeSolr captures everything posted to the update handler.
type fakeSolr struct {
	mu            sync.Mutex
	added         []map[string]any
	deletedIDs    []string
	deleteQueries []string
	commits       int
	srv           *httptest.Server
}

func newFakeSolr(t *testing.T) *fakeSolr {
	t.Helper()
	f := &fakeSolr{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/select") {
			fmt.Fprint(w, `{"response":{"docs":[]}}`)
			return
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		f.mu.Lock()
		defer f.mu.Unlock()
		if strings.HasPrefix(strings.TrimSpace(string(body)), "[") {
			var docs []map[string]any
			require.NoError(t, json.Unmarshal(body, &docs))
			f.added = append(f.added, docs...)
		} else {
			var msg map[string]any
			require.NoError(t, json.Unmarshal(body, &msg))
			switch {
			case msg["delete"] != nil:
				switch d := msg["delete"].(type) {
				case []any:
					for _, id := range d {
						f.deletedIDs = append(f.deletedIDs, id.(string))
					}
				case map[string]any:
					f.deleteQueries = append(f.deleteQueries, d["query"].(string))
				}
			case msg["commit"] != nil:
				f.commits++
			}
		}
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSolr) doc(id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.added {
		if d["id"] == id {
			return d
		}
	}
	return nil
}

func testUpdater(db *controller.RecordDatabase, solr *fakeSolr, sources map[string]*config.DataSource, merge bool) *Updater {
	cfg := &config.Config{
		Site: config.Site{Institution: "TestInst"},
		Solr: config.Solr{
			UpdateURL:         solr.srv.URL + "/solr/biblio/update",
			MaxUpdateRecords:  1000,
			MaxUpdateSize:     1024,
			MaxCommitInterval: 50000,
			MergeRecords:      merge,
		},
	}
	httpClient := harvest.NewClient(config.HTTP{MaxTries: 1, Timeout: 5})
	return NewUpdater(cfg, sources, db, NewClient(cfg.Solr, httpClient), nil, nil)
}

func marcData(localID, title, isbn string) string {
	data := fmt.Sprintf(`<record><leader>00000cam a22000004i 4500</leader>
<controlfield tag="001">%s</controlfield>`, localID)
	if isbn != "" {
		data += fmt.Sprintf(`<datafield tag="020" ind1=" " ind2=" "><subfield code="a">%s</subfield></datafield>`, isbn)
	}
	data += fmt.Sprintf(`<datafield tag="245" ind1="1" ind2="0"><subfield code="a">%s</subfield></datafield>`, title)
	return data + "</record>"
}

func cleanRecord(source, localID, title, isbn string, updated time.Time) *model.Record {
	return &model.Record{
		ID:           source + "." + localID,
		SourceID:     source,
		Format:       "marc",
		OriginalData: marcData(localID, title, isbn),
		LinkingID:    localID,
		Created:      updated,
		Updated:      updated,
	}
}

func testSources(ids ...string) map[string]*config.DataSource {
	out := map[string]*config.DataSource{}
	for _, id := range ids {
		out[id] = &config.DataSource{ID: id, Format: "marc"}
	}
	return out
}

func TestUpdateIndexStandalone(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	solr := newFakeSolr(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.Record.Save(ctx, cleanRecord("src", "1", "A Title", "", now)))

	u := testUpdater(db, solr, testSources("src"), false)
	require.NoError(t, u.UpdateIndex(ctx, Options{}))

	doc := solr.doc("src.1")
	require.NotNil(t, doc)
	assert.Equal(t, "src.1", doc["record_id"])
	assert.Equal(t, "marc", doc["recordtype"])
	assert.Equal(t, "TestInst", doc["institution"])
	assert.Equal(t, "A Title", doc["title"])
	assert.NotEmpty(t, doc["first_indexed"])
	assert.Equal(t, 1, solr.commits)

	// checkpoint advanced to the newest record time
	state, err := db.State.Get(ctx, controller.StateKey(controller.StateLastIndexUpdate, ""))
	require.NoError(t, err)
	assert.Equal(t, now.Format(timestampFormat), state)
}

func TestUpdateIndexDeletedRecord(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	solr := newFakeSolr(t)
	now := time.Now().UTC().Truncate(time.Second)
	rec := cleanRecord("src", "1", "Gone", "", now)
	rec.Deleted = true
	require.NoError(t, db.Record.Save(ctx, rec))

	u := testUpdater(db, solr, testSources("src"), false)
	require.NoError(t, u.UpdateIndex(ctx, Options{}))

	assert.Empty(t, solr.added)
	assert.Equal(t, []string{"src.1"}, solr.deletedIDs)
}

func TestUpdateIndexMergedGroup(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	solr := newFakeSolr(t)
	now := time.Now().UTC().Truncate(time.Second)

	a := cleanRecord("alpha", "1", "Shared Work", "951-0-39623-0", now)
	b := cleanRecord("beta", "2", "Shared Work", "", now)
	group, err := db.Dedup.Create(ctx, []string{a.ID, b.ID})
	require.NoError(t, err)
	a.DedupID = group.ID
	b.DedupID = group.ID
	require.NoError(t, db.Record.Save(ctx, a))
	require.NoError(t, db.Record.Save(ctx, b))

	u := testUpdater(db, solr, testSources("alpha", "beta"), true)
	require.NoError(t, u.UpdateIndex(ctx, Options{}))

	merged := solr.doc(group.ID)
	require.NotNil(t, merged)
	assert.Equal(t, true, merged["merged_boolean"])
	assert.ElementsMatch(t, []any{"alpha.1", "beta.2"}, merged["local_ids_str_mv"])
	assert.Equal(t, []any{"9789510396230"}, merged["isbn"])
	// member records do not get standalone documents
	assert.Nil(t, solr.doc("alpha.1"))
	assert.Nil(t, solr.doc("beta.2"))
}

func TestUpdateIndexReusesInterruptedQueue(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	solr := newFakeSolr(t)
	now := time.Now().UTC().Truncate(time.Second)
	fromDate := now.Add(-time.Hour)

	scanned := cleanRecord("src", "1", "Scanned", "", now)
	queued := cleanRecord("src", "2", "Queued", "", now)
	require.NoError(t, db.Record.Save(ctx, scanned))
	require.NoError(t, db.Record.Save(ctx, queued))
	require.NoError(t, db.State.Set(ctx,
		controller.StateKey(controller.StateLastIndexUpdate, ""),
		fromDate.Format(timestampFormat)))

	u := testUpdater(db, solr, testSources("src"), false)

	// a finalized queue from an interrupted run holding only src.2
	hash := u.paramHash(fromDate, "")
	tmp, err := db.Queue.New(ctx, hash, fromDate, now)
	require.NoError(t, err)
	require.NoError(t, db.Queue.Add(ctx, tmp, "src.2"))
	_, err = db.Queue.Finalize(ctx, tmp)
	require.NoError(t, err)

	require.NoError(t, u.UpdateIndex(ctx, Options{}))

	// the prebuilt queue was reused instead of rescanning
	assert.Nil(t, solr.doc("src.1"))
	assert.NotNil(t, solr.doc("src.2"))
}

func TestUpdateIndexCompletedRunAddsNothing(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	solr := newFakeSolr(t)
	now := time.Now().UTC().Truncate(time.Second)
	fromDate := now.Add(-time.Hour)
	require.NoError(t, db.Record.Save(ctx, cleanRecord("src", "1", "One", "", now)))
	require.NoError(t, db.Record.Save(ctx, cleanRecord("src", "2", "Two", "", now)))

	u := testUpdater(db, solr, testSources("src"), false)
	require.NoError(t, u.UpdateIndex(ctx, Options{FromDate: fromDate}))
	require.Len(t, solr.added, 2)

	// a second run with the same parameters and no new records finds the
	// processed queue and posts nothing
	require.NoError(t, u.UpdateIndex(ctx, Options{FromDate: fromDate}))
	assert.Len(t, solr.added, 2)
	assert.Empty(t, solr.deletedIDs)
}

type retitleTransformer struct{}

func (retitleTransformer) Transform(data []byte) ([]byte, error) {
	return []byte(strings.ReplaceAll(string(data), "Plain", "Changed")), nil
}

func TestUpdateIndexSolrTransformation(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	solr := newFakeSolr(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.Record.Save(ctx, cleanRecord("src", "1", "Plain Title", "", now)))

	sources := testSources("src")
	sources["src"].SolrTransformation = "retitle"
	u := testUpdater(db, solr, sources, false)
	u.RegisterTransformer("retitle", retitleTransformer{})
	require.NoError(t, u.UpdateIndex(ctx, Options{}))

	doc := solr.doc("src.1")
	require.NotNil(t, doc)
	assert.Equal(t, "Changed Title", doc["title"])

	// an unregistered transformation name fails the run
	sources["src"].SolrTransformation = "missing"
	_, err := u.Preview(ctx, "src.1")
	assert.Error(t, err)
}

func TestUpdateIndexMergedPartsFoldedIntoHost(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	solr := newFakeSolr(t)
	now := time.Now().UTC().Truncate(time.Second)

	sources := testSources("src")
	sources["src"].ComponentParts = "merge_all"
	host := cleanRecord("src", "1", "Host Work", "", now)
	part := cleanRecord("src", "2", "Part One", "", now)
	part.HostRecordID = host.LinkingID
	require.NoError(t, db.Record.Save(ctx, host))
	require.NoError(t, db.Record.Save(ctx, part))

	u := testUpdater(db, solr, sources, false)
	require.NoError(t, u.UpdateIndex(ctx, Options{}))

	// the part's content lives only in the host document
	assert.NotNil(t, solr.doc("src.1"))
	assert.Nil(t, solr.doc("src.2"))
	assert.Contains(t, solr.deletedIDs, "src.2")

	// indexMergedParts keeps the standalone part document
	db2 := storagetest.NewDatabase()
	solr2 := newFakeSolr(t)
	require.NoError(t, db2.Record.Save(ctx, host))
	require.NoError(t, db2.Record.Save(ctx, part))
	sources["src"].IndexMergedParts = true
	u = testUpdater(db2, solr2, sources, false)
	require.NoError(t, u.UpdateIndex(ctx, Options{}))
	assert.NotNil(t, solr2.doc("src.2"))
	assert.Empty(t, solr2.deletedIDs)
}

func TestPreviewHierarchyInheritance(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	solr := newFakeSolr(t)
	now := time.Now().UTC().Truncate(time.Second)

	main := cleanRecord("src", "1", "Archive Collection", "951-0-39623-0", now)
	member := cleanRecord("src", "2", "Letter Drafts", "", now)
	member.MainID = main.ID
	require.NoError(t, db.Record.Save(ctx, main))
	require.NoError(t, db.Record.Save(ctx, member))

	sources := testSources("src")
	sources["src"].PrependParentTitleWithUnitID = true
	u := testUpdater(db, solr, sources, false)

	doc, err := u.Preview(ctx, "src.2")
	require.NoError(t, err)
	// own fields win, gaps fill from the main record
	assert.Equal(t, "Letter Drafts", doc["title"])
	assert.Equal(t, "1 Archive Collection", doc["hierarchy_parent_title"])
	assert.Equal(t, []string{"9789510396230"}, doc["isbn"])

	// fields on the non-inherited list stay the member's own
	sources["src"].NonInheritedFields = []string{"isbn"}
	doc, err = u.Preview(ctx, "src.2")
	require.NoError(t, err)
	_, ok := doc["isbn"]
	assert.False(t, ok)
}

func TestUpdateIndexSingle(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	solr := newFakeSolr(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.Record.Save(ctx, cleanRecord("src", "1", "One", "", now)))
	require.NoError(t, db.Record.Save(ctx, cleanRecord("src", "2", "Two", "", now)))

	u := testUpdater(db, solr, testSources("src"), false)
	require.NoError(t, u.UpdateIndex(ctx, Options{SingleID: "src.1"}))

	assert.NotNil(t, solr.doc("src.1"))
	assert.Nil(t, solr.doc("src.2"))
	// single-record updates never move the checkpoint
	state, _ := db.State.Get(ctx, controller.StateKey(controller.StateLastIndexUpdate, ""))
	assert.Empty(t, state)
}

func TestDeleteDataSourceRebuildsGroups(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	solr := newFakeSolr(t)
	now := time.Now().UTC().Truncate(time.Second)

	a := cleanRecord("alpha", "1", "Shared Work", "", now)
	b := cleanRecord("beta", "2", "Shared Work", "", now)
	group, err := db.Dedup.Create(ctx, []string{a.ID, b.ID})
	require.NoError(t, err)
	a.DedupID = group.ID
	b.DedupID = group.ID
	require.NoError(t, db.Record.Save(ctx, a))
	require.NoError(t, db.Record.Save(ctx, b))

	u := testUpdater(db, solr, testSources("alpha", "beta"), true)
	require.NoError(t, u.DeleteDataSource(ctx, "alpha"))

	// the merged doc dissolves and the survivor returns standalone
	assert.Contains(t, solr.deletedIDs, group.ID)
	assert.NotNil(t, solr.doc("beta.2"))
	require.Len(t, solr.deleteQueries, 1)
	assert.Equal(t, `id:alpha.*`, solr.deleteQueries[0])
}

func TestMergeDocuments(t *testing.T) {
	docs := []map[string]any{
		{"id": "a.1", "title": "First", "isbn": []string{"x", "y"}, "format": "Book"},
		{"id": "b.2", "title": "Second", "isbn": []string{"y", "z"}, "language": "fin"},
	}
	merged := mergeDocuments("g1", docs)

	assert.Equal(t, "g1", merged["id"])
	assert.Equal(t, true, merged["merged_boolean"])
	assert.Equal(t, []string{"a.1", "b.2"}, merged["local_ids_str_mv"])
	// multi-valued fields union, single-valued take the first non-empty
	assert.Equal(t, []string{"x", "y", "z"}, merged["isbn"])
	assert.Equal(t, "First", merged["title"])
	assert.Equal(t, "fin", merged["language"])
	_, ok := merged["record_id"]
	assert.False(t, ok)
}

func TestExpandBuilding(t *testing.T) {
	doc := map[string]any{"building": []string{"MAIN/D2", "0/Other/"}}
	expandBuilding(doc, "inst")
	assert.Equal(t, []string{
		"0/inst/",
		"1/inst/MAIN/",
		"2/inst/MAIN/D2/",
		"0/Other/",
	}, doc["building"])

	// no institution leaves the field alone
	doc = map[string]any{"building": []string{"MAIN"}}
	expandBuilding(doc, "")
	assert.Equal(t, []string{"MAIN"}, doc["building"])
}

func TestPreEncoded(t *testing.T) {
	assert.True(t, preEncoded("0/inst/"))
	assert.True(t, preEncoded("12/inst/a/"))
	assert.False(t, preEncoded("MAIN/D2"))
	assert.False(t, preEncoded("/x"))
	assert.False(t, preEncoded("MAIN"))
}

func TestEscapeQuery(t *testing.T) {
	assert.Equal(t, `abc`, escapeQuery("abc"))
	assert.Equal(t, `a\-b\:c\*`, escapeQuery("a-b:c*"))
}

func TestDiffDocuments(t *testing.T) {
	existing := map[string]any{"title": "Old", "format": "Book", "last_indexed": "x"}
	candidate := map[string]any{"title": "New", "format": "Book", "last_indexed": "y", "author": "A"}
	diffs := diffDocuments(existing, candidate)
	require.Len(t, diffs, 2)
	assert.Contains(t, diffs[0], "author")
	assert.Contains(t, diffs[1], "title")
}
