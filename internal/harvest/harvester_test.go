package harvest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biblioworks/recordmanager/internal/storagetest"
	"github.com/biblioworks/recordmanager/pkg/common/config"
	"github.com/biblioworks/recordmanager/pkg/common/storage/controller"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
)

type storedRecord struct {
	oaiID   string
	deleted bool
	payload string
}

type recorder struct {
	stored []storedRecord
}

func (r *recorder) store(ctx context.Context, oaiID string, deleted bool, payload []byte) error {
	r.stored = append(r.stored, storedRecord{oaiID: oaiID, deleted: deleted, payload: string(payload)})
	return nil
}

// oaiServer answers OAI-PMH requests from a canned map keyed by
// "verb|resumptionToken".
func oaiServer(t *testing.T, responses map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		key := q.Get("verb") + "|" + q.Get("resumptionToken")
		body, ok := responses[key]
		if !ok {
			t.Errorf("unexpected oai request: %s", key)
			http.Error(w, "unexpected", http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `<?xml version="1.0"?><OAI-PMH>%s</OAI-PMH>`, body)
	}))
}

func oaiDataSource(url string) *config.DataSource {
	return &config.DataSource{ID: "oaisrc", Type: "oai-pmh", Format: "marc", URL: url}
}

func TestOAIHarvestResumption(t *testing.T) {
	srv := oaiServer(t, map[string]string{
		"ListRecords|": `<ListRecords>
  <record><header><identifier>oai:x:1</identifier></header>
    <metadata><doc>one</doc></metadata></record>
  <record><header status="deleted"><identifier>oai:x:2</identifier></header></record>
  <resumptionToken>t1</resumptionToken>
</ListRecords>`,
		"ListRecords|t1": `<ListRecords>
  <record><header><identifier>oai:x:3</identifier></header>
    <metadata><doc>three</doc></metadata></record>
  <resumptionToken/>
</ListRecords>`,
	})
	defer srv.Close()

	ctx := context.Background()
	db := storagetest.NewDatabase()
	rec := &recorder{}
	h, err := New(oaiDataSource(srv.URL), db, testClient(1), rec.store)
	require.NoError(t, err)

	stats, err := h.Harvest(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Harvested)
	assert.Equal(t, 1, stats.Deleted)

	require.Len(t, rec.stored, 3)
	assert.Equal(t, storedRecord{oaiID: "oai:x:1", payload: "<doc>one</doc>"}, rec.stored[0])
	assert.True(t, rec.stored[1].deleted)
	assert.Equal(t, "oai:x:3", rec.stored[2].oaiID)

	// checkpoint advanced, token cleared
	date, err := db.State.Get(ctx, controller.StateKey(controller.StateLastHarvestDate, "oaisrc"))
	require.NoError(t, err)
	assert.NotEmpty(t, date)
	token, err := db.State.Get(ctx, controller.StateKey(controller.StateResumptionToken, "oaisrc"))
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestOAIHarvestUsesCommittedWindow(t *testing.T) {
	var gotFrom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFrom = r.URL.Query().Get("from")
		fmt.Fprint(w, `<?xml version="1.0"?><OAI-PMH><error code="noRecordsMatch">empty</error></OAI-PMH>`)
	}))
	defer srv.Close()

	ctx := context.Background()
	db := storagetest.NewDatabase()
	require.NoError(t, db.State.Set(ctx,
		controller.StateKey(controller.StateLastHarvestDate, "oaisrc"), "2026-08-01T00:00:00Z"))

	h, err := New(oaiDataSource(srv.URL), db, testClient(1), (&recorder{}).store)
	require.NoError(t, err)
	stats, err := h.Harvest(ctx, Options{})
	require.NoError(t, err)
	assert.Zero(t, stats.Harvested)
	assert.Equal(t, "2026-08-01T00:00:00Z", gotFrom)
}

func TestOAIHarvestBadResumptionTokenClearsState(t *testing.T) {
	srv := oaiServer(t, map[string]string{
		"ListRecords|expired": `<error code="badResumptionToken">gone</error>`,
	})
	defer srv.Close()

	ctx := context.Background()
	db := storagetest.NewDatabase()
	tokenKey := controller.StateKey(controller.StateResumptionToken, "oaisrc")
	require.NoError(t, db.State.Set(ctx, tokenKey, "expired"))

	h, err := New(oaiDataSource(srv.URL), db, testClient(1), (&recorder{}).store)
	require.NoError(t, err)
	_, err = h.Harvest(ctx, Options{})
	require.Error(t, err)

	token, err := db.State.Get(ctx, tokenKey)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestOAIMarkSweepDeletions(t *testing.T) {
	srv := oaiServer(t, map[string]string{
		"ListRecords|": `<error code="noRecordsMatch">empty</error>`,
		"ListIdentifiers|": `<ListIdentifiers>
  <header><identifier>oai:x:1</identifier></header>
  <header><identifier>oai:x:2</identifier></header>
  <header status="deleted"><identifier>oai:x:9</identifier></header>
</ListIdentifiers>`,
	})
	defer srv.Close()

	ctx := context.Background()
	db := storagetest.NewDatabase()
	for i, oaiID := range []string{"oai:x:1", "oai:x:2", "oai:x:3"} {
		require.NoError(t, db.Record.Save(ctx, &model.Record{
			ID:       fmt.Sprintf("oaisrc.%d", i+1),
			SourceID: "oaisrc",
			OaiID:    oaiID,
			Updated:  time.Now().UTC(),
		}))
	}

	ds := oaiDataSource(srv.URL)
	ds.Deletions = "listidentifiers"
	h, err := New(ds, db, testClient(1), (&recorder{}).store)
	require.NoError(t, err)

	stats, err := h.Harvest(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	// oai:x:3 was not listed upstream and is gone now
	gone, err := db.Record.Get(ctx, "oaisrc.3")
	require.NoError(t, err)
	assert.True(t, gone.Deleted)
	kept, err := db.Record.Get(ctx, "oaisrc.1")
	require.NoError(t, err)
	assert.False(t, kept.Deleted)

	sweep, err := db.State.Get(ctx, controller.StateKey(controller.StateLastDeletionProcessing, "oaisrc"))
	require.NoError(t, err)
	assert.NotEmpty(t, sweep)
}

func TestOAIMarkSweepRespectsInterval(t *testing.T) {
	srv := oaiServer(t, map[string]string{
		"ListRecords|": `<error code="noRecordsMatch">empty</error>`,
	})
	defer srv.Close()

	ctx := context.Background()
	db := storagetest.NewDatabase()
	require.NoError(t, db.Record.Save(ctx, &model.Record{
		ID: "oaisrc.1", SourceID: "oaisrc", OaiID: "oai:x:1", Updated: time.Now().UTC(),
	}))

	ds := oaiDataSource(srv.URL)
	ds.Deletions = "listidentifiers"
	ds.DeletionIntervalDays = 7
	require.NoError(t, db.State.Set(ctx,
		controller.StateKey(controller.StateLastDeletionProcessing, "oaisrc"),
		time.Now().UTC().Format(DateFormat)))

	h, err := New(ds, db, testClient(1), (&recorder{}).store)
	require.NoError(t, err)

	// no ListIdentifiers request is made; the canned map would fail the test
	stats, err := h.Harvest(ctx, Options{})
	require.NoError(t, err)
	assert.Zero(t, stats.Deleted)
	kept, _ := db.Record.Get(ctx, "oaisrc.1")
	assert.False(t, kept.Deleted)
}

func TestOAIGranularityProbe(t *testing.T) {
	var gotUntil string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("verb") {
		case "Identify":
			fmt.Fprint(w, `<?xml version="1.0"?><OAI-PMH><Identify><granularity>YYYY-MM-DD</granularity></Identify></OAI-PMH>`)
		case "ListRecords":
			gotUntil = r.URL.Query().Get("until")
			fmt.Fprint(w, `<?xml version="1.0"?><OAI-PMH><error code="noRecordsMatch">empty</error></OAI-PMH>`)
		default:
			t.Errorf("unexpected verb %q", r.URL.Query().Get("verb"))
		}
	}))
	defer srv.Close()

	ds := oaiDataSource(srv.URL)
	ds.Granularity = "auto"
	h, err := New(ds, storagetest.NewDatabase(), testClient(1), (&recorder{}).store)
	require.NoError(t, err)
	_, err = h.Harvest(context.Background(), Options{})
	require.NoError(t, err)
	// day-granular repositories get date-only window parameters
	assert.Len(t, gotUntil, len("2006-01-02"))
}

func TestSweepDetachesFromDedupGroup(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()

	gone := &model.Record{ID: "oaisrc.1", SourceID: "oaisrc", OaiID: "oai:x:1", Updated: time.Now().UTC()}
	partner := &model.Record{ID: "other.2", SourceID: "other", OaiID: "oai:y:2", Updated: time.Now().UTC()}
	group, err := db.Dedup.Create(ctx, []string{gone.ID, partner.ID})
	require.NoError(t, err)
	gone.DedupID = group.ID
	partner.DedupID = group.ID
	require.NoError(t, db.Record.Save(ctx, gone))
	require.NoError(t, db.Record.Save(ctx, partner))

	b := base{ds: &config.DataSource{ID: "oaisrc"}, db: db}
	n, err := b.sweepUnmarked(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	swept, err := db.Record.Get(ctx, "oaisrc.1")
	require.NoError(t, err)
	assert.True(t, swept.Deleted)
	assert.Empty(t, swept.DedupID)

	// the two-member group dissolved; the survivor goes back to dedup
	left, err := db.Record.Get(ctx, "other.2")
	require.NoError(t, err)
	assert.Empty(t, left.DedupID)
	assert.True(t, left.UpdateNeeded)
	g, err := db.Dedup.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.True(t, g.Deleted)
}

func TestNewHarvesterUnknownType(t *testing.T) {
	_, err := New(&config.DataSource{ID: "x", Type: "gopher"}, storagetest.NewDatabase(), testClient(1), nil)
	assert.Error(t, err)
}
