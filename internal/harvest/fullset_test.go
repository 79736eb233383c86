package harvest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biblioworks/recordmanager/internal/storagetest"
	"github.com/biblioworks/recordmanager/pkg/common/config"
	"github.com/biblioworks/recordmanager/pkg/common/storage/controller"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
)

func dcDoc(id, title string) string {
	return fmt.Sprintf(`<dc><identifier>%s</identifier><title>%s</title></dc>`, id, title)
}

func writeExport(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestFullSetHarvestDiffs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeExport(t, dir, "export1.xml",
		`<collection>`+dcDoc("1", "One")+dcDoc("2", "Two")+`</collection>`)

	db := storagetest.NewDatabase()
	ds := &config.DataSource{
		ID:          "sfxsrc",
		Type:        "metalib_export",
		Format:      "dc",
		URL:         filepath.Join(dir, "*.xml"),
		RecordXPath: "//collection/dc",
	}

	rec := &recorder{}
	h, err := New(ds, db, testClient(1), rec.store)
	require.NoError(t, err)

	stats, err := h.Harvest(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Harvested)
	assert.Zero(t, stats.Deleted)
	require.Len(t, rec.stored, 2)
	assert.Equal(t, "1", rec.stored[0].oaiID)

	date, err := db.State.Get(ctx, controller.StateKey(controller.StateLastHarvestDate, "sfxsrc"))
	require.NoError(t, err)
	assert.NotEmpty(t, date)
}

func TestFullSetHarvestSkipsUnchangedAndSweeps(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeExport(t, dir, "export1.xml", `<collection>`+dcDoc("1", "One")+`</collection>`)

	db := storagetest.NewDatabase()
	// record 1 is already stored in canonical form, record 9 vanished upstream
	require.NoError(t, db.Record.Save(ctx, &model.Record{
		ID:           "sfxsrc.1",
		SourceID:     "sfxsrc",
		OriginalData: dcDoc("1", "One"),
		Updated:      time.Now().UTC(),
	}))
	partner := &model.Record{ID: "other.9", SourceID: "other", Updated: time.Now().UTC()}
	group, err := db.Dedup.Create(ctx, []string{"sfxsrc.9", partner.ID})
	require.NoError(t, err)
	partner.DedupID = group.ID
	require.NoError(t, db.Record.Save(ctx, partner))
	require.NoError(t, db.Record.Save(ctx, &model.Record{
		ID:       "sfxsrc.9",
		SourceID: "sfxsrc",
		DedupID:  group.ID,
		Updated:  time.Now().UTC(),
	}))

	ds := &config.DataSource{
		ID:          "sfxsrc",
		Type:        "metalib_export",
		Format:      "dc",
		URL:         filepath.Join(dir, "*.xml"),
		RecordXPath: "//collection/dc",
	}
	rec := &recorder{}
	h, err := New(ds, db, testClient(1), rec.store)
	require.NoError(t, err)

	stats, err := h.Harvest(ctx, Options{})
	require.NoError(t, err)
	assert.Zero(t, stats.Harvested)
	assert.Equal(t, 1, stats.Deleted)
	assert.Empty(t, rec.stored)

	gone, err := db.Record.Get(ctx, "sfxsrc.9")
	require.NoError(t, err)
	assert.True(t, gone.Deleted)
	assert.Empty(t, gone.DedupID)

	// its dedup group dissolved and the partner got re-marked
	left, err := db.Record.Get(ctx, "other.9")
	require.NoError(t, err)
	assert.Empty(t, left.DedupID)
	assert.True(t, left.UpdateNeeded)
	g, err := db.Dedup.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.True(t, g.Deleted)
}

func TestFullSetHarvestEmptySetSkipsSweep(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeExport(t, dir, "export1.xml", `<collection></collection>`)

	db := storagetest.NewDatabase()
	require.NoError(t, db.Record.Save(ctx, &model.Record{
		ID: "sfxsrc.1", SourceID: "sfxsrc", Updated: time.Now().UTC(),
	}))

	ds := &config.DataSource{
		ID:          "sfxsrc",
		Type:        "metalib_export",
		Format:      "dc",
		URL:         filepath.Join(dir, "*.xml"),
		RecordXPath: "//collection/dc",
	}
	h, err := New(ds, db, testClient(1), (&recorder{}).store)
	require.NoError(t, err)

	stats, err := h.Harvest(ctx, Options{})
	require.NoError(t, err)
	assert.Zero(t, stats.Deleted)
	kept, _ := db.Record.Get(ctx, "sfxsrc.1")
	assert.False(t, kept.Deleted)
}
