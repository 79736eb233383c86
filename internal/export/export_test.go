package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biblioworks/recordmanager/internal/storagetest"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
)

func saveRecord(t *testing.T, db interface {
	Save(ctx context.Context, rec *model.Record) error
}, rec *model.Record) {
	t.Helper()
	require.NoError(t, db.Save(context.Background(), rec))
}

func TestExportCollection(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	now := time.Now().UTC()
	saveRecord(t, db.Record, &model.Record{
		ID: "src.1", SourceID: "src", OriginalData: "<record><id>1</id></record>", Updated: now,
	})
	saveRecord(t, db.Record, &model.Record{
		ID: "src.2", SourceID: "src", OriginalData: "<record><id>2</id></record>", Updated: now,
	})
	saveRecord(t, db.Record, &model.Record{
		ID: "src.3", SourceID: "src", Deleted: true, Updated: now,
	})

	dir := t.TempDir()
	outFile := filepath.Join(dir, "export.xml")
	delFile := filepath.Join(dir, "deleted.txt")
	n, err := New(db).Export(ctx, Options{File: outFile, DeletedFile: delFile})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	out, err := os.ReadFile(outFile)
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "<collection>")
	assert.Contains(t, text, "</collection>")
	assert.Contains(t, text, "<id>1</id>")
	assert.Contains(t, text, "<id>2</id>")

	deleted, err := os.ReadFile(delFile)
	require.NoError(t, err)
	assert.Equal(t, "src.3\n", string(deleted))
}

func TestExportSingleAndSourceFilter(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	now := time.Now().UTC()
	saveRecord(t, db.Record, &model.Record{
		ID: "a.1", SourceID: "a", OriginalData: "<record><id>a1</id></record>", Updated: now,
	})
	saveRecord(t, db.Record, &model.Record{
		ID: "b.1", SourceID: "b", OriginalData: "<record><id>b1</id></record>", Updated: now,
	})

	dir := t.TempDir()
	outFile := filepath.Join(dir, "one.xml")
	n, err := New(db).Export(ctx, Options{File: outFile, SingleID: "a.1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	outFile2 := filepath.Join(dir, "source.xml")
	n, err = New(db).Export(ctx, Options{File: outFile2, SourceID: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	out, _ := os.ReadFile(outFile2)
	assert.Contains(t, string(out), "<id>b1</id>")
	assert.NotContains(t, string(out), "<id>a1</id>")
}

func TestExportSortedWithDedupIDs(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	now := time.Now().UTC()

	group, err := db.Dedup.Create(ctx, []string{"a.1", "b.1"})
	require.NoError(t, err)
	saveRecord(t, db.Record, &model.Record{
		ID: "a.1", SourceID: "a", DedupID: group.ID,
		OriginalData: "<record><id>a1</id></record>", Updated: now,
	})
	saveRecord(t, db.Record, &model.Record{
		ID: "b.1", SourceID: "b", DedupID: group.ID,
		OriginalData: "<record><id>b1</id></record>", Updated: now,
	})
	saveRecord(t, db.Record, &model.Record{
		ID: "c.1", SourceID: "c",
		OriginalData: "<record><id>c1</id></record>", Updated: now,
	})

	dir := t.TempDir()
	outFile := filepath.Join(dir, "sorted.xml")
	n, err := New(db).Export(ctx, Options{
		File: outFile, SortDedup: true, AddDedupID: DedupIDDeduped,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	out, _ := os.ReadFile(outFile)
	text := string(out)
	// grouped members come first, annotated with their group id
	first := strings.Index(text, "<id>a1</id>")
	second := strings.Index(text, "<id>b1</id>")
	third := strings.Index(text, "<id>c1</id>")
	assert.Less(t, first, third)
	assert.Less(t, second, third)
	assert.Contains(t, text, `dedupId="`+group.ID+`"`)
	// the ungrouped record stays unannotated
	assert.NotContains(t, text, `<record dedupId=""`)
}

func TestInjectDedupID(t *testing.T) {
	assert.Equal(t, `<record dedupId="g1"><a/></record>`,
		injectDedupID(`<record><a/></record>`, "g1"))
	assert.Equal(t, `<record dedupId="g1" xmlns="x"><a/></record>`,
		injectDedupID(`<record xmlns="x"><a/></record>`, "g1"))
	// non-XML payloads pass through untouched
	assert.Equal(t, "plain", injectDedupID("plain", "g1"))
}

func TestExportXPathFilter(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	now := time.Now().UTC()
	saveRecord(t, db.Record, &model.Record{
		ID: "src.1", SourceID: "src", Updated: now,
		OriginalData: "<record><thesis>yes</thesis></record>",
	})
	saveRecord(t, db.Record, &model.Record{
		ID: "src.2", SourceID: "src", Updated: now,
		OriginalData: "<record><title>plain</title></record>",
	})

	outFile := filepath.Join(t.TempDir(), "filtered.xml")
	n, err := New(db).Export(ctx, Options{File: outFile, XPath: "//record/thesis"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	out, _ := os.ReadFile(outFile)
	assert.Contains(t, string(out), "<thesis>")
}
