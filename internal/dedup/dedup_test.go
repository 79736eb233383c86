package dedup

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biblioworks/recordmanager/internal/storagetest"
	"github.com/biblioworks/recordmanager/pkg/common/config"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
	"github.com/biblioworks/recordmanager/pkg/record"
)

func marcData(localID, title, author, isbn, year string) string {
	data := fmt.Sprintf(`<record><leader>00000cam a22000004i 4500</leader>
<controlfield tag="001">%s</controlfield>`, localID)
	if isbn != "" {
		data += fmt.Sprintf(`<datafield tag="020" ind1=" " ind2=" "><subfield code="a">%s</subfield></datafield>`, isbn)
	}
	if author != "" {
		data += fmt.Sprintf(`<datafield tag="100" ind1="1" ind2=" "><subfield code="a">%s</subfield></datafield>`, author)
	}
	data += fmt.Sprintf(`<datafield tag="245" ind1="1" ind2="0"><subfield code="a">%s</subfield></datafield>`, title)
	if year != "" {
		data += fmt.Sprintf(`<datafield tag="260" ind1=" " ind2=" "><subfield code="c">%s</subfield></datafield>`, year)
	}
	return data + "</record>"
}

func testRecord(source, localID, title, author, isbn, year string) *model.Record {
	rec := &model.Record{
		ID:           source + "." + localID,
		SourceID:     source,
		Format:       "marc",
		OriginalData: marcData(localID, title, author, isbn, year),
		LinkingID:    localID,
		UpdateNeeded: true,
	}
	rec.TitleKeys = []string{record.TitleKey(title)}
	if isbn != "" {
		rec.ISBNKeys = []string{record.NormalizeISBN(isbn)}
	}
	return rec
}

func testSources(ids ...string) map[string]*config.DataSource {
	out := map[string]*config.DataSource{}
	for _, id := range ids {
		out[id] = &config.DataSource{ID: id, Dedup: true}
	}
	return out
}

func TestDeduplicateByISBN(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	a := testRecord("alpha", "1", "Title One", "Author, A.", "9789510396230", "1998")
	b := testRecord("beta", "2", "Completely Different Title", "Other, B.", "9789510396230", "1998")
	require.NoError(t, db.Record.Save(ctx, a))
	require.NoError(t, db.Record.Save(ctx, b))

	dd, err := NewDeduplicator(db, testSources("alpha", "beta"))
	require.NoError(t, err)
	stats, err := dd.Deduplicate(ctx, "")
	require.NoError(t, err)
	// beta.2 loses its dirty bit when alpha.1 matches it, so only one record
	// is processed
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Matched)

	a, _ = db.Record.Get(ctx, a.ID)
	b, _ = db.Record.Get(ctx, b.ID)
	require.NotEmpty(t, a.DedupID)
	assert.Equal(t, a.DedupID, b.DedupID)
	assert.False(t, a.UpdateNeeded)
	assert.False(t, b.UpdateNeeded)

	group, err := db.Dedup.Get(ctx, a.DedupID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, group.IDs)
}

func TestDeduplicateOneRecordPerSource(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	a := testRecord("alpha", "1", "Shared Work Title", "Author, A.", "9789510396230", "1998")
	b := testRecord("beta", "2", "Shared Work Title", "Author, A.", "9789510396230", "1998")
	dup := testRecord("alpha", "3", "Shared Work Title", "Author, A.", "9789510396230", "1998")
	for _, rec := range []*model.Record{a, b, dup} {
		require.NoError(t, db.Record.Save(ctx, rec))
	}

	dd, err := NewDeduplicator(db, testSources("alpha", "beta"))
	require.NoError(t, err)
	_, err = dd.Deduplicate(ctx, "")
	require.NoError(t, err)

	a, _ = db.Record.Get(ctx, a.ID)
	b, _ = db.Record.Get(ctx, b.ID)
	dup, _ = db.Record.Get(ctx, dup.ID)
	require.NotEmpty(t, a.DedupID)
	assert.Equal(t, a.DedupID, b.DedupID)
	// the second alpha record cannot join a group already holding alpha.1
	assert.NotEqual(t, a.DedupID, dup.DedupID)
}

func TestDeduplicateNoMatchClearsDirty(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	a := testRecord("alpha", "1", "Unique Title About Ornithology", "Solo, S.", "", "1990")
	require.NoError(t, db.Record.Save(ctx, a))

	dd, err := NewDeduplicator(db, testSources("alpha"))
	require.NoError(t, err)
	stats, err := dd.Deduplicate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Zero(t, stats.Matched)

	a, _ = db.Record.Get(ctx, a.ID)
	assert.False(t, a.UpdateNeeded)
	assert.Empty(t, a.DedupID)
}

func TestDetachDissolvesDegenerateGroup(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	a := testRecord("alpha", "1", "Title", "", "", "")
	b := testRecord("beta", "2", "Title", "", "", "")
	group, err := db.Dedup.Create(ctx, []string{a.ID, b.ID})
	require.NoError(t, err)
	a.DedupID = group.ID
	b.DedupID = group.ID
	a.UpdateNeeded = false
	b.UpdateNeeded = false
	require.NoError(t, db.Record.Save(ctx, a))
	require.NoError(t, db.Record.Save(ctx, b))

	require.NoError(t, Detach(ctx, db, a))

	got, err := db.Dedup.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	b, _ = db.Record.Get(ctx, b.ID)
	assert.Empty(t, b.DedupID)
	// the survivor needs its standalone document indexed again
	assert.True(t, b.UpdateNeeded)
}

func TestConsistencyCheckRepairs(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	a := testRecord("alpha", "1", "Title", "", "", "")
	b := testRecord("beta", "2", "Title", "", "", "")
	c := testRecord("gamma", "3", "Title", "", "", "")
	group, err := db.Dedup.Create(ctx, []string{a.ID, b.ID, c.ID, "alpha.gone"})
	require.NoError(t, err)
	for _, rec := range []*model.Record{a, b, c} {
		rec.DedupID = group.ID
		require.NoError(t, db.Record.Save(ctx, rec))
	}
	// orphan record referencing a group that does not list it
	orphan := testRecord("alpha", "9", "Other", "", "", "")
	orphan.DedupID = group.ID
	require.NoError(t, db.Record.Save(ctx, orphan))

	stats, err := ConsistencyCheck(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Groups)
	assert.Equal(t, 1, stats.RemovedMembers) // alpha.gone
	assert.Zero(t, stats.DissolvedGroups)    // three sources remain
	assert.Equal(t, 1, stats.ClearedRecords)

	orphan, _ = db.Record.Get(ctx, orphan.ID)
	assert.Empty(t, orphan.DedupID)
	assert.True(t, orphan.UpdateNeeded)
}

func TestMatchRules(t *testing.T) {
	parse := func(data string) record.Driver {
		d, err := record.New("marc", []byte(data), "", "src", nil)
		require.NoError(t, err)
		return d
	}

	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{
			name: "shared isbn overrides different titles",
			a:    marcData("1", "First Title Entirely", "A", "9789510396230", "1998"),
			b:    marcData("2", "Second Title Entirely", "B", "9789510396230", "2005"),
			want: true,
		},
		{
			name: "disjoint isbns never match",
			a:    marcData("1", "Same Title", "Same, Author", "9789510396230", "1998"),
			b:    marcData("2", "Same Title", "Same, Author", "9780306406157", "1998"),
			want: false,
		},
		{
			name: "near-identical titles and authors",
			a:    marcData("1", "Tuntematon sotilas", "Linna, Väinö", "", "1954"),
			b:    marcData("2", "Tuntematon sotilas.", "Linna, V.", "", "1955"),
			want: true,
		},
		{
			name: "year difference beyond tolerance",
			a:    marcData("1", "Same Title", "Same, Author", "", "1990"),
			b:    marcData("2", "Same Title", "Same, Author", "", "1994"),
			want: false,
		},
		{
			name: "too different titles",
			a:    marcData("1", "History of Finland", "Same, Author", "", "1990"),
			b:    marcData("2", "Geology of Iceland", "Same, Author", "", "1990"),
			want: false,
		},
		{
			name: "different main authors",
			a:    marcData("1", "Same Title Here", "Virtanen, Matti", "", "1990"),
			b:    marcData("2", "Same Title Here", "Korhonen, Pekka", "", "1990"),
			want: false,
		},
		{
			name: "surname and initial agree",
			a:    marcData("1", "Same Title Here", "Virtanen, Matti", "", "1990"),
			b:    marcData("2", "Same Title Here", "Virtanen, M.", "", "1990"),
			want: true,
		},
		{
			name: "missing year passes",
			a:    marcData("1", "Same Title Here", "Virtanen, Matti", "", ""),
			b:    marcData("2", "Same Title Here", "Virtanen, Matti", "", "1990"),
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(parse(tt.a), parse(tt.b)))
		})
	}
}

func TestComponentPartsCoDeduplicated(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	hostA := testRecord("alpha", "10", "Collected Essays Volume", "Editor, E.", "9789510396230", "1998")
	hostB := testRecord("beta", "20", "Collected Essays Volume", "Editor, E.", "9789510396230", "1998")

	part := func(source, host, id, title string) *model.Record {
		rec := testRecord(source, id, title, "Writer, W.", "", "1998")
		rec.HostRecordID = host
		rec.UpdateNeeded = false
		return rec
	}
	a1 := part("alpha", "10", "101", "Essay about rivers")
	a2 := part("alpha", "10", "102", "Essay about lakes")
	b1 := part("beta", "20", "201", "Essay about rivers")
	b2 := part("beta", "20", "202", "Essay about lakes")

	for _, rec := range []*model.Record{hostA, hostB, a1, a2, b1, b2} {
		require.NoError(t, db.Record.Save(ctx, rec))
	}

	dd, err := NewDeduplicator(db, testSources("alpha", "beta"))
	require.NoError(t, err)
	_, err = dd.Deduplicate(ctx, "")
	require.NoError(t, err)

	a1, _ = db.Record.Get(ctx, a1.ID)
	b1, _ = db.Record.Get(ctx, b1.ID)
	a2, _ = db.Record.Get(ctx, a2.ID)
	b2, _ = db.Record.Get(ctx, b2.ID)
	require.NotEmpty(t, a1.DedupID)
	assert.Equal(t, a1.DedupID, b1.DedupID)
	require.NotEmpty(t, a2.DedupID)
	assert.Equal(t, a2.DedupID, b2.DedupID)
	assert.NotEqual(t, a1.DedupID, a2.DedupID)
}

func TestMarkAllDirty(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDatabase()
	clean := testRecord("alpha", "1", "Title One", "Author, A.", "", "1998")
	clean.UpdateNeeded = false
	require.NoError(t, db.Record.Save(ctx, clean))
	gone := testRecord("alpha", "2", "Title Two", "Author, A.", "", "1998")
	gone.UpdateNeeded = false
	gone.Deleted = true
	require.NoError(t, db.Record.Save(ctx, gone))

	dd, err := NewDeduplicator(db, testSources("alpha"))
	require.NoError(t, err)
	n, err := dd.MarkAllDirty(ctx, "alpha")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rec, _ := db.Record.Get(ctx, "alpha.1")
	assert.True(t, rec.UpdateNeeded)
	rec, _ = db.Record.Get(ctx, "alpha.2")
	assert.False(t, rec.UpdateNeeded)
}
