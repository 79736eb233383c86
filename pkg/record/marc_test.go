package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMARC = `<record xmlns="http://www.loc.gov/MARC21/slim">
  <leader>00000cam a22000004i 4500</leader>
  <controlfield tag="001">12345</controlfield>
  <controlfield tag="008">980101s1998    fi            000 f fin d</controlfield>
  <datafield tag="020" ind1=" " ind2=" ">
    <subfield code="a">951-0-39623-0 (sid.)</subfield>
  </datafield>
  <datafield tag="100" ind1="1" ind2=" ">
    <subfield code="a">Linna, Väinö</subfield>
  </datafield>
  <datafield tag="245" ind1="1" ind2="4">
    <subfield code="a">The unknown soldier /</subfield>
    <subfield code="b">a novel</subfield>
  </datafield>
  <datafield tag="260" ind1=" " ind2=" ">
    <subfield code="b">Otava</subfield>
    <subfield code="c">1998.</subfield>
  </datafield>
  <datafield tag="300" ind1=" " ind2=" ">
    <subfield code="a">444 s. :</subfield>
  </datafield>
</record>`

func parseMARC(t *testing.T, data string) Driver {
	t.Helper()
	d, err := New("marc", []byte(data), "oai:test:12345", "testsrc", nil)
	require.NoError(t, err)
	return d
}

func TestMARCBasicFields(t *testing.T) {
	d := parseMARC(t, sampleMARC)

	assert.Equal(t, "12345", d.ID())
	assert.Equal(t, "12345", d.LinkingID())
	assert.Empty(t, d.HostRecordID())
	assert.Equal(t, "The unknown soldier a novel", d.Title(false))
	// ind2=4 strips the leading article for filing
	assert.Equal(t, "unknown soldier a novel", d.Title(true))
	assert.Equal(t, "Linna, Väinö", d.MainAuthor())
	assert.Equal(t, []string{"9789510396230"}, d.ISBNs())
	assert.Equal(t, "Book", d.Format())
	assert.Equal(t, "1998", d.PublicationYear())
	assert.Equal(t, 444, d.PageCount())
}

func TestMARCNormalizeDropsEmptySubfields(t *testing.T) {
	data := `<record>
  <controlfield tag="001">x1</controlfield>
  <datafield tag="245" ind1=" " ind2="0">
    <subfield code="a">Title   with    runs</subfield>
    <subfield code="b">   </subfield>
  </datafield>
  <datafield tag="500" ind1=" " ind2=" ">
    <subfield code="a"> </subfield>
  </datafield>
</record>`
	d := parseMARC(t, data)
	d.Normalize()
	out := d.Serialize()
	assert.Contains(t, out, "Title with runs")
	assert.NotContains(t, out, `tag="500"`)
}

func TestMARCSerializeStable(t *testing.T) {
	d := parseMARC(t, sampleMARC)
	first := d.Serialize()
	again := parseMARC(t, first)
	assert.Equal(t, first, again.Serialize())
}

func TestMARCHostRecordID(t *testing.T) {
	data := `<record>
  <leader>00000nab a22000004i 4500</leader>
  <controlfield tag="001">a77</controlfield>
  <datafield tag="773" ind1="0" ind2=" ">
    <subfield code="w">(FI-X)900123</subfield>
  </datafield>
</record>`
	d := parseMARC(t, data)
	assert.Equal(t, "900123", d.HostRecordID())
	assert.Equal(t, "Article", d.Format())
}

func TestMARCJournalFormat(t *testing.T) {
	data := `<record>
  <leader>00000cas a22000004i 4500</leader>
  <controlfield tag="001">j1</controlfield>
</record>`
	assert.Equal(t, "Journal", parseMARC(t, data).Format())
}

func TestMARCMergeComponentParts(t *testing.T) {
	host := parseMARC(t, sampleMARC)
	part := parseMARC(t, `<record>
  <controlfield tag="001">p1</controlfield>
  <datafield tag="100" ind1="1" ind2=" "><subfield code="a">Author, Part</subfield></datafield>
  <datafield tag="245" ind1="0" ind2="0"><subfield code="a">Part title</subfield></datafield>
</record>`)

	n := host.MergeComponentParts([]Driver{part})
	require.Equal(t, 1, n)

	doc := host.ToSolrArray()
	assert.Equal(t, []string{"Part title"}, doc["title_alt"])
	assert.Contains(t, doc["author2"], "Author, Part")
	assert.Contains(t, doc["allfields"], "Part title")
}

func TestMARCToSolrArray(t *testing.T) {
	doc := parseMARC(t, sampleMARC).ToSolrArray()

	assert.Equal(t, "marc", doc["record_format"])
	assert.Equal(t, "The unknown soldier a novel", doc["title"])
	assert.Equal(t, "Linna, Väinö", doc["author"])
	assert.Equal(t, []string{"9789510396230"}, doc["isbn"])
	assert.Equal(t, "Book", doc["format"])
	assert.Equal(t, "1998", doc["publishDate"])
	assert.Equal(t, []string{"Otava"}, doc["publisher"])
	assert.Equal(t, "fin", doc["language"])
	assert.NotEmpty(t, doc["fullrecord"])
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := New("pdf", nil, "", "", nil)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
