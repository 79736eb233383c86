package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	data := []byte(`<ListRecords>
  <record><id>1</id></record>
  <record><id>2</id></record>
  <other/>
</ListRecords>`)

	docs, err := Split(data, "//ListRecords/record")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Contains(t, string(docs[0]), "<id>1</id>")
	assert.Contains(t, string(docs[1]), "<id>2</id>")

	// empty path returns the payload whole
	docs, err = Split(data, "")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, data, docs[0])

	// the root itself can match
	docs, err = Split([]byte(`<record><id>9</id></record>`), "record")
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestSplitMalformed(t *testing.T) {
	_, err := Split([]byte("no markup at all"), "record")
	assert.Error(t, err)

	// a payload cut off mid-stream must not pass as a shorter document
	_, err = Split([]byte(`<ListRecords><record><id>1</id></record><rec`), "//ListRecords/record")
	assert.Error(t, err)

	_, err = Split([]byte(`<record><id>1</id></record><record>`), "record")
	assert.Error(t, err)
}

func TestInnerText(t *testing.T) {
	data := []byte(`<record><header><identifier> oai:x:1 </identifier></header></record>`)
	text, err := InnerText(data, "//header/identifier")
	require.NoError(t, err)
	assert.Equal(t, "oai:x:1", text)
}

const sampleDC = `<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/"
    xmlns:dc="http://purl.org/dc/elements/1.1/">
  <dc:title>A Study of Things</dc:title>
  <dc:creator>Tekijä, Testi</dc:creator>
  <dc:identifier>urn:isbn:978-951-0-39623-0</dc:identifier>
  <dc:identifier>http://example.org/123</dc:identifier>
  <dc:date>2001</dc:date>
  <dc:format>Book</dc:format>
  <dc:language>fin</dc:language>
  <dc:publisher>Yliopistopaino</dc:publisher>
</oai_dc:dc>`

func TestDCDriver(t *testing.T) {
	d, err := New("dc", []byte(sampleDC), "oai:x:123", "dcsrc", nil)
	require.NoError(t, err)

	assert.Equal(t, "A Study of Things", d.Title(false))
	assert.Equal(t, "study of things", d.Title(true))
	assert.Equal(t, "Tekijä, Testi", d.MainAuthor())
	assert.Equal(t, []string{"9789510396230"}, d.ISBNs())
	assert.Equal(t, "Book", d.Format())
	assert.Equal(t, "2001", d.PublicationYear())
	assert.Empty(t, d.HostRecordID())

	doc := d.ToSolrArray()
	assert.Equal(t, "dc", doc["record_format"])
	assert.Equal(t, []string{"Yliopistopaino"}, doc["publisher"])
	assert.Equal(t, "fin", doc["language"])
	assert.Contains(t, doc["allfields"], "Yliopistopaino")
}

func TestDCSerializeStableUnderNormalize(t *testing.T) {
	d, err := New("dc", []byte(sampleDC), "", "dcsrc", nil)
	require.NoError(t, err)
	before := d.Serialize()
	d.Normalize()
	normalized := d.Serialize()
	// normalizing twice changes nothing further
	d.Normalize()
	assert.Equal(t, normalized, d.Serialize())
	assert.NotEmpty(t, before)
}
