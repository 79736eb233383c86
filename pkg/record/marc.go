package record

import (
	"encoding/xml"
	"sort"
	"strings"

	"github.com/openimsdk/tools/errs"
)

// marcRecord reads a MARCXML payload. Only the slim subset the pipeline
// needs is modelled: leader, control fields and data fields with subfields.
type marcRecord struct {
	leader   string
	control  map[string]string
	fields   []marcField
	oaiID    string
	sourceID string
	params   map[string]string

	mergedTitles  []string
	mergedAuthors []string
}

type marcField struct {
	tag  string
	ind1 string
	ind2 string
	subs []marcSub
}

type marcSub struct {
	code  string
	value string
}

type marcXML struct {
	XMLName xml.Name `xml:"record"`
	Leader  string   `xml:"leader"`
	Control []struct {
		Tag   string `xml:"tag,attr"`
		Value string `xml:",chardata"`
	} `xml:"controlfield"`
	Data []struct {
		Tag  string `xml:"tag,attr"`
		Ind1 string `xml:"ind1,attr"`
		Ind2 string `xml:"ind2,attr"`
		Subs []struct {
			Code  string `xml:"code,attr"`
			Value string `xml:",chardata"`
		} `xml:"subfield"`
	} `xml:"datafield"`
}

func newMARC(data []byte, oaiID, sourceID string, params map[string]string) (Driver, error) {
	var doc marcXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errs.WrapMsg(ErrParse, "marcxml parse failed", "cause", err.Error())
	}
	r := &marcRecord{
		leader:   doc.Leader,
		control:  make(map[string]string, len(doc.Control)),
		oaiID:    oaiID,
		sourceID: sourceID,
		params:   params,
	}
	for _, c := range doc.Control {
		r.control[c.Tag] = c.Value
	}
	for _, d := range doc.Data {
		f := marcField{tag: d.Tag, ind1: d.Ind1, ind2: d.Ind2}
		for _, s := range d.Subs {
			f.subs = append(f.subs, marcSub{code: s.Code, value: s.Value})
		}
		r.fields = append(r.fields, f)
	}
	return r, nil
}

func (r *marcRecord) field(tag string) *marcField {
	for i := range r.fields {
		if r.fields[i].tag == tag {
			return &r.fields[i]
		}
	}
	return nil
}

func (r *marcRecord) allFields(tag string) []*marcField {
	var out []*marcField
	for i := range r.fields {
		if r.fields[i].tag == tag {
			out = append(out, &r.fields[i])
		}
	}
	return out
}

func (f *marcField) sub(code string) string {
	if f == nil {
		return ""
	}
	for _, s := range f.subs {
		if s.code == code {
			return strings.TrimSpace(s.value)
		}
	}
	return ""
}

func (r *marcRecord) subValues(tag, code string) []string {
	var out []string
	for _, f := range r.allFields(tag) {
		if v := f.sub(code); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (r *marcRecord) ID() string {
	return strings.TrimSpace(r.control["001"])
}

func (r *marcRecord) LinkingID() string {
	return r.ID()
}

func (r *marcRecord) HostRecordID() string {
	host := r.field("773").sub("w")
	// 773w often carries a parenthesized source qualifier: "(FI-X)12345".
	if i := strings.LastIndexByte(host, ')'); i >= 0 {
		host = host[i+1:]
	}
	return strings.TrimSpace(host)
}

func (r *marcRecord) Normalize() {
	for i := range r.fields {
		kept := r.fields[i].subs[:0]
		for _, s := range r.fields[i].subs {
			s.value = strings.Join(strings.Fields(s.value), " ")
			if s.value != "" {
				kept = append(kept, s)
			}
		}
		r.fields[i].subs = kept
	}
	fields := r.fields[:0]
	for _, f := range r.fields {
		if len(f.subs) > 0 {
			fields = append(fields, f)
		}
	}
	r.fields = fields
}

func (r *marcRecord) Serialize() string {
	var b strings.Builder
	b.WriteString("<record>")
	if r.leader != "" {
		b.WriteString("<leader>")
		escape(&b, r.leader)
		b.WriteString("</leader>")
	}
	tags := make([]string, 0, len(r.control))
	for tag := range r.control {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		b.WriteString(`<controlfield tag="` + tag + `">`)
		escape(&b, r.control[tag])
		b.WriteString("</controlfield>")
	}
	for _, f := range r.fields {
		b.WriteString(`<datafield tag="` + f.tag + `" ind1="` + f.ind1 + `" ind2="` + f.ind2 + `">`)
		for _, s := range f.subs {
			b.WriteString(`<subfield code="` + s.code + `">`)
			escape(&b, s.value)
			b.WriteString("</subfield>")
		}
		b.WriteString("</datafield>")
	}
	b.WriteString("</record>")
	return b.String()
}

func escape(b *strings.Builder, s string) {
	xml.EscapeText(b, []byte(s))
}

func (r *marcRecord) Title(forFiling bool) string {
	f := r.field("245")
	if f == nil {
		return ""
	}
	title := f.sub("a")
	if sub := f.sub("b"); sub != "" {
		title = strings.TrimRight(title, " /:;,") + " " + sub
	}
	if forFiling {
		// ind2 counts nonfiling characters (leading articles).
		if n := int(byte0(f.ind2) - '0'); n > 0 && n < len(title) {
			title = title[n:]
		}
		title = strings.ToLower(strings.TrimSpace(title))
	}
	return strings.TrimSpace(title)
}

func byte0(s string) byte {
	if s == "" {
		return 0
	}
	return s[0]
}

func (r *marcRecord) MainAuthor() string {
	return r.field("100").sub("a")
}

func (r *marcRecord) ISBNs() []string {
	var out []string
	for _, raw := range r.subValues("020", "a") {
		if isbn := NormalizeISBN(raw); isbn != "" {
			out = append(out, isbn)
		}
	}
	return out
}

func (r *marcRecord) ISSNs() []string {
	return r.subValues("022", "a")
}

var leaderFormats = map[byte]string{
	'a': "Book",
	'c': "MusicalScore",
	'e': "Map",
	'g': "VideoFilm",
	'i': "SoundRecording",
	'j': "MusicRecording",
	'm': "Electronic",
	't': "Manuscript",
}

func (r *marcRecord) Format() string {
	if len(r.leader) < 8 {
		return "Other"
	}
	switch r.leader[7] {
	case 's':
		return "Journal"
	case 'b', 'a':
		if r.HostRecordID() != "" {
			return "Article"
		}
	}
	if f, ok := leaderFormats[r.leader[6]]; ok {
		return f
	}
	return "Other"
}

func (r *marcRecord) PublicationYear() string {
	if f008 := r.control["008"]; len(f008) >= 11 {
		if year := extractYear(f008[7:11]); year != "" {
			return year
		}
	}
	for _, tag := range []string{"260", "264"} {
		if year := extractYear(r.field(tag).sub("c")); year != "" {
			return year
		}
	}
	return ""
}

func (r *marcRecord) PageCount() int {
	return firstNumber(r.field("300").sub("a"))
}

func (r *marcRecord) SeriesISSN() string {
	if issn := r.field("490").sub("x"); issn != "" {
		return issn
	}
	return r.field("440").sub("x")
}

func (r *marcRecord) SeriesNumbering() string {
	if v := r.field("490").sub("v"); v != "" {
		return v
	}
	return r.field("440").sub("v")
}

func (r *marcRecord) ToSolrArray() map[string]any {
	doc := map[string]any{
		"record_format": "marc",
		"fullrecord":    r.Serialize(),
	}
	putStr(doc, "title", r.Title(false))
	putStr(doc, "title_short", r.field("245").sub("a"))
	putStr(doc, "title_full", r.Title(false))
	putStr(doc, "title_sort", r.Title(true))
	putStr(doc, "author", r.MainAuthor())
	putList(doc, "author2", r.subValues("700", "a"))
	putList(doc, "isbn", r.ISBNs())
	putList(doc, "issn", r.ISSNs())
	putStr(doc, "format", r.Format())
	putStr(doc, "publishDate", r.PublicationYear())
	putList(doc, "publisher", append(r.subValues("260", "b"), r.subValues("264", "b")...))
	putStr(doc, "physical", r.field("300").sub("a"))
	putList(doc, "series", r.subValues("490", "a"))
	putList(doc, "topic", r.subValues("650", "a"))
	putList(doc, "building", r.subValues("852", "b"))
	if f008 := r.control["008"]; len(f008) >= 38 {
		putStr(doc, "language", strings.TrimSpace(f008[35:38]))
	}
	putList(doc, "title_alt", r.mergedTitles)
	if len(r.mergedAuthors) > 0 {
		existing, _ := doc["author2"].([]string)
		doc["author2"] = append(existing, r.mergedAuthors...)
	}
	all := append([]string{}, r.mergedTitles...)
	all = append(all, r.mergedAuthors...)
	for _, f := range r.fields {
		for _, s := range f.subs {
			all = append(all, s.value)
		}
	}
	putStr(doc, "allfields", strings.Join(all, " "))
	return doc
}

func (r *marcRecord) MergeComponentParts(parts []Driver) int {
	// Host documents absorb the searchable text of their parts so articles
	// remain findable when only the host is indexed.
	merged := 0
	var titles, authors []string
	for _, part := range parts {
		if t := part.Title(false); t != "" {
			titles = append(titles, t)
		}
		if a := part.MainAuthor(); a != "" {
			authors = append(authors, a)
		}
		merged++
	}
	if merged == 0 {
		return 0
	}
	r.mergedTitles = titles
	r.mergedAuthors = authors
	return merged
}

func putStr(doc map[string]any, key, value string) {
	if value != "" {
		doc[key] = value
	}
}

func putList(doc map[string]any, key string, values []string) {
	if len(values) > 0 {
		doc[key] = values
	}
}
