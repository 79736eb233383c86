package record

import (
	"strings"
)

// xmlSpec parameterizes the generic XML driver for the flat formats (Dublin
// Core and relatives). Field names are local element names.
type xmlSpec struct {
	name          string
	idField       string
	titleField    string
	authorField   string
	dateField     string
	formatField   string
	defaultFormat string
	publisher     string
	subject       string
	language      string
	extent        string
	identifier    string
	host          string
}

type xmlDriver struct {
	root     *xmlNode
	oaiID    string
	sourceID string
	params   map[string]string
	spec     xmlSpec

	mergedTitles  []string
	mergedAuthors []string
}

func newXMLDriver(data []byte, oaiID, sourceID string, params map[string]string, spec xmlSpec) (Driver, error) {
	root, err := parseXML(data)
	if err != nil {
		return nil, err
	}
	return &xmlDriver{root: root, oaiID: oaiID, sourceID: sourceID, params: params, spec: spec}, nil
}

func newDC(data []byte, oaiID, sourceID string, params map[string]string) (Driver, error) {
	return newXMLDriver(data, oaiID, sourceID, params, xmlSpec{
		name:          "dc",
		idField:       "identifier",
		titleField:    "title",
		authorField:   "creator",
		dateField:     "date",
		formatField:   "format",
		defaultFormat: "Other",
		publisher:     "publisher",
		subject:       "subject",
		language:      "language",
		extent:        "extent",
		identifier:    "identifier",
		host:          "isPartOf",
	})
}

func newESE(data []byte, oaiID, sourceID string, params map[string]string) (Driver, error) {
	return newXMLDriver(data, oaiID, sourceID, params, xmlSpec{
		name:          "ese",
		idField:       "uri",
		titleField:    "title",
		authorField:   "creator",
		dateField:     "date",
		formatField:   "type",
		defaultFormat: "Image",
		publisher:     "publisher",
		subject:       "subject",
		language:      "language",
		identifier:    "identifier",
	})
}

func newLIDO(data []byte, oaiID, sourceID string, params map[string]string) (Driver, error) {
	return newXMLDriver(data, oaiID, sourceID, params, xmlSpec{
		name:          "lido",
		idField:       "lidoRecID",
		titleField:    "appellationValue",
		authorField:   "displayActorInRole",
		dateField:     "displayDate",
		formatField:   "term",
		defaultFormat: "Image",
		subject:       "displaySubject",
		identifier:    "workID",
	})
}

func newForward(data []byte, oaiID, sourceID string, params map[string]string) (Driver, error) {
	return newXMLDriver(data, oaiID, sourceID, params, xmlSpec{
		name:          "forward",
		idField:       "Identifier",
		titleField:    "IdentifyingTitle",
		authorField:   "AgentName",
		dateField:     "YearOfReference",
		formatField:   "ProductionEventType",
		defaultFormat: "VideoFilm",
		language:      "Language",
		identifier:    "Identifier",
	})
}

func (d *xmlDriver) ID() string {
	return d.root.text(d.spec.idField)
}

func (d *xmlDriver) LinkingID() string {
	return d.ID()
}

func (d *xmlDriver) HostRecordID() string {
	if d.spec.host == "" {
		return ""
	}
	return d.root.text(d.spec.host)
}

func (d *xmlDriver) Normalize() {
	d.root.normalizeTree()
}

func (d *xmlDriver) Serialize() string {
	return d.root.serialize()
}

func (d *xmlDriver) Title(forFiling bool) string {
	title := d.root.text(d.spec.titleField)
	if forFiling {
		title = strings.ToLower(strings.TrimSpace(stripLeadingArticle(title)))
	}
	return title
}

// stripLeadingArticle removes a leading English article for filing order.
// The flat formats carry no nonfiling-character count.
func stripLeadingArticle(title string) string {
	lower := strings.ToLower(title)
	for _, article := range []string{"the ", "an ", "a "} {
		if strings.HasPrefix(lower, article) {
			return title[len(article):]
		}
	}
	return title
}

func (d *xmlDriver) MainAuthor() string {
	return d.root.text(d.spec.authorField)
}

func (d *xmlDriver) ISBNs() []string {
	var out []string
	for _, raw := range d.root.texts(d.spec.identifier) {
		value := raw
		if i := strings.LastIndexByte(value, ':'); i >= 0 {
			// urn:isbn:..., ISBN: ... prefixes
			if !strings.Contains(strings.ToLower(value[:i]), "isbn") && !looksNumeric(value[i+1:]) {
				continue
			}
			value = value[i+1:]
		}
		if isbn := NormalizeISBN(value); isbn != "" {
			out = append(out, isbn)
		}
	}
	return out
}

func looksNumeric(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && isDigit(s[0])
}

func (d *xmlDriver) ISSNs() []string {
	var out []string
	for _, raw := range d.root.texts(d.spec.identifier) {
		lower := strings.ToLower(raw)
		if i := strings.Index(lower, "issn:"); i >= 0 {
			if issn := strings.TrimSpace(raw[i+5:]); issn != "" {
				out = append(out, issn)
			}
		}
	}
	return out
}

func (d *xmlDriver) Format() string {
	if d.spec.formatField != "" {
		if f := d.root.text(d.spec.formatField); f != "" {
			return f
		}
	}
	return d.spec.defaultFormat
}

func (d *xmlDriver) PublicationYear() string {
	return extractYear(d.root.text(d.spec.dateField))
}

func (d *xmlDriver) PageCount() int {
	if d.spec.extent == "" {
		return 0
	}
	return firstNumber(d.root.text(d.spec.extent))
}

func (d *xmlDriver) SeriesISSN() string { return "" }

func (d *xmlDriver) SeriesNumbering() string { return "" }

func (d *xmlDriver) ToSolrArray() map[string]any {
	doc := map[string]any{
		"record_format": d.spec.name,
		"fullrecord":    d.Serialize(),
	}
	putStr(doc, "title", d.Title(false))
	putStr(doc, "title_short", d.Title(false))
	putStr(doc, "title_full", d.Title(false))
	putStr(doc, "title_sort", d.Title(true))
	putStr(doc, "author", d.MainAuthor())
	putList(doc, "isbn", d.ISBNs())
	putList(doc, "issn", d.ISSNs())
	putStr(doc, "format", d.Format())
	putStr(doc, "publishDate", d.PublicationYear())
	if d.spec.publisher != "" {
		putList(doc, "publisher", d.root.texts(d.spec.publisher))
	}
	if d.spec.subject != "" {
		putList(doc, "topic", d.root.texts(d.spec.subject))
	}
	if d.spec.language != "" {
		putStr(doc, "language", d.root.text(d.spec.language))
	}
	putList(doc, "title_alt", d.mergedTitles)
	putList(doc, "author2", d.mergedAuthors)
	putStr(doc, "allfields", strings.Join(d.allText(), " "))
	return doc
}

func (d *xmlDriver) allText() []string {
	var out []string
	out = append(out, d.mergedTitles...)
	out = append(out, d.mergedAuthors...)
	var walk func(n *xmlNode)
	walk = func(n *xmlNode) {
		if t := strings.TrimSpace(n.Text); t != "" {
			out = append(out, t)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(d.root)
	return out
}

func (d *xmlDriver) MergeComponentParts(parts []Driver) int {
	merged := 0
	for _, part := range parts {
		if t := part.Title(false); t != "" {
			d.mergedTitles = append(d.mergedTitles, t)
		}
		if a := part.MainAuthor(); a != "" {
			d.mergedAuthors = append(d.mergedAuthors, a)
		}
		merged++
	}
	return merged
}
