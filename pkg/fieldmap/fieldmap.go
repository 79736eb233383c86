// Package fieldmap implements declarative value remapping for index
// documents: per-source mapping files convert raw field values into the
// target vocabulary with exact, regex or multi-match rules.
package fieldmap

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/openimsdk/tools/errs"

	"github.com/biblioworks/recordmanager/pkg/common/config"
)

// ErrMalformedMapping is returned for mapping lines missing the " = "
// separator.
var ErrMalformedMapping = errors.New("malformed mapping")

const (
	TypeNormal      = "normal"
	TypeRegexp      = "regexp"
	TypeRegexpMulti = "regexp-multi"
)

// Special keys of the mapping file dialect.
const (
	keyDefault    = "##default"
	keyEmpty      = "##empty"
	keyEmptyArray = "##emptyarray"
)

// Mapping is one parsed mapping file with its application mode.
type Mapping struct {
	Type     string
	values   map[string][]string
	patterns []pattern

	hasDefault    bool
	defaults      []string
	empty         string
	hasEmpty      bool
	emptyArray    string
	hasEmptyArray bool
}

type pattern struct {
	re   *regexp.Regexp
	repl string
}

// Parse reads the newline-delimited "key = value" dialect: ";" comments,
// "[]" key suffix appends, "##default"/"##empty"/"##emptyarray" fallbacks.
func Parse(r io.Reader, typ string) (*Mapping, error) {
	m := &Mapping{Type: typ, values: map[string][]string{}}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, ";") {
			continue
		}
		key, value, ok := strings.Cut(text, " = ")
		if !ok {
			// "KEY =" maps to the empty value; the trailing space is lost
			// to trimming.
			if key, ok = strings.CutSuffix(text, " ="); !ok {
				return nil, errs.WrapMsg(ErrMalformedMapping, "missing separator", "line", line)
			}
			value = ""
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		append_ := false
		if k, ok := strings.CutSuffix(key, "[]"); ok {
			key = k
			append_ = true
		}
		switch key {
		case keyDefault:
			m.hasDefault = true
			m.defaults = append(m.defaults, value)
			continue
		case keyEmpty:
			m.hasEmpty = true
			m.empty = value
			continue
		case keyEmptyArray:
			m.hasEmptyArray = true
			m.emptyArray = value
			continue
		}
		if typ == TypeRegexp || typ == TypeRegexpMulti {
			re, err := regexp.Compile(key)
			if err != nil {
				return nil, errs.WrapMsg(ErrMalformedMapping, "bad pattern", "line", line, "pattern", key)
			}
			m.patterns = append(m.patterns, pattern{re: re, repl: pcreReplacement(value)})
			continue
		}
		if append_ {
			m.values[key] = append(m.values[key], value)
		} else {
			m.values[key] = []string{value}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(err)
	}
	return m, nil
}

// pcreReplacement converts Perl-style \1 backreferences to Go's $1.
var backref = regexp.MustCompile(`\\(\d)`)

func pcreReplacement(repl string) string {
	return backref.ReplaceAllString(repl, "$$$1")
}

// apply maps one non-empty value, possibly to several values.
func (m *Mapping) apply(value string) []string {
	switch m.Type {
	case TypeRegexp:
		for _, p := range m.patterns {
			if p.re.MatchString(value) {
				return []string{p.re.ReplaceAllString(value, p.repl)}
			}
		}
		return []string{value}
	case TypeRegexpMulti:
		var out []string
		for _, p := range m.patterns {
			if p.re.MatchString(value) {
				out = append(out, p.re.ReplaceAllString(value, p.repl))
			}
		}
		if out == nil {
			return []string{value}
		}
		return out
	default:
		if mapped, ok := m.values[value]; ok {
			return mapped
		}
		if m.hasDefault {
			out := make([]string, 0, len(m.defaults))
			for _, d := range m.defaults {
				out = append(out, strings.ReplaceAll(d, "%%", value))
			}
			return out
		}
		return []string{value}
	}
}

// FieldMapper holds every mapping of a run, constructed once from config and
// shared by reference.
type FieldMapper struct {
	fields map[string]map[string][]*Mapping // source -> field -> ordered chain
}

// New loads all mapping files referenced by the data sources from
// mappingDir.
func New(mappingDir string, sources map[string]*config.DataSource) (*FieldMapper, error) {
	cache := map[string]*Mapping{}
	fm := &FieldMapper{fields: map[string]map[string][]*Mapping{}}
	for sourceID, ds := range sources {
		for field, refs := range ds.FieldMappings {
			for _, ref := range refs {
				cacheKey := ref.Filename + "\x00" + ref.Type
				mapping, ok := cache[cacheKey]
				if !ok {
					f, err := os.Open(filepath.Join(mappingDir, ref.Filename))
					if err != nil {
						return nil, errs.WrapMsg(err, "open mapping failed", "file", ref.Filename)
					}
					mapping, err = Parse(f, ref.Type)
					f.Close()
					if err != nil {
						return nil, errs.WrapMsg(err, "parse mapping failed", "file", ref.Filename)
					}
					cache[cacheKey] = mapping
				}
				if fm.fields[sourceID] == nil {
					fm.fields[sourceID] = map[string][]*Mapping{}
				}
				fm.fields[sourceID][field] = append(fm.fields[sourceID][field], mapping)
			}
		}
	}
	return fm, nil
}

// MapValues rewrites every configured field present in doc in place.
func (fm *FieldMapper) MapValues(sourceID string, doc map[string]any) {
	for field, chain := range fm.fields[sourceID] {
		value, ok := doc[field]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			mapped := mapOne(chain, v)
			switch len(mapped) {
			case 0:
				delete(doc, field)
			case 1:
				doc[field] = mapped[0]
			default:
				doc[field] = mapped
			}
		case []string:
			if len(v) == 0 {
				if m := chain[0]; m.hasEmptyArray {
					doc[field] = []string{m.emptyArray}
				}
				continue
			}
			var out []string
			for _, elem := range v {
				out = appendUnique(out, mapOne(chain, elem)...)
			}
			if len(out) == 0 {
				delete(doc, field)
			} else {
				doc[field] = out
			}
		}
	}
}

// mapOne runs a single value through the mapping chain. Hierarchical values
// (containing "/") map each level through its per-index mapping and emit the
// cumulative joins; an empty mapped level truncates the hierarchy.
func mapOne(chain []*Mapping, value string) []string {
	if value == "" {
		if m := chain[0]; m.hasEmpty {
			if m.empty == "" {
				return nil
			}
			return []string{m.empty}
		}
		if m := chain[0]; m.hasEmptyArray {
			return []string{m.emptyArray}
		}
		return []string{value}
	}
	if strings.Contains(value, "/") {
		return mapHierarchy(chain, value)
	}
	values := []string{value}
	for _, m := range chain {
		var next []string
		for _, v := range values {
			for _, mapped := range m.apply(v) {
				if mapped != "" {
					next = appendUnique(next, mapped)
				}
			}
		}
		values = next
	}
	return values
}

func mapHierarchy(chain []*Mapping, value string) []string {
	levels := strings.Split(value, "/")
	mapped := make([]string, 0, len(levels))
	for i, level := range levels {
		m := chain[min(i, len(chain)-1)]
		result := m.apply(level)
		if len(result) == 0 || result[0] == "" {
			break
		}
		mapped = append(mapped, result[0])
	}
	out := make([]string, 0, len(mapped))
	for i := range mapped {
		out = append(out, strings.Join(mapped[:i+1], "/"))
	}
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		seen := false
		for _, existing := range dst {
			if existing == v {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, v)
		}
	}
	return dst
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
