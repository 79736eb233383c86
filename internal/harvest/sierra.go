package harvest

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
)

// sierraPageSize is the bib page length of the Sierra REST API.
const sierraPageSize = 500

// sierraHarvester pages the Sierra REST bib API and converts each entry's
// varFields to MARCXML for the marc driver. Deletions arrive in-band as
// entries with the deleted flag set.
type sierraHarvester struct {
	base
}

type sierraBibList struct {
	Total   int         `json:"total"`
	Entries []sierraBib `json:"entries"`
}

type sierraBib struct {
	ID         json.Number      `json:"id"`
	Deleted    bool             `json:"deleted"`
	Suppressed bool             `json:"suppressed"`
	Leader     string           `json:"leader"`
	VarFields  []sierraVarField `json:"varFields"`
}

type sierraVarField struct {
	FieldTag  string `json:"fieldTag"`
	MarcTag   string `json:"marcTag"`
	Ind1      string `json:"ind1"`
	Ind2      string `json:"ind2"`
	Content   string `json:"content"`
	Subfields []struct {
		Tag     string `json:"tag"`
		Content string `json:"content"`
	} `json:"subfields"`
}

func (h *sierraHarvester) Harvest(ctx context.Context, opts Options) (*Stats, error) {
	from, until, err := h.window(ctx, opts)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if h.ds.SierraAPIKey != "" {
		header.Set("Authorization", "Bearer "+h.ds.SierraAPIKey)
	}
	header.Set("Accept", "application/json")

	stats := &Stats{}
	threshold := time.Now().UTC()
	offset := 0
	for {
		params := url.Values{}
		params.Set("limit", fmt.Sprint(sierraPageSize))
		params.Set("offset", fmt.Sprint(offset))
		params.Set("fields", "id,deleted,suppressed,leader,varFields")
		if !from.IsZero() || !until.IsZero() {
			params.Set("updatedDate", fmt.Sprintf("[%s,%s]", formatOrEmpty(from), formatOrEmpty(until)))
		}
		data, err := h.client.Get(ctx, strings.TrimRight(h.ds.URL, "/")+"/bibs?"+params.Encode(), header)
		if err != nil {
			// Sierra answers 404 for a window with no matches.
			if errors.Is(err, ErrNotFound) {
				break
			}
			return nil, err
		}
		var page sierraBibList
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, errs.WrapMsg(err, "sierra response parse failed", "source", h.ds.ID)
		}
		if len(page.Entries) == 0 {
			break
		}
		for _, bib := range page.Entries {
			id := bib.ID.String()
			// Suppressed bibs are hidden from the catalog; treat them like
			// deletions so stale copies disappear from the store.
			if bib.Deleted || bib.Suppressed {
				if err := h.store(ctx, id, true, nil); err != nil {
					return nil, err
				}
				stats.Deleted++
				continue
			}
			if err := h.store(ctx, id, false, bib.marcXML()); err != nil {
				return nil, err
			}
			stats.Harvested++
		}
		offset += len(page.Entries)
		if offset >= page.Total {
			break
		}
	}

	if opts.Reharvest || h.ds.Deletions == "reharvest" {
		removed, err := h.sweepOlderThan(ctx, threshold, stats.Harvested)
		if err != nil {
			return nil, err
		}
		stats.Deleted += int(removed)
	}
	if err := h.commit(ctx, until); err != nil {
		return nil, err
	}
	log.ZInfo(ctx, "harvest complete", "source", h.ds.ID, "harvested", stats.Harvested, "deleted", stats.Deleted)
	return stats, nil
}

func formatOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(DateFormat)
}

// marcXML renders the bib as MARCXML. The record id is injected as
// controlfield 001 so the driver derives the same local id Sierra reports.
func (b *sierraBib) marcXML() []byte {
	var sb strings.Builder
	sb.WriteString("<record>")
	if b.Leader != "" {
		sb.WriteString("<leader>")
		xmlEscape(&sb, b.Leader)
		sb.WriteString("</leader>")
	}
	sb.WriteString(`<controlfield tag="001">`)
	xmlEscape(&sb, b.ID.String())
	sb.WriteString("</controlfield>")
	for _, f := range b.VarFields {
		if f.MarcTag == "" || f.MarcTag == "001" {
			continue
		}
		if f.MarcTag < "010" {
			sb.WriteString(`<controlfield tag="` + f.MarcTag + `">`)
			xmlEscape(&sb, f.Content)
			sb.WriteString("</controlfield>")
			continue
		}
		sb.WriteString(`<datafield tag="` + f.MarcTag + `" ind1="` + indicator(f.Ind1) + `" ind2="` + indicator(f.Ind2) + `">`)
		for _, s := range f.Subfields {
			sb.WriteString(`<subfield code="` + s.Tag + `">`)
			xmlEscape(&sb, s.Content)
			sb.WriteString("</subfield>")
		}
		sb.WriteString("</datafield>")
	}
	sb.WriteString("</record>")
	return []byte(sb.String())
}

func indicator(s string) string {
	if s == "" {
		return " "
	}
	return s
}

func xmlEscape(b *strings.Builder, s string) {
	xml.EscapeText(b, []byte(s))
}
