package solrindex

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/biblioworks/recordmanager/pkg/common/config"
	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
	"github.com/biblioworks/recordmanager/pkg/record"
)

const timestampFormat = "2006-01-02T15:04:05Z"

// buildRecordDoc produces the index document of one record, including
// component-part merging, enrichment, field mapping and the site fields.
func (u *Updater) buildRecordDoc(ctx context.Context, rec *model.Record) (map[string]any, error) {
	ds := u.sources[rec.SourceID]
	payload := []byte(rec.Data())
	if ds != nil && ds.SolrTransformation != "" {
		t, ok := u.transformers[ds.SolrTransformation]
		if !ok {
			return nil, errs.New("unknown index transformation",
				"source", rec.SourceID, "name", ds.SolrTransformation).Wrap()
		}
		var err error
		if payload, err = t.Transform(payload); err != nil {
			return nil, errs.WrapMsg(err, "index transformation failed", "id", rec.ID)
		}
	}
	driver, err := record.New(rec.Format, payload, rec.OaiID, rec.SourceID, driverParams(ds))
	if err != nil {
		return nil, err
	}
	if ds != nil && !rec.IsComponentPart() {
		if err := u.mergeParts(ctx, ds, rec, driver); err != nil {
			return nil, err
		}
	}
	doc := driver.ToSolrArray()
	for _, e := range u.enrichers {
		if err := e.Enrich(ctx, rec.SourceID, driver, doc); err != nil {
			return nil, err
		}
	}
	if u.mapper != nil {
		u.mapper.MapValues(rec.SourceID, doc)
	}
	dropEmpty(doc)
	if ds != nil && rec.MainID != "" && rec.MainID != rec.ID {
		if err := u.inheritFromMain(ctx, ds, rec, doc); err != nil {
			return nil, err
		}
		dropEmpty(doc)
	}
	doc["id"] = rec.ID
	doc["record_id"] = rec.ID
	doc["first_indexed"] = rec.Created.UTC().Format(timestampFormat)
	doc["last_indexed"] = time.Now().UTC().Format(timestampFormat)
	doc["recordtype"] = rec.Format
	if _, ok := doc["institution"]; !ok {
		institution := u.cfg.Site.Institution
		if ds != nil && ds.Institution != "" {
			institution = ds.Institution
		}
		if institution != "" {
			doc["institution"] = institution
		}
	}
	if _, ok := doc["collection"]; !ok && u.cfg.Site.Collection != "" {
		doc["collection"] = u.cfg.Site.Collection
	}
	if u.cfg.Site.BuildingHierarchy {
		expandBuilding(doc, stringOrFirst(doc["institution"]))
	}
	return doc, nil
}

// inheritFromMain fills gaps in a hierarchy member's document from the main
// record of its ingest hierarchy. Fields the member already carries and the
// source's non-inherited fields stay untouched; the main record's title
// becomes hierarchy_parent_title, prefixed with the main record's local unit
// id when the source asks for it.
func (u *Updater) inheritFromMain(ctx context.Context, ds *config.DataSource, rec *model.Record, doc map[string]any) error {
	main, err := u.db.Record.Get(ctx, rec.MainID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil
		}
		return err
	}
	if main.Deleted {
		return nil
	}
	driver, err := record.New(main.Format, []byte(main.Data()), main.OaiID, main.SourceID, ds.DriverParams)
	if err != nil {
		return err
	}
	parentTitle := driver.Title(false)
	if ds.PrependParentTitleWithUnitID {
		if unit := strings.TrimPrefix(main.ID, ds.Prefix()+"."); unit != "" && unit != main.ID {
			parentTitle = unit + " " + parentTitle
		}
	}
	if parentTitle != "" {
		doc["hierarchy_parent_title"] = parentTitle
	}
	skip := make(map[string]struct{}, len(ds.NonInheritedFields))
	for _, field := range ds.NonInheritedFields {
		skip[field] = struct{}{}
	}
	for key, value := range driver.ToSolrArray() {
		if _, excluded := skip[key]; excluded {
			continue
		}
		if _, present := doc[key]; present {
			continue
		}
		doc[key] = value
	}
	return nil
}

func driverParams(ds *config.DataSource) map[string]string {
	if ds == nil {
		return nil
	}
	return ds.DriverParams
}

// mergeParts folds the host's component parts into its document according to
// the source's merging policy.
func (u *Updater) mergeParts(ctx context.Context, ds *config.DataSource, host *model.Record, driver record.Driver) error {
	policy := ds.ComponentParts
	if policy == "" || policy == "as_is" || host.LinkingID == "" {
		return nil
	}
	parts, err := u.db.Record.Find(ctx, database.RecordFilter{
		SourceID:     host.SourceID,
		HostRecordID: host.LinkingID,
		Deleted:      boolPtr(false),
	}, 0)
	if err != nil {
		return err
	}
	var drivers []record.Driver
	for _, part := range parts {
		pd, err := record.New(part.Format, []byte(part.Data()), part.OaiID, part.SourceID, ds.DriverParams)
		if err != nil {
			log.ZWarn(ctx, "component part unparseable, skipping merge", err, "id", part.ID)
			continue
		}
		if excludeFromMerge(policy, pd.Format()) {
			continue
		}
		drivers = append(drivers, pd)
	}
	if len(drivers) == 0 {
		return nil
	}
	merged := driver.MergeComponentParts(drivers)
	log.ZDebug(ctx, "merged component parts", "host", host.ID, "merged", merged)
	return nil
}

func excludeFromMerge(policy, format string) bool {
	switch policy {
	case "merge_non_articles":
		return format == "Article" || format == "eArticle"
	case "merge_non_earticles":
		return format == "eArticle"
	}
	return false
}

// mergeDocuments combines member documents into one merged document: union
// for multi-valued fields, first-non-empty for single-valued ones.
func mergeDocuments(groupID string, docs []map[string]any) map[string]any {
	merged := map[string]any{}
	var localIDs []string
	for _, doc := range docs {
		if id, ok := doc["id"].(string); ok {
			localIDs = append(localIDs, id)
		}
		for key, value := range doc {
			switch key {
			case "id", "record_id":
				continue
			}
			switch v := value.(type) {
			case []string:
				existing, _ := merged[key].([]string)
				merged[key] = appendUnique(existing, v...)
			default:
				if _, ok := merged[key]; !ok {
					merged[key] = value
				}
			}
		}
	}
	merged["id"] = groupID
	merged["merged_boolean"] = true
	merged["local_ids_str_mv"] = localIDs
	return merged
}

// expandBuilding rewrites the building field into the hierarchical facet
// encoding: ["0/inst/", "1/inst/a/", ...]. Values already carrying a level
// prefix pass through unchanged.
func expandBuilding(doc map[string]any, institution string) {
	values := stringValues(doc["building"])
	if len(values) == 0 || institution == "" {
		return
	}
	var out []string
	for _, v := range values {
		if preEncoded(v) {
			out = append(out, v)
			continue
		}
		levels := append([]string{institution}, strings.Split(v, "/")...)
		for i := 1; i <= len(levels); i++ {
			out = appendUnique(out, encodeLevel(levels[:i]))
		}
	}
	doc["building"] = out
}

// preEncoded reports whether a building value already uses the "N/..."
// hierarchical encoding.
func preEncoded(v string) bool {
	i := strings.IndexByte(v, '/')
	if i <= 0 {
		return false
	}
	for _, r := range v[:i] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func encodeLevel(levels []string) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(levels) - 1))
	for _, l := range levels {
		b.WriteByte('/')
		b.WriteString(l)
	}
	b.WriteByte('/')
	return b.String()
}

// dropEmpty removes empty strings and empty lists so the index never stores
// vacuous fields.
func dropEmpty(doc map[string]any) {
	for key, value := range doc {
		switch v := value.(type) {
		case string:
			if v == "" {
				delete(doc, key)
			}
		case []string:
			var kept []string
			for _, s := range v {
				if s != "" {
					kept = append(kept, s)
				}
			}
			if len(kept) == 0 {
				delete(doc, key)
			} else {
				doc[key] = kept
			}
		case nil:
			delete(doc, key)
		}
	}
}

func stringValues(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	}
	return nil
}

func stringOrFirst(v any) string {
	values := stringValues(v)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range dst {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

func boolPtr(v bool) *bool { return &v }
