package config

import (
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/openimsdk/tools/errs"
	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// Load reads recordmanager.ini into config. Environment variables prefixed
// with envPrefix override file values (RECORDMANAGER_SOLR_UPDATE_URL and so
// on).
func Load(path string, envPrefix string, config *Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return errs.WrapMsg(err, "read config failed", "path", path)
	}
	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	if err := v.Unmarshal(config, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
	}); err != nil {
		return errs.WrapMsg(err, "unmarshal config failed", "path", path)
	}
	applyDefaults(config)
	return nil
}

func applyDefaults(config *Config) {
	if config.HTTP.MaxTries == 0 {
		config.HTTP.MaxTries = 5
	}
	if config.HTTP.RetryWait == 0 {
		config.HTTP.RetryWait = 2
	}
	if config.HTTP.Timeout == 0 {
		config.HTTP.Timeout = 60
	}
	if config.Solr.MaxUpdateRecords == 0 {
		config.Solr.MaxUpdateRecords = 5000
	}
	if config.Solr.MaxUpdateSize == 0 {
		config.Solr.MaxUpdateSize = 1024
	}
	if config.Solr.MaxCommitInterval == 0 {
		config.Solr.MaxCommitInterval = 50000
	}
	if config.Enrichment.CacheExpiration == 0 {
		config.Enrichment.CacheExpiration = 86400
	}
	if config.AuthorityEnrichment.CacheExpiration == 0 {
		config.AuthorityEnrichment.CacheExpiration = config.Enrichment.CacheExpiration
	}
	if config.Log.RemainRotationCount == 0 {
		config.Log.RemainRotationCount = 2
	}
	if config.Log.RotationTime == 0 {
		config.Log.RotationTime = 24
	}
}

// LoadDataSources reads datasources.ini. Sections are dynamic (one per
// source), so this goes through ini.v1 directly instead of mapstructure.
// Repeated keys ("x_mapping[] = ...") are kept in order.
func LoadDataSources(path string) (map[string]*DataSource, error) {
	file, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, errs.WrapMsg(err, "read datasources failed", "path", path)
	}
	sources := make(map[string]*DataSource)
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		ds, err := parseDataSource(section)
		if err != nil {
			return nil, err
		}
		sources[ds.ID] = ds
	}
	return sources, nil
}

func parseDataSource(section *ini.Section) (*DataSource, error) {
	ds := &DataSource{
		ID:            section.Name(),
		DriverParams:  map[string]string{},
		FieldMappings: map[string][]MappingRef{},
	}
	for _, key := range section.Keys() {
		name := strings.TrimSuffix(key.Name(), "[]")
		values := key.ValueWithShadows()
		value := values[len(values)-1]
		switch name {
		case "url":
			ds.URL = value
		case "format":
			ds.Format = value
		case "institution":
			ds.Institution = value
		case "type":
			ds.Type = value
		case "idPrefix":
			ds.IDPrefix = value
		case "set":
			ds.Set = value
		case "metadataPrefix":
			ds.MetadataPrefix = value
		case "granularity":
			ds.Granularity = value
		case "recordXPath":
			ds.RecordXPath = value
		case "oaiIDXPath":
			ds.OaiIDXPath = value
		case "componentParts":
			ds.ComponentParts = value
		case "dedup":
			ds.Dedup = parseBool(value)
		case "preTransformation":
			ds.PreTransformation = value
		case "normalization":
			ds.Normalization = value
		case "solrTransformation":
			ds.SolrTransformation = value
		case "recordSplitter":
			ds.RecordSplitter = value
		case "indexMergedParts":
			ds.IndexMergedParts = parseBool(value)
		case "non_inherited_fields":
			ds.NonInheritedFields = splitList(value)
		case "prepend_parent_title_with_unitid":
			ds.PrependParentTitleWithUnitID = parseBool(value)
		case "keepMissingHierarchyMembers":
			ds.KeepMissingHierarchyMembers = parseBool(value)
		case "deletions":
			ds.Deletions = strings.ToLower(value)
		case "deletionInterval":
			ds.DeletionIntervalDays, _ = strconv.Atoi(value)
		case "harvestSafetyOffset":
			ds.HarvestSafetyOffset, _ = strconv.Atoi(value)
		case "sierraApiKey":
			ds.SierraAPIKey = value
		case "driverParams":
			for _, param := range splitList(value) {
				if k, v, ok := strings.Cut(param, "="); ok {
					ds.DriverParams[strings.TrimSpace(k)] = strings.TrimSpace(v)
				}
			}
		default:
			if field, ok := strings.CutSuffix(name, "_mapping"); ok {
				for _, value := range values {
					ds.FieldMappings[field] = append(ds.FieldMappings[field], parseMappingRef(value))
				}
			}
		}
	}
	if ds.Format == "" && ds.Type != "metalib" {
		return nil, errs.New("data source has no format", "source", ds.ID).Wrap()
	}
	return ds, nil
}

// parseMappingRef splits "file.map,regexp" into filename and type.
func parseMappingRef(value string) MappingRef {
	ref := MappingRef{Type: "normal"}
	if file, typ, ok := strings.Cut(value, ","); ok {
		ref.Filename = strings.TrimSpace(file)
		ref.Type = strings.TrimSpace(typ)
	} else {
		ref.Filename = strings.TrimSpace(value)
	}
	return ref
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
