package config

import (
	"github.com/openimsdk/tools/db/mongoutil"
)

// Config is the parsed recordmanager.ini.
type Config struct {
	Site                Site       `mapstructure:"site"`
	Mongo               Mongo      `mapstructure:"mongo"`
	Solr                Solr       `mapstructure:"solr"`
	HTTP                HTTP       `mapstructure:"http"`
	Enrichment          Enrichment `mapstructure:"enrichment"`
	AuthorityEnrichment Enrichment `mapstructure:"authorityenrichment"`
	Log                 Log        `mapstructure:"log"`
}

type Site struct {
	Institution       string `mapstructure:"institution"`
	Collection        string `mapstructure:"collection"`
	BuildingHierarchy bool   `mapstructure:"building_hierarchy"`
	MappingDir        string `mapstructure:"mapping_dir"`
}

type Mongo struct {
	URI         string   `mapstructure:"uri"`
	Address     []string `mapstructure:"address"`
	Database    string   `mapstructure:"database"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	AuthSource  string   `mapstructure:"auth_source"`
	MaxPoolSize int      `mapstructure:"max_pool_size"`
	MaxRetry    int      `mapstructure:"max_retry"`
}

func (m *Mongo) Build() *mongoutil.Config {
	return &mongoutil.Config{
		Uri:         m.URI,
		Address:     m.Address,
		Database:    m.Database,
		Username:    m.Username,
		Password:    m.Password,
		AuthSource:  m.AuthSource,
		MaxPoolSize: m.MaxPoolSize,
		MaxRetry:    m.MaxRetry,
	}
}

type Solr struct {
	UpdateURL         string `mapstructure:"update_url"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	MaxUpdateRecords  int    `mapstructure:"max_update_records"`
	MaxUpdateSize     int    `mapstructure:"max_update_size"` // kilobytes
	MaxCommitInterval int    `mapstructure:"max_commit_interval"`
	MergeRecords      bool   `mapstructure:"merge_records"`
}

type HTTP struct {
	MaxTries  int `mapstructure:"max_tries"`
	RetryWait int `mapstructure:"retry_wait"` // seconds, doubled per attempt up to 30s
	Timeout   int `mapstructure:"timeout"`    // seconds per request
}

type Enrichment struct {
	CacheExpiration int    `mapstructure:"cache_expiration"` // seconds
	URLPrefix       string `mapstructure:"url_prefix"`
}

type Log struct {
	StorageLocation     string `mapstructure:"storage_location"`
	RotationTime        uint   `mapstructure:"rotation_time"`
	RemainRotationCount uint   `mapstructure:"remain_rotation_count"`
	RemainLogLevel      int    `mapstructure:"remain_log_level"`
	IsStdout            bool   `mapstructure:"is_stdout"`
	IsJson              bool   `mapstructure:"is_json"`
}

// MappingRef is one entry of a per-field mapping chain: a mapping file and
// how its values apply.
type MappingRef struct {
	Filename string
	Type     string // normal | regexp | regexp-multi
}

// DataSource is one section of datasources.ini.
type DataSource struct {
	ID                           string
	URL                          string
	Format                       string
	Institution                  string
	Type                         string // oai-pmh | sierra | sfx | metalib | metalib_export
	IDPrefix                     string
	Set                          string
	MetadataPrefix               string
	Granularity                  string // "" (full timestamps) | auto | YYYY-MM-DD
	RecordXPath                  string
	OaiIDXPath                   string
	ComponentParts               string // as_is | merge_all | merge_non_articles | merge_non_earticles
	Dedup                        bool
	PreTransformation            string
	Normalization                string
	SolrTransformation           string
	RecordSplitter               string
	IndexMergedParts             bool
	NonInheritedFields           []string
	PrependParentTitleWithUnitID bool
	KeepMissingHierarchyMembers  bool
	Deletions                    string // listidentifiers | reharvest | ""
	DeletionIntervalDays         int
	HarvestSafetyOffset          int // seconds subtracted from from/until
	SierraAPIKey                 string
	DriverParams                 map[string]string
	FieldMappings                map[string][]MappingRef
}

// Prefix returns the id prefix for records of the source, defaulting to the
// source id itself.
func (d *DataSource) Prefix() string {
	if d.IDPrefix != "" {
		return d.IDPrefix
	}
	return d.ID
}
