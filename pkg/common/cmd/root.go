// Package cmd wires the pipeline stages into the recordmanager CLI.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/log"
	"github.com/spf13/cobra"

	"github.com/biblioworks/recordmanager/internal/dedup"
	"github.com/biblioworks/recordmanager/internal/enrich"
	"github.com/biblioworks/recordmanager/internal/export"
	"github.com/biblioworks/recordmanager/internal/harvest"
	"github.com/biblioworks/recordmanager/internal/ingest"
	"github.com/biblioworks/recordmanager/internal/manage"
	"github.com/biblioworks/recordmanager/internal/solrindex"
	"github.com/biblioworks/recordmanager/pkg/common/config"
	"github.com/biblioworks/recordmanager/pkg/common/storage/controller"
	"github.com/biblioworks/recordmanager/pkg/fieldmap"
)

const version = "1.0.0"

// RootCmd owns the shared runtime every subcommand builds on: parsed
// configuration, the record database and the HTTP client.
type RootCmd struct {
	Command cobra.Command

	configPath      string
	datasourcesPath string

	cfg     *config.Config
	sources map[string]*config.DataSource
	db      *controller.RecordDatabase
	client  *harvest.Client
}

func NewRootCmd() *RootCmd {
	root := &RootCmd{cfg: &config.Config{}}
	root.Command = cobra.Command{
		Use:           "recordmanager",
		Short:         "metadata record management and indexing pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return root.initialize(cmd.Context())
		},
	}
	root.Command.PersistentFlags().StringVar(&root.configPath, "config", "recordmanager.ini", "main configuration file")
	root.Command.PersistentFlags().StringVar(&root.datasourcesPath, "datasources", "datasources.ini", "data source configuration file")
	root.Command.AddCommand(
		root.newHarvestCmd(),
		root.newImportCmd(),
		root.newExportCmd(),
		root.newManageCmd(),
		root.newDataSourcesCmd(),
	)
	return root
}

func (r *RootCmd) initialize(ctx context.Context) error {
	if err := config.Load(r.configPath, "RECORDMANAGER", r.cfg); err != nil {
		return err
	}
	sources, err := config.LoadDataSources(r.datasourcesPath)
	if err != nil {
		return err
	}
	r.sources = sources
	err = log.InitLoggerFromConfig("recordmanager-log", "recordmanager", "", "",
		r.cfg.Log.RemainLogLevel, r.cfg.Log.IsStdout, r.cfg.Log.IsJson,
		r.cfg.Log.StorageLocation, r.cfg.Log.RemainRotationCount, r.cfg.Log.RotationTime,
		version, false)
	if err != nil {
		return err
	}
	mgocli, err := mongoutil.NewMongoDB(ctx, r.cfg.Mongo.Build())
	if err != nil {
		return err
	}
	r.db, err = controller.NewRecordDatabase(mgocli)
	if err != nil {
		return err
	}
	r.client = harvest.NewClient(r.cfg.HTTP)
	return nil
}

func (r *RootCmd) processor() *ingest.Processor {
	return ingest.NewProcessor(r.db, r.sources)
}

func (r *RootCmd) deduplicator() (*dedup.Deduplicator, error) {
	return dedup.NewDeduplicator(r.db, r.sources)
}

func (r *RootCmd) updater() (*solrindex.Updater, error) {
	mapper, err := fieldmap.New(r.cfg.Site.MappingDir, r.sources)
	if err != nil {
		return nil, err
	}
	var enrichers []enrich.Enricher
	if r.cfg.AuthorityEnrichment.URLPrefix != "" {
		enrichers = append(enrichers, enrich.NewAuthorityEnricher(
			r.cfg.AuthorityEnrichment, r.db.URICache, r.client, "author_id_str_mv", "author_variant"))
	}
	if r.cfg.Enrichment.URLPrefix != "" {
		enrichers = append(enrichers, enrich.NewAuthorityEnricher(
			r.cfg.Enrichment, r.db.Ontology, r.client, "topic_uri_str_mv", "topic_alt_txt_mv"))
	}
	solr := solrindex.NewClient(r.cfg.Solr, r.client)
	return solrindex.NewUpdater(r.cfg, r.sources, r.db, solr, mapper, enrichers), nil
}

func (r *RootCmd) exporter() *export.Exporter {
	return export.New(r.db)
}

func (r *RootCmd) manager() *manage.Manager {
	return manage.New(r.db, r.sources)
}

// Execute runs the CLI with SIGTERM-aware cancellation: on signal the
// current record completes, checkpoints flush, and the process exits
// non-zero.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	root := NewRootCmd()
	if err := root.Command.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
