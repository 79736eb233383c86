package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/biblioworks/recordmanager/internal/dedup"
	"github.com/biblioworks/recordmanager/internal/harvest"
	"github.com/biblioworks/recordmanager/internal/solrindex"
)

func (r *RootCmd) newManageCmd() *cobra.Command {
	var (
		fn         string
		source     string
		single     string
		from       string
		noCommit   bool
		compare    string
		dumpPrefix string
		deleted    bool
		all        bool
		schedule   string
	)
	cmd := &cobra.Command{
		Use:   "manage",
		Short: "maintenance operations on the record store and index",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			switch fn {
			case "renormalize":
				_, err := r.manager().Renormalize(ctx, source, single)
				return err
			case "deduplicate":
				dd, err := r.deduplicator()
				if err != nil {
					return err
				}
				if all {
					if _, err := dd.MarkAllDirty(ctx, source); err != nil {
						return err
					}
				}
				_, err = dd.Deduplicate(ctx, source)
				return err
			case "markdeleted":
				_, err := r.manager().MarkDeleted(ctx, source)
				return err
			case "deleterecords":
				_, err := r.manager().DeleteRecords(ctx, source)
				return err
			case "deletesolr":
				u, err := r.updater()
				if err != nil {
					return err
				}
				return u.DeleteDataSource(ctx, source)
			case "updatesolr":
				u, err := r.updater()
				if err != nil {
					return err
				}
				opts := solrindex.Options{
					SourceID:   source,
					SingleID:   single,
					NoCommit:   noCommit,
					Compare:    compare,
					DumpPrefix: dumpPrefix,
				}
				if opts.FromDate, err = parseDate(from); err != nil {
					return err
				}
				return u.UpdateIndex(ctx, opts)
			case "optimizesolr":
				u, err := r.updater()
				if err != nil {
					return err
				}
				return u.Optimize(ctx)
			case "checkdedup":
				stats, err := dedup.ConsistencyCheck(ctx, r.db)
				if err != nil {
					return err
				}
				fmt.Printf("groups=%d removed=%d dissolved=%d cleared=%d\n",
					stats.Groups, stats.RemovedMembers, stats.DissolvedGroups, stats.ClearedRecords)
				return nil
			case "count":
				var deletedFilter *bool
				if cmd.Flags().Changed("deleted") {
					deletedFilter = &deleted
				}
				n, err := r.manager().Count(ctx, source, deletedFilter)
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			case "dump":
				rec, err := r.manager().Dump(ctx, single)
				if err != nil {
					return err
				}
				fmt.Println(rec.Data())
				return nil
			case "preview":
				u, err := r.updater()
				if err != nil {
					return err
				}
				doc, err := u.Preview(ctx, single)
				if err != nil {
					return err
				}
				printDocument(doc)
				return nil
			case "daemon":
				return r.daemon(ctx, schedule)
			default:
				return errs.New("unknown function", "func", fn).Wrap()
			}
		},
	}
	cmd.Flags().StringVar(&fn, "func", "", "operation to run")
	cmd.Flags().StringVar(&source, "source", "", "restrict to one data source")
	cmd.Flags().StringVar(&single, "single", "", "operate on one record by id")
	cmd.Flags().StringVar(&from, "from", "", "start date for updatesolr")
	cmd.Flags().BoolVar(&noCommit, "no-commit", false, "suppress explicit Solr commits")
	cmd.Flags().StringVar(&compare, "compare", "", "write index diffs to this file instead of updating")
	cmd.Flags().StringVar(&dumpPrefix, "dump-prefix", "", "write update batches as files with this prefix")
	cmd.Flags().BoolVar(&deleted, "deleted", false, "count deleted records")
	cmd.Flags().BoolVar(&all, "all", false, "deduplicate every record, not just dirty ones")
	cmd.Flags().StringVar(&schedule, "schedule", "@hourly", "cron schedule of the daemon cycle")
	cobra.CheckErr(cmd.MarkFlagRequired("func"))
	return cmd
}

func printDocument(doc map[string]any) {
	keys := make([]string, 0, len(doc))
	for key := range doc {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Printf("%s = %v\n", key, doc[key])
	}
}

// daemon runs the full pipeline cycle (harvest, deduplicate, index update)
// on a cron schedule until terminated.
func (r *RootCmd) daemon(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := r.cycle(ctx); err != nil {
			log.ZError(ctx, "daemon cycle failed", err)
		}
	})
	if err != nil {
		return errs.WrapMsg(err, "bad cron schedule", "schedule", schedule)
	}
	log.ZInfo(ctx, "daemon started", "schedule", schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.ZInfo(ctx, "daemon stopped")
	return nil
}

func (r *RootCmd) cycle(ctx context.Context) error {
	if err := r.harvest(ctx, "", "", harvest.Options{}); err != nil {
		return err
	}
	dd, err := r.deduplicator()
	if err != nil {
		return err
	}
	if _, err := dd.Deduplicate(ctx, ""); err != nil {
		return err
	}
	if _, err := dedup.ConsistencyCheck(ctx, r.db); err != nil {
		return err
	}
	u, err := r.updater()
	if err != nil {
		return err
	}
	return u.UpdateIndex(ctx, solrindex.Options{})
}
