package cmd

import (
	"context"
	"strings"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/biblioworks/recordmanager/internal/harvest"
	"github.com/biblioworks/recordmanager/pkg/common/config"
)

// harvestConcurrency bounds how many sources fetch at once; each source
// itself stays sequential.
const harvestConcurrency = 4

func (r *RootCmd) newHarvestCmd() *cobra.Command {
	var (
		source     string
		from       string
		until      string
		resumption string
		exclude    string
		reharvest  string
	)
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "fetch records from data sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := harvest.Options{Resumption: resumption}
			var err error
			if opts.From, err = parseDate(from); err != nil {
				return err
			}
			if opts.Until, err = parseDate(until); err != nil {
				return err
			}
			if cmd.Flags().Changed("reharvest") {
				opts.Reharvest = true
				if opts.ReharvestDate, err = parseDate(reharvest); err != nil {
					return err
				}
			}
			return r.harvest(cmd.Context(), source, exclude, opts)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "harvest only this source")
	cmd.Flags().StringVar(&from, "from", "", "start of the harvest window (overrides state)")
	cmd.Flags().StringVar(&until, "until", "", "end of the harvest window")
	cmd.Flags().StringVar(&resumption, "resumption", "", "resume from an explicit token")
	cmd.Flags().StringVar(&exclude, "exclude", "", "comma-separated sources to skip")
	cmd.Flags().StringVar(&reharvest, "reharvest", "", "full reharvest with deletion sweep, optionally from a date")
	cmd.Flags().Lookup("reharvest").NoOptDefVal = " "
	return cmd
}

func (r *RootCmd) harvest(ctx context.Context, source, exclude string, opts harvest.Options) error {
	var targets []*config.DataSource
	if source != "" {
		ds, ok := r.sources[source]
		if !ok {
			return errs.New("unknown data source", "source", source).Wrap()
		}
		targets = append(targets, ds)
	} else {
		excluded := map[string]struct{}{}
		for _, id := range strings.Split(exclude, ",") {
			if id = strings.TrimSpace(id); id != "" {
				excluded[id] = struct{}{}
			}
		}
		for _, ds := range r.sources {
			if _, skip := excluded[ds.ID]; !skip && ds.URL != "" {
				targets = append(targets, ds)
			}
		}
	}

	proc := r.processor()
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(harvestConcurrency)
	for _, ds := range targets {
		ds := ds
		group.Go(func() error {
			store := func(ctx context.Context, oaiID string, deleted bool, payload []byte) error {
				_, err := proc.StoreRecord(ctx, ds.ID, oaiID, deleted, payload)
				return err
			}
			h, err := harvest.New(ds, r.db, r.client, store)
			if err != nil {
				return err
			}
			if _, err := h.Harvest(gctx, opts); err != nil {
				log.ZError(gctx, "harvest failed", err, "source", ds.ID)
				return err
			}
			return nil
		})
	}
	return group.Wait()
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{harvest.DateFormat, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errs.New("unparseable date", "value", value).Wrap()
}
