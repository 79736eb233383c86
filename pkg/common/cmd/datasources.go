package cmd

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/openimsdk/tools/errs"
	"github.com/spf13/cobra"
)

func (r *RootCmd) newDataSourcesCmd() *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:   "datasources",
		Short: "list configured data sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			var matcher *regexp.Regexp
			if search != "" {
				var err error
				matcher, err = regexp.Compile(search)
				if err != nil {
					return errs.WrapMsg(err, "bad search pattern", "pattern", search)
				}
			}
			ids := make([]string, 0, len(r.sources))
			for id := range r.sources {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				ds := r.sources[id]
				if matcher != nil && !matcher.MatchString(id) && !matcher.MatchString(ds.URL) {
					continue
				}
				fmt.Printf("[%s]\n  type=%s format=%s url=%s dedup=%v institution=%s\n",
					ds.ID, ds.Type, ds.Format, ds.URL, ds.Dedup, ds.Institution)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "show only sources matching this regexp")
	return cmd
}
