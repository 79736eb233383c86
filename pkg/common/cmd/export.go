package cmd

import (
	"github.com/spf13/cobra"

	"github.com/biblioworks/recordmanager/internal/export"
)

func (r *RootCmd) newExportCmd() *cobra.Command {
	var (
		opts export.Options
		from string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "write stored records to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.From, err = parseDate(from); err != nil {
				return err
			}
			_, err = r.exporter().Export(cmd.Context(), opts)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.File, "file", "-", "output file, - for stdout")
	cmd.Flags().StringVar(&opts.DeletedFile, "deleted", "", "file receiving ids of deleted records")
	cmd.Flags().StringVar(&from, "from", "", "export only records updated since this date")
	cmd.Flags().IntVar(&opts.Skip, "skip", 0, "skip this many records")
	cmd.Flags().StringVar(&opts.SourceID, "source", "", "export only this source")
	cmd.Flags().StringVar(&opts.SingleID, "single", "", "export one record by id")
	cmd.Flags().StringVar(&opts.XPath, "xpath", "", "export only records containing this element")
	cmd.Flags().BoolVar(&opts.SortDedup, "sort-dedup", false, "group deduplicated records together")
	cmd.Flags().StringVar(&opts.AddDedupID, "add-dedup-id", "", "annotate records with their dedup id: deduped or always")
	return cmd
}
