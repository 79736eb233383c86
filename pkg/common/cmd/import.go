package cmd

import (
	"github.com/spf13/cobra"
)

func (r *RootCmd) newImportCmd() *cobra.Command {
	var (
		file       string
		source     string
		markDelete bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "ingest record files from disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := r.processor().ImportFiles(cmd.Context(), source, file, markDelete)
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "file or glob to import")
	cmd.Flags().StringVar(&source, "source", "", "data source the files belong to")
	cmd.Flags().BoolVar(&markDelete, "delete", false, "mark the imported records deleted instead")
	cobra.CheckErr(cmd.MarkFlagRequired("file"))
	cobra.CheckErr(cmd.MarkFlagRequired("source"))
	return cmd
}
