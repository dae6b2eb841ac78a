package main

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	var store string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the relay store schema and print its stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			if store != "" {
				s.Store.Driver = store
			}
			st, err := buildStore(s)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "read store stats")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"driver": s.Store.Driver, "stats": stats})
		},
	}
	cmd.Flags().StringVar(&store, "store", "", "override the configured store driver")
	return cmd
}
