package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of stored records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			_, err = fmt.Fprintln(cmd.OutOrStdout(), store.Count(cmd.Context()))
			return err
		},
	}
}

func newIDsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ids",
		Short: "Print every stored identifier, one per line",
		Long: "Print every stored identifier after identity decryption. Identifiers that do not decrypt " +
			"under the current key are printed as their raw bytes.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			ids, err := store.IDs(cmd.Context())
			if err != nil {
				return err
			}

			opaque := 0
			for _, id := range ids {
				if id.Opaque {
					opaque++
				}
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), id.String()); err != nil {
					return err
				}
			}
			if opaque > 0 {
				a.log.Warn("some identifiers did not decrypt", zap.Int("opaque", opaque), zap.Int("total", len(ids)))
			}
			return nil
		},
	}
}
