package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/opaque/hevec/internal/config"
	hverr "github.com/opaque/hevec/pkg/errors"
)

func newInitCmd(a *app) *cobra.Command {
	var (
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to a YAML file",
		Long: "Write the effective configuration (defaults merged with environment and flags) " +
			"so later commands can discover it as ./hevec.yaml.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := os.Stat(output)
			switch {
			case err == nil && !force:
				return hverr.New(hverr.CodeCLIInputInvalid, "config file already exists, use --force to overwrite",
					hverr.FieldPath(output))
			case err != nil && !errors.Is(err, fs.ErrNotExist):
				return hverr.Wrap(err, hverr.CodeCLISetupFailure, "failed to inspect config path", hverr.FieldPath(output))
			}

			if err := config.Save(output, a.cfg); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", config.FileName, "where to write the config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
