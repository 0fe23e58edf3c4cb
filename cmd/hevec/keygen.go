package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opaque/hevec/pkg/crypto"
	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/identity"
)

func newKeygenCmd(a *app) *cobra.Command {
	var (
		force bool
		fast  bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the encryption context and identity key",
		Long: "Build a CKKS context with relinearization and rotation keys and write it to context.path. " +
			"An existing context is kept unless --force is given. The identity key is created if missing " +
			"and never overwritten.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.cfg.Context.Path

			_, err := os.Stat(path)
			switch {
			case err == nil && !force:
				a.log.Info("encryption context exists, skipping", zap.String("path", path))
			case err != nil && !errors.Is(err, fs.ErrNotExist):
				return hverr.Wrap(err, hverr.CodeCLISetupFailure, "failed to inspect context path", hverr.FieldPath(path))
			default:
				literal := a.cfg.Context.Parameters
				if fast {
					literal = crypto.FastParametersLiteral()
				}
				if err := generateContext(a, path, literal); err != nil {
					return err
				}
			}

			if a.cfg.Identity.Disabled {
				a.log.Warn("identity encryption disabled, no identity key created")
			} else {
				key, err := identity.LoadOrCreateKey(a.cfg.Identity.KeyPath, a.log)
				if err != nil {
					return err
				}
				a.log.Info("identity key ready",
					zap.String("path", a.cfg.Identity.KeyPath),
					zap.String("fingerprint", identity.Fingerprint(key)))
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "replace an existing context (data encrypted under it becomes unsearchable)")
	cmd.Flags().BoolVar(&fast, "fast", false, "use the smaller development parameter set")
	return cmd
}

func generateContext(a *app, path string, literal crypto.ParametersLiteral) error {
	start := time.Now()
	hctx, err := crypto.GenerateContext(literal)
	if err != nil {
		return err
	}
	if dim := a.cfg.Context.Dimension; dim > hctx.MaxSlots() {
		return hverr.New(hverr.CodeCLIInputInvalid, "dimension exceeds context slots",
			hverr.Field("dimension", dim), hverr.Field("slots", hctx.MaxSlots()))
	}
	if err := hctx.WriteFile(path, true); err != nil {
		return err
	}

	a.log.Info("encryption context written",
		zap.String("path", path),
		zap.Int("log_n", literal.LogN),
		zap.Int("slots", hctx.MaxSlots()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
