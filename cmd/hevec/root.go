package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/opaque/hevec"
	"github.com/opaque/hevec/internal/config"
	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/logger"
)

// app is the state shared by every subcommand once flags, environment and
// the config file have been merged.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *zap.Logger
}

// flagKeys binds persistent flags to config keys.
var flagKeys = map[string]string{
	"debug":     "debug",
	"context":   "context.path",
	"dimension": "context.dimension",
	"key":       "identity.key_path",
	"db":        "ledger.path",
	"driver":    "ledger.driver",
}

// NewRootCmd creates the root hevec command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "hevec",
		Short:         "hevec: encrypted vector similarity search",
		Long:          "hevec stores embeddings as CKKS ciphertexts and ranks them against encrypted queries without decrypting the corpus.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "path to config file")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("context", "", "path to the serialized encryption context")
	flags.Int("dimension", 0, "embedding dimension")
	flags.String("key", "", "path to the identity key")
	flags.String("db", "", "ledger file, or a directory that receives he_vector_store.db")
	flags.String("driver", "", "ledger driver: sqlite, postgres or memory")

	root.AddCommand(
		newInitCmd(a),
		newKeygenCmd(a),
		newIngestCmd(a),
		newSearchCmd(a),
		newCountCmd(a),
		newIDsCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)

	return root
}

// init applies the standard precedence: flag > env > file > defaults.
func (a *app) init(cmd *cobra.Command) error {
	config.SetDefaults(a.v)
	config.SetupEnv(a.v)

	cfgFile, _ := cmd.Flags().GetString("config")
	if err := config.ReadFile(a.v, cfgFile); err != nil {
		return err
	}

	for name, key := range flagKeys {
		if err := a.v.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(name)); err != nil {
			return hverr.Wrapf(err, hverr.CodeCLISetupFailure, "binding %s flag", name)
		}
	}

	cfg, err := config.FromViper(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger.New(cfg.Debug)

	if used := a.v.ConfigFileUsed(); used != "" {
		a.log.Debug("config loaded", zap.String("path", used))
	}
	return nil
}

func (a *app) openStore(ctx context.Context) (*hevec.Store, error) {
	return hevec.Open(ctx, a.cfg.StoreConfig(a.log))
}
