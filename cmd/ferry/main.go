package main

import (
	"os"
	"path/filepath"

	"github.com/ipfs/go-datastore"
	badgerds "github.com/ipfs/go-ds-badger2"
	logging "github.com/ipfs/go-log/v2"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/build"
	"github.com/filecoin-shipyard/ferry/node/config"
)

var log = logging.Logger("ferry")

func main() {
	_ = logging.SetLogLevel("*", "INFO")

	app := &cli.App{
		Name:    "ferry",
		Usage:   "aggregate content pieces into storage deals",
		Version: build.UserVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the config file",
				EnvVars: []string{"FERRY_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "override the configured data directory",
				EnvVars: []string{"FERRY_DATA_DIR"},
			},
		},
		Commands: []*cli.Command{
			runCmd,
			ingestCmd,
			listCmd,
			dealsCmd,
			configCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	if path := cctx.String("config"); path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, err
		}
		if dir := cctx.String("data-dir"); dir != "" {
			cfg.DataDir = dir
		}
		return cfg, nil
	}

	cfg := config.Default()
	if dir := cctx.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	return cfg, nil
}

func openDatastore(cfg *config.Config) (datastore.Batching, error) {
	dir, err := homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, xerrors.Errorf("expanding data dir %s: %w", cfg.DataDir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("creating data dir: %w", err)
	}

	opts := badgerds.DefaultOptions
	ds, err := badgerds.NewDatastore(filepath.Join(dir, "records"), &opts)
	if err != nil {
		return nil, xerrors.Errorf("opening datastore: %w", err)
	}
	return ds, nil
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "manage the ferry configuration",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "print the default configuration",
			Action: func(cctx *cli.Context) error {
				return config.Default().WriteTo(os.Stdout)
			},
		},
	},
}
