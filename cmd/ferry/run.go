package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats/view"
	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/metrics"
	"github.com/filecoin-shipyard/ferry/node"
	"github.com/filecoin-shipyard/ferry/queue/redisqueue"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "start the ferry daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "max-ferry-size",
			Usage: "override Ingest.MaxFerrySize (accepts units, e.g. 60GiB)",
		},
		&cli.StringFlag{
			Name:  "min-aggregate-size",
			Usage: "override Aggregate.MinAggregateSize (accepts units, e.g. 16GiB)",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if s := cctx.String("max-ferry-size"); s != "" {
			size, err := units.RAMInBytes(s)
			if err != nil {
				return xerrors.Errorf("parsing max-ferry-size: %w", err)
			}
			cfg.Ingest.MaxFerrySize = uint64(size)
		}
		if s := cctx.String("min-aggregate-size"); s != "" {
			size, err := units.RAMInBytes(s)
			if err != nil {
				return xerrors.Errorf("parsing min-aggregate-size: %w", err)
			}
			cfg.Aggregate.MinAggregateSize = uint64(size)
		}

		ds, err := openDatastore(cfg)
		if err != nil {
			return err
		}
		defer ds.Close() // nolint:errcheck

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		rdb := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
		defer rdb.Close() // nolint:errcheck

		consumer := "ferry-" + uuid.New().String()
		q, err := redisqueue.New(ctx, rdb, cfg.Queue.Stream, cfg.Queue.Group, consumer)
		if err != nil {
			return xerrors.Errorf("connecting to queue: %w", err)
		}

		var broker node.Broker
		if cfg.Broker.URL != "" {
			broker = node.NewHTTPBroker(cfg.Broker.URL)
		} else {
			log.Warnw("no broker configured; aggregates will stay closed")
		}

		if err := view.Register(metrics.DefaultViews...); err != nil {
			return xerrors.Errorf("registering metric views: %w", err)
		}

		nd, err := node.New(cfg, ds, q, broker)
		if err != nil {
			return err
		}

		log.Infow("ferry daemon up",
			"stream", cfg.Queue.Stream,
			"sector-size", cfg.Aggregate.SectorSize,
			"oracle", cfg.Oracle.URL != "")

		if err := nd.Run(ctx); err != nil && !xerrors.Is(err, context.Canceled) {
			return err
		}
		log.Info("shutting down")
		return nil
	},
}
