package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/node"
	"github.com/filecoin-shipyard/ferry/queue/redisqueue"
)

// manifestEntry is one line item of an ingest manifest: a piece already
// prepared (padded, commP computed) by the data owner.
type manifestEntry struct {
	PieceCID string `json:"pieceCid"`
	RawSize  uint64 `json:"rawSize"`
	GroupKey string `json:"groupKey"`
}

var ingestCmd = &cli.Command{
	Name:      "ingest",
	Usage:     "submit a manifest of prepared pieces to the pipeline",
	ArgsUsage: "<manifest.json>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "group",
			Usage: "override the group key for every manifest entry",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.Errorf("expected a manifest path")
		}

		data, err := os.ReadFile(cctx.Args().First())
		if err != nil {
			return xerrors.Errorf("reading manifest: %w", err)
		}
		var manifest []manifestEntry
		if err := json.Unmarshal(data, &manifest); err != nil {
			return xerrors.Errorf("parsing manifest: %w", err)
		}
		if len(manifest) == 0 {
			return xerrors.Errorf("manifest is empty")
		}

		entries := make([]node.Entry, 0, len(manifest))
		for _, m := range manifest {
			e := node.Entry{PieceCID: m.PieceCID, RawSize: m.RawSize, GroupKey: m.GroupKey}
			if g := cctx.String("group"); g != "" {
				e.GroupKey = g
			}
			entries = append(entries, e)
		}

		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		ds, err := openDatastore(cfg)
		if err != nil {
			return err
		}
		defer ds.Close() // nolint:errcheck

		ctx := context.Background()
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
		defer rdb.Close() // nolint:errcheck

		consumer := "ferry-ingest-" + uuid.New().String()
		q, err := redisqueue.New(ctx, rdb, cfg.Queue.Stream, cfg.Queue.Group, consumer)
		if err != nil {
			return xerrors.Errorf("connecting to queue: %w", err)
		}

		nd, err := node.New(cfg, ds, q, nil)
		if err != nil {
			return err
		}
		if err := nd.Ingest(ctx, entries); err != nil {
			return err
		}

		log.Infow("manifest ingested", "pieces", len(entries))
		return nil
	},
}
