package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/ferry"
	"github.com/filecoin-shipyard/ferry/oracle"
	"github.com/filecoin-shipyard/ferry/packer"
	"github.com/filecoin-shipyard/ferry/store"
)

var listCmd = &cli.Command{
	Name:  "list",
	Usage: "list ferries and packed aggregates",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "status",
			Usage: "only show ferries in this status (open/closed/offered/accepted/rejected)",
		},
	},
	Action: func(cctx *cli.Context) error {
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
		st := store.New(ds)

		ferries, err := store.List[ferry.Ferry](ctx, st, "/ferry/")
		if err != nil {
			return err
		}

		status := ferry.Status(cctx.String("status"))
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FERRY\tGROUP\tSTATUS\tSIZE\tUPDATED")
		for _, f := range ferries {
			if status != "" && f.Status != status {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				f.ID, f.GroupKey, f.Status,
				humanize.IBytes(uint64(f.Size)),
				f.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		aggs, err := packer.ListAggregates(ctx, st)
		if err != nil {
			return err
		}
		if len(aggs) == 0 {
			return nil
		}

		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGGREGATE\tGROUP\tSIZE\tPIECES")
		for _, a := range aggs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
				a.PieceCID, a.GroupKey, humanize.IBytes(uint64(a.Size)), len(a.Pieces))
		}
		return w.Flush()
	},
}

var dealsCmd = &cli.Command{
	Name:      "deals",
	Usage:     "show recorded deals for a piece",
	ArgsUsage: "<piece-cid>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.Errorf("expected a piece cid")
		}
		pieceCID := cctx.Args().First()

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
		st := store.New(ds)

		deals, err := oracle.DealsForPiece(ctx, st, pieceCID)
		if err != nil {
			return err
		}
		if len(deals) == 0 {
			fmt.Println("no deals recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEAL\tPROVIDER\tEXPIRATION\tSOURCE\tFIRST SEEN")
		for _, d := range deals {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
				d.DealID, d.Provider, d.Expiration, d.Source,
				humanize.Time(d.CreatedAt))
		}
		return w.Flush()
	},
}
