package node

import (
	"context"

	"github.com/filecoin-project/go-state-types/abi"
	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/ferry"
	"github.com/filecoin-shipyard/ferry/metrics"
	"github.com/filecoin-shipyard/ferry/piece"
	"github.com/filecoin-shipyard/ferry/reducer"
)

// Entry describes one piece of content handed to the pipeline.
type Entry struct {
	PieceCID string
	RawSize  uint64
	GroupKey string
}

// Ingest persists the entries as pending pieces, hands them to the
// reduction cycle as one buffer per group, and loads their mass onto the
// group's open cargo ferry. A full ferry is closed and a fresh one opened.
// The whole batch is validated before anything is written: a piece padded
// beyond the capacity class could never fold into an aggregate and would
// circle through the reducer forever.
func (n *Node) Ingest(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if e.GroupKey == "" {
			return xerrors.Errorf("piece %s has no group key", e.PieceCID)
		}
		if padded := piece.PaddedSize(e.RawSize); padded > n.capacity {
			return xerrors.Errorf("piece %s padded size %d exceeds the %s capacity class", e.PieceCID, padded, n.cfg.Aggregate.SectorSize)
		}
	}

	byGroup := map[string][]piece.Piece{}
	for _, e := range entries {
		p := piece.Piece{
			PieceCID: e.PieceCID,
			Size:     piece.PaddedSize(e.RawSize),
			GroupKey: e.GroupKey,
		}
		if err := piece.Create(ctx, n.st, p); err != nil {
			return err
		}
		byGroup[e.GroupKey] = append(byGroup[e.GroupKey], p)
	}

	for gk, pieces := range byGroup {
		buf := reducer.Buffer{GroupKey: gk}
		var batch uint64
		for _, p := range pieces {
			buf.Pieces = append(buf.Pieces, reducer.PieceRef{PieceCID: p.PieceCID, Size: p.Size})
			batch += uint64(p.Size)
		}

		bc, err := n.reducer.Submit(ctx, buf)
		if err != nil {
			return err
		}
		log.Infow("ingested buffer", "group", gk, "pieces", len(pieces), "buffer", bc)
		metrics.RecordPiecesIngested(ctx, gk, len(pieces))

		if err := n.loadCargo(ctx, gk, batch); err != nil {
			return err
		}
	}
	return nil
}

// loadCargo appends batch bytes to the group's open ferry, rolling over to
// a new ferry when the current one has no room. The full ferry is closed
// when it carries enough; below-minimum fullness just leaves it open for
// a later, smaller batch.
func (n *Node) loadCargo(ctx context.Context, groupKey string, batch uint64) error {
	for attempt := 0; attempt < 3; attempt++ {
		id, err := n.cargo.Open(ctx, groupKey)
		if err != nil {
			return err
		}

		err = n.cargo.Append(ctx, id, groupKey, abi.PaddedPieceSize(batch))
		switch {
		case err == nil:
			return nil
		case xerrors.Is(err, ferry.ErrCapacityExceeded):
			switch cerr := n.cargo.Close(ctx, id); {
			case cerr == nil, xerrors.Is(cerr, ferry.ErrStateConflict):
				// rolled over; re-resolve a fresh ferry
			case xerrors.Is(cerr, ferry.ErrInsufficientSize):
				// ferry cannot take this batch but is too light to close:
				// surface to the caller's scheduling rather than loop
				return xerrors.Errorf("group %s ferry %s full for batch %d yet below minimum: %w", groupKey, id, batch, cerr)
			default:
				return cerr
			}
		case xerrors.Is(err, ferry.ErrStateConflict):
			// a peer closed it under us; re-resolve
		default:
			return err
		}
	}
	return xerrors.Errorf("no open ferry for group %s after repeated rollover", groupKey)
}
