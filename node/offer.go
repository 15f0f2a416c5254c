package node

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/ferry"
	"github.com/filecoin-shipyard/ferry/packer"
)

// Offer hands a packed aggregate to the broker and advances its ferry
// record closed -> offered. A conflict on the advance means a peer already
// offered it, which is the desired end state.
func (n *Node) Offer(ctx context.Context, agg *packer.Aggregate) error {
	if n.broker == nil {
		log.Debugw("no broker configured, aggregate stays closed", "aggregate", agg.PieceCID)
		return nil
	}

	if err := n.broker.Offer(ctx, agg); err != nil {
		return xerrors.Errorf("offering aggregate %s: %w", agg.PieceCID, err)
	}

	switch err := n.aggregates.Advance(ctx, agg.PieceCID, ferry.StatusClosed, ferry.StatusOffered); {
	case err == nil, xerrors.Is(err, ferry.ErrStateConflict):
		return nil
	default:
		return err
	}
}

// RecordOutcome records the counterparty's decision on an offered
// aggregate. Conflicts are benign for the matching outcome and surfaced
// otherwise.
func (n *Node) RecordOutcome(ctx context.Context, aggregateCID string, accepted bool) error {
	to := ferry.StatusRejected
	if accepted {
		to = ferry.StatusAccepted
	}

	switch err := n.aggregates.Advance(ctx, aggregateCID, ferry.StatusOffered, to); {
	case err == nil:
		return nil
	case xerrors.Is(err, ferry.ErrStateConflict):
		f, gerr := n.aggregates.Get(ctx, aggregateCID)
		if gerr == nil && f.Status == to {
			return nil
		}
		return err
	default:
		return err
	}
}
