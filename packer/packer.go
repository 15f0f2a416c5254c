package packer

import (
	"context"
	"sort"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/ferry"
	"github.com/filecoin-shipyard/ferry/metrics"
	"github.com/filecoin-shipyard/ferry/piece"
	"github.com/filecoin-shipyard/ferry/store"
)

var log = logging.Logger("packer")

// Aggregate is a closed ferry plus its resolved membership. Immutable once
// its commitment is computed: changing membership changes the id.
type Aggregate struct {
	PieceCID  string
	BufferRef string
	GroupKey  string
	Size      abi.PaddedPieceSize
	Pieces    []string

	CreatedAt time.Time
}

func AggregateKey(pieceCID string) string {
	return "/aggregate/" + pieceCID
}

// Packer builds aggregates from candidate pieces and drives the resulting
// ferry record through append and close.
type Packer struct {
	st        *store.Store
	tracker   *ferry.Tracker
	proofType abi.RegisteredSealProof
	clock     clock.Clock
}

func New(st *store.Store, tracker *ferry.Tracker, proofType abi.RegisteredSealProof) *Packer {
	return &Packer{st: st, tracker: tracker, proofType: proofType, clock: clock.New()}
}

// Pack folds as many candidates as fit into one aggregate and persists it.
// Candidates are taken smallest-first: a simple deterministic heuristic,
// not optimal bin-packing. Rejected pieces are returned to the caller and
// stay pending. Returns (nil, rejected, nil) when nothing folded at all.
//
// Packing is idempotent: the aggregate id is derived from the folded
// membership, so re-running after a crash recomputes the same id and the
// conditional writes below converge instead of diverging.
func (p *Packer) Pack(ctx context.Context, groupKey, bufferRef string, candidates []abi.PieceInfo) (*Aggregate, []abi.PieceInfo, error) {
	sorted := make([]abi.PieceInfo, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Size != sorted[j].Size {
			return sorted[i].Size < sorted[j].Size
		}
		return sorted[i].PieceCID.KeyString() < sorted[j].PieceCID.KeyString()
	})

	b, err := NewBuilder(p.proofType)
	if err != nil {
		return nil, nil, err
	}

	var folded, rejected []abi.PieceInfo
	for _, c := range sorted {
		switch err := b.Fold(c); {
		case err == nil:
			folded = append(folded, c)
		case xerrors.Is(err, ErrPieceRejected):
			log.Debugw("piece rejected from aggregate", "piece", c.PieceCID, "size", c.Size, "group", groupKey)
			metrics.RecordPackRejected(ctx, groupKey)
			rejected = append(rejected, c)
		default:
			return nil, nil, err
		}
	}

	if len(folded) == 0 {
		return nil, rejected, nil
	}

	root, size, err := b.Finalize()
	if err != nil {
		return nil, nil, err
	}

	now := p.clock.Now()
	agg := &Aggregate{
		PieceCID:  root.String(),
		BufferRef: bufferRef,
		GroupKey:  groupKey,
		Size:      size,
		CreatedAt: now,
	}
	for _, f := range folded {
		agg.Pieces = append(agg.Pieces, f.PieceCID.String())
	}

	if err := store.Put(ctx, p.st, AggregateKey(agg.PieceCID), agg); err != nil {
		return nil, nil, err
	}

	// the aggregate's own ferry record: load it in one batch, then close
	switch err := p.tracker.Append(ctx, agg.PieceCID, groupKey, size); {
	case err == nil:
	case xerrors.Is(err, ferry.ErrStateConflict):
		// a previous run of this same pack already closed it
	default:
		return nil, nil, err
	}
	switch err := p.tracker.Close(ctx, agg.PieceCID); {
	case err == nil:
	case xerrors.Is(err, ferry.ErrStateConflict):
	default:
		return nil, nil, err
	}

	for _, f := range folded {
		if err := piece.MarkIncluded(ctx, p.st, f.PieceCID.String(), f.Size, groupKey, now); err != nil {
			return nil, nil, err
		}
	}

	metrics.RecordAggregatePacked(ctx, groupKey, len(folded))
	log.Infow("packed aggregate", "aggregate", agg.PieceCID, "group", groupKey,
		"folded", len(folded), "rejected", len(rejected), "size", size)

	return agg, rejected, nil
}

// GetAggregate loads a persisted aggregate by its commitment.
func GetAggregate(ctx context.Context, st *store.Store, pieceCID string) (*Aggregate, error) {
	return store.Get[Aggregate](ctx, st, AggregateKey(pieceCID))
}

// ListAggregates returns every persisted aggregate.
func ListAggregates(ctx context.Context, st *store.Store) ([]Aggregate, error) {
	return store.List[Aggregate](ctx, st, "/aggregate/")
}
