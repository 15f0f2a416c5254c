// Package node wires the pipeline stages together and exposes one entry
// point per trigger: piece ingestion, queue consumption, the offer path
// and the oracle timer.
package node

import (
	"context"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/ferry"
	"github.com/filecoin-shipyard/ferry/node/config"
	"github.com/filecoin-shipyard/ferry/oracle"
	"github.com/filecoin-shipyard/ferry/packer"
	"github.com/filecoin-shipyard/ferry/queue"
	"github.com/filecoin-shipyard/ferry/reducer"
	"github.com/filecoin-shipyard/ferry/store"
)

var log = logging.Logger("node")

// Broker offers closed aggregates to a storage-deal counterparty. The
// transport (signing, RPC details) lives outside this module.
type Broker interface {
	Offer(ctx context.Context, agg *packer.Aggregate) error
}

// Node is one ferry deployment: shared store plus the stage handlers.
type Node struct {
	cfg      *config.Config
	capacity abi.PaddedPieceSize

	st    *store.Store
	blobs *store.Blobs
	q     queue.Queue

	cargo      *ferry.Tracker // ingest-side ferries
	aggregates *ferry.Tracker // one record per aggregate
	packer     *packer.Packer
	reducer    *reducer.Reducer
	oracle     *oracle.Reconciler
	broker     Broker
}

func sealProofForSize(size string) (abi.RegisteredSealProof, error) {
	switch size {
	case "2KiB":
		return abi.RegisteredSealProof_StackedDrg2KiBV1_1, nil
	case "8MiB":
		return abi.RegisteredSealProof_StackedDrg8MiBV1_1, nil
	case "512MiB":
		return abi.RegisteredSealProof_StackedDrg512MiBV1_1, nil
	case "32GiB":
		return abi.RegisteredSealProof_StackedDrg32GiBV1_1, nil
	case "64GiB":
		return abi.RegisteredSealProof_StackedDrg64GiBV1_1, nil
	default:
		return 0, xerrors.Errorf("unsupported sector size %q", size)
	}
}

// New assembles a node over the given datastore, queue and broker.
func New(cfg *config.Config, ds datastore.Batching, q queue.Queue, broker Broker) (*Node, error) {
	proofType, err := sealProofForSize(cfg.Aggregate.SectorSize)
	if err != nil {
		return nil, err
	}
	ssize, err := proofType.SectorSize()
	if err != nil {
		return nil, err
	}
	capacity := abi.PaddedPieceSize(ssize)
	minAggregate := abi.PaddedPieceSize(cfg.Aggregate.MinAggregateSize)
	if minAggregate > capacity {
		return nil, xerrors.Errorf("MinAggregateSize %d exceeds the %s capacity class", minAggregate, cfg.Aggregate.SectorSize)
	}

	st := store.New(ds)
	blobs := store.NewBlobs(ds)

	aggTracker := ferry.NewTracker(st, "aggregate", minAggregate, capacity)
	pk := packer.New(st, aggTracker, proofType)

	n := &Node{
		cfg:        cfg,
		capacity:   capacity,
		st:         st,
		blobs:      blobs,
		q:          q,
		cargo:      ferry.NewTracker(st, "cargo", abi.PaddedPieceSize(cfg.Ingest.MinFerrySize), abi.PaddedPieceSize(cfg.Ingest.MaxFerrySize)),
		aggregates: aggTracker,
		packer:     pk,
		reducer:    reducer.New(blobs, q, pk, minAggregate),
		broker:     broker,
	}

	if cfg.Oracle.URL != "" {
		n.oracle = oracle.NewReconciler(st, blobs, cfg.Oracle.URL, cfg.Oracle.SourceID,
			time.Duration(cfg.Oracle.Interval), oracle.LegacyConverter())
	}

	return n, nil
}

// Store exposes the record store for read-side tooling.
func (n *Node) Store() *store.Store { return n.st }

// Cargo exposes the ingest-side tracker.
func (n *Node) Cargo() *ferry.Tracker { return n.cargo }

// Aggregates exposes the aggregate-side tracker.
func (n *Node) Aggregates() *ferry.Tracker { return n.aggregates }

// Oracle returns the reconciler, nil when unconfigured.
func (n *Node) Oracle() *oracle.Reconciler { return n.oracle }

// Run drives the consume loop (and the oracle ticker when configured)
// until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if n.oracle != nil {
		go n.oracle.Run(ctx)
	}

	wait := time.Duration(n.cfg.Queue.ReceiveWait)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := n.q.Receive(ctx, n.cfg.Queue.BatchSize, wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Errorw("queue receive failed", "error", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		if err := n.ConsumeBatch(ctx, msgs); err != nil {
			log.Errorw("batch consumption failed", "messages", len(msgs), "error", err)
		}
	}
}

// ConsumeBatch runs one reduction over a received batch, acks everything
// that is not on the retry list, and offers any packed aggregates.
func (n *Node) ConsumeBatch(ctx context.Context, msgs []queue.Message) error {
	retry, packed, err := n.reducer.Reduce(ctx, msgs)
	if err != nil {
		return err
	}

	retryIDs := make(map[string]struct{}, len(retry))
	for _, m := range retry {
		retryIDs[m.ID] = struct{}{}
	}
	for _, m := range msgs {
		if _, held := retryIDs[m.ID]; held {
			continue
		}
		if err := n.q.Ack(ctx, m); err != nil {
			// the message will be redelivered; reduction is idempotent
			log.Warnw("ack failed", "message", m.ID, "error", err)
		}
	}

	for _, agg := range packed {
		if err := n.Offer(ctx, agg); err != nil {
			log.Errorw("offering aggregate failed", "aggregate", agg.PieceCID, "error", err)
		}
	}
	return nil
}
