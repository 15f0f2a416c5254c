package reducer

import (
	"context"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/lib/retry"
	"github.com/filecoin-shipyard/ferry/metrics"
	"github.com/filecoin-shipyard/ferry/packer"
	"github.com/filecoin-shipyard/ferry/queue"
	"github.com/filecoin-shipyard/ferry/store"
)

var log = logging.Logger("reducer")

// Reducer folds small buffers into larger ones and hands sufficiently
// heavy merges to the packer. It never drops a piece: every member of an
// input buffer ends up either inside an aggregate or inside the carried
// buffer it re-enqueues.
type Reducer struct {
	blobs  *store.Blobs
	q      queue.Queue
	packer *packer.Packer

	minAggregateSize abi.PaddedPieceSize
}

func New(blobs *store.Blobs, q queue.Queue, p *packer.Packer, minAggregateSize abi.PaddedPieceSize) *Reducer {
	return &Reducer{blobs: blobs, q: q, packer: p, minAggregateSize: minAggregateSize}
}

// Reduce processes one received batch. Messages are routed to independent
// per-group reductions; failures are per item, so the returned retry list
// tells the consumer which messages to leave unacked for redelivery.
// Packed aggregates are returned for downstream offering.
func (r *Reducer) Reduce(ctx context.Context, msgs []queue.Message) ([]queue.Message, []*packer.Aggregate, error) {
	groups := map[string][]queue.Message{}
	var order []string
	for _, m := range msgs {
		if _, ok := groups[m.GroupKey]; !ok {
			order = append(order, m.GroupKey)
		}
		groups[m.GroupKey] = append(groups[m.GroupKey], m)
	}

	var held []queue.Message
	var packed []*packer.Aggregate
	for _, gk := range order {
		g := groups[gk]
		if len(g) < 2 {
			// no merge partner in this batch; redeliver individually so a
			// future batch can pair it up
			held = append(held, g...)
			continue
		}

		agg, err := r.reduceGroup(ctx, gk, g)
		if err != nil {
			log.Warnw("group reduction failed", "group", gk, "messages", len(g), "error", err)
			held = append(held, g...)
			continue
		}
		if agg != nil {
			packed = append(packed, agg)
		}
	}

	if len(held) > 0 {
		metrics.RecordReduceRetries(ctx, len(held))
	}
	return held, packed, nil
}

// reduceGroup merges all buffers referenced by one group's messages. The
// whole group succeeds or fails together: a missing buffer aborts the
// merge before any visible effect.
func (r *Reducer) reduceGroup(ctx context.Context, groupKey string, msgs []queue.Message) (*packer.Aggregate, error) {
	merged := Buffer{GroupKey: groupKey}
	for _, m := range msgs {
		p, err := DecodePayload(m.Body)
		if err != nil {
			return nil, err
		}
		bc, err := cid.Parse(p.Buffer)
		if err != nil {
			return nil, xerrors.Errorf("parsing buffer ref %q: %w", p.Buffer, err)
		}
		data, err := r.blobs.Get(ctx, bc)
		if err != nil {
			return nil, err
		}
		buf, err := DecodeBuffer(data)
		if err != nil {
			return nil, err
		}
		if buf.GroupKey != groupKey {
			return nil, xerrors.Errorf("buffer %s belongs to group %q, message said %q", bc, buf.GroupKey, groupKey)
		}
		merged.Pieces = append(merged.Pieces, buf.Pieces...)
	}
	merged.Normalize()
	metrics.RecordBufferReduced(ctx, groupKey)

	if merged.Total() < r.minAggregateSize {
		// not enough mass yet: N buffers become 1 and go around again
		return nil, r.carry(ctx, merged)
	}

	mergedRef, _, err := r.storeBuffer(ctx, merged)
	if err != nil {
		return nil, err
	}

	candidates := make([]abi.PieceInfo, 0, len(merged.Pieces))
	for _, pr := range merged.Pieces {
		pc, err := cid.Parse(pr.PieceCID)
		if err != nil {
			return nil, xerrors.Errorf("parsing piece cid %q: %w", pr.PieceCID, err)
		}
		candidates = append(candidates, abi.PieceInfo{Size: pr.Size, PieceCID: pc})
	}

	agg, rejected, err := r.packer.Pack(ctx, groupKey, mergedRef.String(), candidates)
	if err != nil {
		return nil, err
	}

	if len(rejected) > 0 {
		leftover := Buffer{GroupKey: groupKey}
		for _, rej := range rejected {
			leftover.Pieces = append(leftover.Pieces, PieceRef{
				PieceCID: rej.PieceCID.String(),
				Size:     rej.Size,
			})
		}
		if err := r.carry(ctx, leftover); err != nil {
			return nil, err
		}
	}

	return agg, nil
}

func (r *Reducer) storeBuffer(ctx context.Context, buf Buffer) (cid.Cid, []byte, error) {
	c, data, err := buf.Encode()
	if err != nil {
		return cid.Undef, nil, err
	}
	stored, err := r.blobs.Put(ctx, data)
	if err != nil {
		return cid.Undef, nil, err
	}
	if !stored.Equals(c) {
		return cid.Undef, nil, xerrors.Errorf("buffer address mismatch: computed %s, stored %s", c, stored)
	}
	return c, data, nil
}

// carry persists buf and re-enqueues a message referencing it. The enqueue
// happens strictly after the blob write is durable: the write is the
// idempotent half, the enqueue is the only non-idempotent step.
func (r *Reducer) carry(ctx context.Context, buf Buffer) error {
	c, _, err := r.storeBuffer(ctx, buf)
	if err != nil {
		return err
	}

	if err := r.enqueue(ctx, c, buf.GroupKey); err != nil {
		return err
	}

	log.Debugw("carried buffer forward", "buffer", c, "group", buf.GroupKey,
		"pieces", len(buf.Pieces), "total", buf.Total())
	return nil
}

// enqueue publishes a message referencing a stored buffer, retrying
// transient queue failures. Duplicate publishes are harmless: the buffer
// reference is content-addressed and reduction converges.
func (r *Reducer) enqueue(ctx context.Context, c cid.Cid, groupKey string) error {
	body, err := (&Payload{Buffer: c.String(), GroupKey: groupKey}).Encode()
	if err != nil {
		return err
	}
	_, err = retry.Retry(ctx, 5, 250*time.Millisecond, []error{queue.ErrOperation}, func() (struct{}, error) {
		return struct{}{}, r.q.Add(ctx, groupKey, body)
	})
	return err
}

// Submit stores a fresh buffer and enqueues it into the reduction cycle;
// the ingest stage uses it to hand new pieces to the pipeline.
func (r *Reducer) Submit(ctx context.Context, buf Buffer) (cid.Cid, error) {
	c, _, err := r.storeBuffer(ctx, buf)
	if err != nil {
		return cid.Undef, err
	}
	if err := r.enqueue(ctx, c, buf.GroupKey); err != nil {
		return cid.Undef, err
	}
	return c, nil
}
