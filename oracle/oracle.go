// Package oracle reconciles local deal records against an external
// authoritative snapshot of deal/contract truth. The model is append-only:
// once a (piece, deal) pair is recorded it is never removed, even if a
// later snapshot omits it.
package oracle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	commcid "github.com/filecoin-project/go-fil-commcid"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/metrics"
	"github.com/filecoin-shipyard/ferry/store"
)

var log = logging.Logger("oracle")

// ErrUpstreamFetch means the snapshot source was unreachable or returned a
// non-success status. The tick aborts with no local mutation and the next
// scheduled tick retries.
var ErrUpstreamFetch = errors.New("oracle fetch failed")

const (
	fetchAttempts = 3
	applyFanout   = 3
)

// ContractEntry is one deal the oracle knows about for a piece.
type ContractEntry struct {
	Provider   string         `json:"provider"`
	DealID     uint64         `json:"dealId"`
	Expiration abi.ChainEpoch `json:"expirationEpoch"`
	Source     string         `json:"source"`
}

// Snapshot is the authoritative state as of one fetch, keyed by piece cid.
type Snapshot struct {
	SourceID  string
	AsOf      time.Time
	Contracts map[string][]ContractEntry
}

// DealRecord is one locally recorded (piece, deal) outcome. Never deleted.
type DealRecord struct {
	PieceCID   string
	DealID     uint64
	Provider   string
	Expiration abi.ChainEpoch
	Source     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func dealKey(pieceCID string, dealID uint64) string {
	return fmt.Sprintf("/deal/%s/%d", pieceCID, dealID)
}

func dealPrefix(pieceCID string) string {
	return "/deal/" + pieceCID + "/"
}

func snapshotKey(sourceID string) string {
	return "/oracle-snapshot/" + sourceID
}

// Diff returns, per piece, the contract entries of cur whose deal id is
// not already recorded for that piece in prev. Pieces present only in prev
// are ignored: deletions are not propagated.
func Diff(prev, cur *Snapshot) map[string][]ContractEntry {
	known := map[string]map[uint64]struct{}{}
	if prev != nil {
		for pc, entries := range prev.Contracts {
			m := make(map[uint64]struct{}, len(entries))
			for _, e := range entries {
				m[e.DealID] = struct{}{}
			}
			known[pc] = m
		}
	}

	out := map[string][]ContractEntry{}
	for pc, entries := range cur.Contracts {
		for _, e := range entries {
			if _, ok := known[pc][e.DealID]; ok {
				continue
			}
			out[pc] = append(out[pc], e)
		}
	}
	return out
}

// Convert translates a snapshot's piece identifier into the current piece
// cid scheme. Pure and deterministic.
type Convert func(id string) (string, error)

// LegacyConverter builds the default converter: piece cids pass through,
// raw hex commitment digests (the legacy identifier format) are lifted
// into v1 piece cids.
func LegacyConverter() Convert {
	return func(id string) (string, error) {
		if _, err := cid.Parse(id); err == nil {
			return id, nil
		}
		digest, err := hex.DecodeString(strings.TrimPrefix(id, "0x"))
		if err != nil {
			return "", xerrors.Errorf("identifier %q is neither cid nor hex digest: %w", id, err)
		}
		if len(digest) != 32 {
			return "", xerrors.Errorf("legacy digest %q has %d bytes, want 32", id, len(digest))
		}
		c, err := commcid.PieceCommitmentV1ToCID(digest)
		if err != nil {
			return "", xerrors.Errorf("converting legacy digest %q: %w", id, err)
		}
		return c.String(), nil
	}
}

// Reconciler pulls the oracle snapshot on a timer and merges it into the
// deal record store.
type Reconciler struct {
	url      string
	sourceID string
	client   *http.Client
	st       *store.Store
	blobs    *store.Blobs
	convert  Convert
	clock    clock.Clock
	interval time.Duration
	fanout   int
}

func NewReconciler(st *store.Store, blobs *store.Blobs, url, sourceID string, interval time.Duration, convert Convert) *Reconciler {
	return &Reconciler{
		url:      url,
		sourceID: sourceID,
		client:   &http.Client{Timeout: 30 * time.Second},
		st:       st,
		blobs:    blobs,
		convert:  convert,
		clock:    clock.New(),
		interval: interval,
		fanout:   applyFanout,
	}
}

// WithClock swaps the wall clock, for tests.
func (r *Reconciler) WithClock(c clock.Clock) *Reconciler {
	r.clock = c
	return r
}

// wireSnapshot is the upstream response shape.
type wireSnapshot struct {
	AsOf      time.Time                  `json:"asOf"`
	Contracts map[string][]ContractEntry `json:"contracts"`
}

func (r *Reconciler) fetch(ctx context.Context) (*Snapshot, error) {
	bo := &backoff.Backoff{Min: time.Second, Max: 15 * time.Second, Jitter: true}

	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.Duration()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		snap, err := r.fetchOnce(ctx)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		log.Warnw("snapshot fetch attempt failed", "source", r.sourceID, "attempt", attempt, "error", err)
	}
	return nil, xerrors.Errorf("fetching snapshot for %s: %w (%s)", r.sourceID, ErrUpstreamFetch, lastErr)
}

func (r *Reconciler) fetchOnce(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, xerrors.Errorf("unexpected status %d", resp.StatusCode)
	}

	var wire wireSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, xerrors.Errorf("decoding snapshot: %w", err)
	}

	snap := &Snapshot{
		SourceID:  r.sourceID,
		AsOf:      wire.AsOf,
		Contracts: make(map[string][]ContractEntry, len(wire.Contracts)),
	}
	for id, entries := range wire.Contracts {
		pc, err := r.convert(id)
		if err != nil {
			return nil, xerrors.Errorf("snapshot for %s: %w", r.sourceID, err)
		}
		snap.Contracts[pc] = append(snap.Contracts[pc], entries...)
	}
	return snap, nil
}

func (r *Reconciler) previous(ctx context.Context) (*Snapshot, error) {
	data, err := r.blobs.GetKeyed(ctx, snapshotKey(r.sourceID))
	switch {
	case err == nil:
	case xerrors.Is(err, store.ErrNotFound):
		// first run: the whole fetched snapshot is the diff
		return nil, nil
	default:
		return nil, err
	}

	var snap Snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, xerrors.Errorf("decoding previous snapshot for %s: %w", r.sourceID, err)
	}
	return &snap, nil
}

func (r *Reconciler) persist(ctx context.Context, snap *Snapshot) error {
	data, err := cbor.Marshal(snap)
	if err != nil {
		return xerrors.Errorf("encoding snapshot for %s: %w", r.sourceID, err)
	}
	return r.blobs.PutKeyed(ctx, snapshotKey(r.sourceID), data)
}

// Tick runs one reconciliation pass. The fetched snapshot only replaces
// the stored one after every diff write succeeded, so a partial failure is
// recomputed and retried on the next tick; deal record writes are keyed by
// (piece, deal) and therefore idempotent.
func (r *Reconciler) Tick(ctx context.Context) error {
	cur, err := r.fetch(ctx)
	if err != nil {
		return err
	}

	prev, err := r.previous(ctx)
	if err != nil {
		return err
	}

	diff := Diff(prev, cur)
	if len(diff) == 0 {
		log.Debugw("snapshot unchanged", "source", r.sourceID, "pieces", len(cur.Contracts))
		return nil
	}

	var entries int
	now := r.clock.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanout)
	for pc, es := range diff {
		entries += len(es)
		for _, e := range es {
			pc, e := pc, e
			g.Go(func() error {
				return r.record(gctx, pc, e, now)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return xerrors.Errorf("applying diff for %s: %w", r.sourceID, err)
	}

	if err := r.persist(ctx, cur); err != nil {
		return err
	}

	metrics.RecordOracleDiff(ctx, r.sourceID, entries)
	log.Infow("reconciled snapshot", "source", r.sourceID, "pieces", len(diff), "deals", entries)
	return nil
}

func (r *Reconciler) record(ctx context.Context, pieceCID string, e ContractEntry, now time.Time) error {
	_, err := store.Update(ctx, r.st, dealKey(pieceCID, e.DealID), func(cur *DealRecord) (*DealRecord, error) {
		if cur == nil {
			return &DealRecord{
				PieceCID:   pieceCID,
				DealID:     e.DealID,
				Provider:   e.Provider,
				Expiration: e.Expiration,
				Source:     e.Source,
				CreatedAt:  now,
				UpdatedAt:  now,
			}, nil
		}
		// deal terms are not expected to change once the id is fixed;
		// refresh the sync time only
		cur.UpdatedAt = now
		return cur, nil
	})
	return err
}

// DealsForPiece returns every recorded deal for a piece.
func DealsForPiece(ctx context.Context, st *store.Store, pieceCID string) ([]DealRecord, error) {
	return store.List[DealRecord](ctx, st, dealPrefix(pieceCID))
}

func (r *Reconciler) DealsForPiece(ctx context.Context, pieceCID string) ([]DealRecord, error) {
	return DealsForPiece(ctx, r.st, pieceCID)
}

// Run ticks the reconciler until ctx is done. A failed tick is logged and
// retried at the next interval only.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				metrics.RecordOracleTickFailed(ctx, r.sourceID)
				log.Errorw("reconciliation tick failed", "source", r.sourceID, "error", err)
			}
		}
	}
}
