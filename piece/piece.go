// Package piece tracks the content-addressed pieces flowing through the
// aggregation pipeline. A piece is immutable once created; the only
// mutation it ever sees is being marked included when an aggregate folds
// it in.
package piece

import (
	"context"
	"time"

	"github.com/filecoin-project/go-padreader"
	"github.com/filecoin-project/go-state-types/abi"
	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/store"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusIncluded Status = "included"
)

type Piece struct {
	PieceCID string
	Size     abi.PaddedPieceSize
	GroupKey string
	Status   Status

	CreatedAt time.Time
	UpdatedAt time.Time
}

func Key(pieceCID string) string {
	return "/piece/" + pieceCID
}

// PaddedSize rounds a raw payload size up to the padded size of the
// smallest piece that can hold it.
func PaddedSize(raw uint64) abi.PaddedPieceSize {
	return padreader.PaddedSize(raw).Padded()
}

// Create persists a pending piece. Re-creating an existing piece is a
// no-op so ingest retries stay idempotent; a piece already marked included
// is never demoted back to pending.
func Create(ctx context.Context, st *store.Store, p Piece) error {
	if err := p.Size.Validate(); err != nil {
		return xerrors.Errorf("piece %s: %w", p.PieceCID, err)
	}
	_, err := store.Update(ctx, st, Key(p.PieceCID), func(cur *Piece) (*Piece, error) {
		if cur != nil {
			return cur, nil
		}
		p.Status = StatusPending
		return &p, nil
	})
	return err
}

// MarkIncluded flips a piece to included. Pieces the store has never seen
// are recorded as included directly, so replaying a pack after a crash
// cannot fail on a missing row.
func MarkIncluded(ctx context.Context, st *store.Store, pieceCID string, size abi.PaddedPieceSize, groupKey string, now time.Time) error {
	_, err := store.Update(ctx, st, Key(pieceCID), func(cur *Piece) (*Piece, error) {
		if cur == nil {
			return &Piece{
				PieceCID:  pieceCID,
				Size:      size,
				GroupKey:  groupKey,
				Status:    StatusIncluded,
				CreatedAt: now,
				UpdatedAt: now,
			}, nil
		}
		cur.Status = StatusIncluded
		cur.UpdatedAt = now
		return cur, nil
	})
	return err
}

func Get(ctx context.Context, st *store.Store, pieceCID string) (*Piece, error) {
	return store.Get[Piece](ctx, st, Key(pieceCID))
}

func List(ctx context.Context, st *store.Store) ([]Piece, error) {
	return store.List[Piece](ctx, st, "/piece/")
}
