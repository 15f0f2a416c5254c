// Package ferry implements the capacity-bounded accumulator every grown-
// then-closed entity in the pipeline goes through: a ferry record loads
// cargo (piece bytes) while open, closes once it carries enough, and then
// advances through offer and acceptance. Every transition is a single
// conditional write, so two workers racing on the same ferry can never
// both succeed destructively.
package ferry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/store"
)

var log = logging.Logger("ferry")

var (
	// ErrCapacityExceeded means the append would push the ferry past its
	// maximum size. The caller should resolve a fresh ferry instead;
	// retrying against the same id will never succeed.
	ErrCapacityExceeded = errors.New("ferry capacity exceeded")

	// ErrStateConflict means a peer already advanced the ferry's status.
	// For close/advance this is benign: the desired end state is already
	// true. For appends the caller re-resolves the open ferry.
	ErrStateConflict = errors.New("ferry state conflict")

	// ErrInsufficientSize means close was attempted below the minimum
	// size; the ferry stays open and untouched.
	ErrInsufficientSize = errors.New("ferry below minimum size")
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusOffered  Status = "offered"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// next maps each status to the statuses it may advance to. Status only
// ever moves forward.
var next = map[Status][]Status{
	StatusOpen:    {StatusClosed},
	StatusClosed:  {StatusOffered},
	StatusOffered: {StatusAccepted, StatusRejected},
}

func validEdge(from, to Status) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Ferry struct {
	ID       string
	GroupKey string
	Status   Status
	Size     abi.PaddedPieceSize
	MinSize  abi.PaddedPieceSize
	MaxSize  abi.PaddedPieceSize

	CreatedAt time.Time
	UpdatedAt time.Time
}

type openHint struct {
	FerryID string
}

// Tracker runs the accumulator state machine for one class of ferries
// (one min/max size configuration) on top of the shared store. Records
// are keyed under the class name so trackers of different classes never
// see each other's ferries.
type Tracker struct {
	st      *store.Store
	class   string
	minSize abi.PaddedPieceSize
	maxSize abi.PaddedPieceSize
	clock   clock.Clock
}

func NewTracker(st *store.Store, class string, minSize, maxSize abi.PaddedPieceSize) *Tracker {
	return &Tracker{st: st, class: class, minSize: minSize, maxSize: maxSize, clock: clock.New()}
}

func (t *Tracker) key(id string) string {
	return "/ferry/" + t.class + "/" + id
}

func (t *Tracker) openHintKey(groupKey string) string {
	return "/ferry-open/" + t.class + "/" + groupKey
}

// WithClock swaps the wall clock, for tests.
func (t *Tracker) WithClock(c clock.Clock) *Tracker {
	t.clock = c
	return t
}

// Open resolves the id of the ferry currently loading for groupKey. When
// the recorded hint is missing or stale it mints a timestamp-derived id.
// The returned id is a hint, not a claim: the ferry record itself is only
// created by the first Append, whose conditional write is the authority.
func (t *Tracker) Open(ctx context.Context, groupKey string) (string, error) {
	hint, err := store.Get[openHint](ctx, t.st, t.openHintKey(groupKey))
	if err == nil {
		f, err := t.Get(ctx, hint.FerryID)
		switch {
		case err == nil && f.Status == StatusOpen:
			return hint.FerryID, nil
		case err == nil:
			// hint points at an already-advanced ferry; fall through
		case xerrors.Is(err, store.ErrNotFound):
			// hinted ferry was never created; the hint id is still usable
			return hint.FerryID, nil
		default:
			return "", err
		}
	} else if !xerrors.Is(err, store.ErrNotFound) {
		return "", err
	}

	id := fmt.Sprintf("%s-%d", groupKey, t.clock.Now().UnixNano())
	if err := store.Put(ctx, t.st, t.openHintKey(groupKey), &openHint{FerryID: id}); err != nil {
		return "", err
	}
	return id, nil
}

// Append adds batch bytes of cargo to the ferry in one conditional write:
// it creates the record when absent, otherwise requires the ferry to be
// open with room for the whole batch. Either the entire batch lands or
// nothing does.
func (t *Tracker) Append(ctx context.Context, id, groupKey string, batch abi.PaddedPieceSize) error {
	if batch == 0 {
		return xerrors.Errorf("appending empty batch to ferry %s", id)
	}
	if batch > t.maxSize {
		return xerrors.Errorf("batch of %d to ferry %s: %w", batch, id, ErrCapacityExceeded)
	}

	now := t.clock.Now()
	_, err := store.Update(ctx, t.st, t.key(id), func(cur *Ferry) (*Ferry, error) {
		if cur == nil {
			return &Ferry{
				ID:        id,
				GroupKey:  groupKey,
				Status:    StatusOpen,
				Size:      batch,
				MinSize:   t.minSize,
				MaxSize:   t.maxSize,
				CreatedAt: now,
				UpdatedAt: now,
			}, nil
		}
		if cur.Status != StatusOpen {
			return nil, xerrors.Errorf("appending to %s ferry %s: %w", cur.Status, id, ErrStateConflict)
		}
		if cur.Size+batch > cur.MaxSize {
			return nil, xerrors.Errorf("batch of %d on ferry %s at %d/%d: %w", batch, id, cur.Size, cur.MaxSize, ErrCapacityExceeded)
		}
		cur.Size += batch
		cur.UpdatedAt = now
		return cur, nil
	})
	return err
}

// Close transitions open -> closed, guarded by the minimum size. A concurrent
// close surfaces as ErrStateConflict, which callers treat as success.
func (t *Tracker) Close(ctx context.Context, id string) error {
	now := t.clock.Now()
	f, err := store.Update(ctx, t.st, t.key(id), func(cur *Ferry) (*Ferry, error) {
		if cur == nil {
			return nil, xerrors.Errorf("closing ferry %s: %w", id, store.ErrNotFound)
		}
		if cur.Status != StatusOpen {
			return nil, xerrors.Errorf("closing %s ferry %s: %w", cur.Status, id, ErrStateConflict)
		}
		if cur.Size < cur.MinSize {
			return nil, xerrors.Errorf("ferry %s at %d below min %d: %w", id, cur.Size, cur.MinSize, ErrInsufficientSize)
		}
		cur.Status = StatusClosed
		cur.UpdatedAt = now
		return cur, nil
	})
	if err != nil {
		return err
	}

	// drop the open hint if it still points here; best-effort, Append's
	// guard is the authority
	t.clearHint(ctx, f.GroupKey, id)
	return nil
}

func (t *Tracker) clearHint(ctx context.Context, groupKey, id string) {
	hint, err := store.Get[openHint](ctx, t.st, t.openHintKey(groupKey))
	if err != nil || hint.FerryID != id {
		return
	}
	if err := t.st.Delete(ctx, t.openHintKey(groupKey)); err != nil {
		log.Warnw("clearing open ferry hint", "group", groupKey, "error", err)
	}
}

// Advance runs the generalized guarded transition for the post-close
// lifecycle (closed -> offered -> accepted|rejected).
func (t *Tracker) Advance(ctx context.Context, id string, from, to Status) error {
	if !validEdge(from, to) {
		return xerrors.Errorf("ferry status cannot advance %s -> %s", from, to)
	}

	now := t.clock.Now()
	_, err := store.Update(ctx, t.st, t.key(id), func(cur *Ferry) (*Ferry, error) {
		if cur == nil {
			return nil, xerrors.Errorf("advancing ferry %s: %w", id, store.ErrNotFound)
		}
		if cur.Status != from {
			return nil, xerrors.Errorf("advancing ferry %s %s -> %s, found %s: %w", id, from, to, cur.Status, ErrStateConflict)
		}
		cur.Status = to
		cur.UpdatedAt = now
		return cur, nil
	})
	return err
}

func (t *Tracker) Get(ctx context.Context, id string) (*Ferry, error) {
	return store.Get[Ferry](ctx, t.st, t.key(id))
}

// List returns every ferry in the given status; status "" matches all.
func (t *Tracker) List(ctx context.Context, status Status) ([]Ferry, error) {
	all, err := store.List[Ferry](ctx, t.st, "/ferry/"+t.class+"/")
	if err != nil {
		return nil, err
	}
	if status == "" {
		return all, nil
	}
	var out []Ferry
	for _, f := range all {
		if f.Status == status {
			out = append(out, f)
		}
	}
	return out, nil
}
