// Package store provides the keyed record store every pipeline stage
// coordinates through. All cross-process coordination in ferry is expressed
// as conditional updates against this store; there are no other locks.
package store

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("store")

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConditionFailed is returned by Update when the mutator declined
	// the write because the current state did not match its expectation.
	ErrConditionFailed = errors.New("condition failed")
	// ErrOperationFailed wraps infrastructure-level datastore failures.
	ErrOperationFailed = errors.New("store operation failed")
)

const lockStripes = 256

// Store is a typed record store over a datastore with per-key linearizable
// conditional updates. Values are cbor-encoded.
type Store struct {
	ds    datastore.Batching
	locks [lockStripes]sync.Mutex
}

func New(ds datastore.Batching) *Store {
	return &Store{ds: ds}
}

func (s *Store) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *Store) getRaw(ctx context.Context, key string) ([]byte, error) {
	b, err := s.ds.Get(ctx, datastore.NewKey(key))
	switch {
	case err == nil:
		return b, nil
	case xerrors.Is(err, datastore.ErrNotFound):
		return nil, xerrors.Errorf("get %s: %w", key, ErrNotFound)
	default:
		return nil, xerrors.Errorf("get %s: %w (%s)", key, ErrOperationFailed, err)
	}
}

func (s *Store) putRaw(ctx context.Context, key string, b []byte) error {
	if err := s.ds.Put(ctx, datastore.NewKey(key), b); err != nil {
		return xerrors.Errorf("put %s: %w (%s)", key, ErrOperationFailed, err)
	}
	return nil
}

// Delete removes a record. Absent keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.ds.Delete(ctx, datastore.NewKey(key)); err != nil {
		return xerrors.Errorf("delete %s: %w (%s)", key, ErrOperationFailed, err)
	}
	return nil
}

// Get decodes the record at key into a fresh T.
func Get[T any](ctx context.Context, s *Store, key string) (*T, error) {
	b, err := s.getRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	var out T
	if err := cbor.Unmarshal(b, &out); err != nil {
		return nil, xerrors.Errorf("decoding record %s: %w", key, err)
	}
	return &out, nil
}

// Put writes the record at key unconditionally.
func Put[T any](ctx context.Context, s *Store, key string, v *T) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return xerrors.Errorf("encoding record %s: %w", key, err)
	}
	return s.putRaw(ctx, key, b)
}

// Update applies mut to the current value of key under the store's per-key
// lock, giving compare-and-swap semantics: mut observes the current record
// (nil when absent) and returns the record to write. If mut returns an
// error nothing is written and the error is returned unchanged, so domain
// sentinels (state conflicts, capacity overflows) pass through intact.
// Exactly one of two racing Updates on a key observes the other's write.
func Update[T any](ctx context.Context, s *Store, key string, mut func(cur *T) (*T, error)) (*T, error) {
	lk := s.lockFor(key)
	lk.Lock()
	defer lk.Unlock()

	var cur *T
	b, err := s.getRaw(ctx, key)
	switch {
	case err == nil:
		cur = new(T)
		if err := cbor.Unmarshal(b, cur); err != nil {
			return nil, xerrors.Errorf("decoding record %s: %w", key, err)
		}
	case xerrors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	next, err := mut(cur)
	if err != nil {
		return nil, err
	}

	nb, err := cbor.Marshal(next)
	if err != nil {
		return nil, xerrors.Errorf("encoding record %s: %w", key, err)
	}
	if err := s.putRaw(ctx, key, nb); err != nil {
		return nil, err
	}
	return next, nil
}

// List decodes every record under prefix. Undecodable rows are skipped
// with a warning rather than failing the whole scan.
func List[T any](ctx context.Context, s *Store, prefix string) ([]T, error) {
	res, err := s.ds.Query(ctx, query.Query{Prefix: prefix})
	if err != nil {
		return nil, xerrors.Errorf("query %s: %w (%s)", prefix, ErrOperationFailed, err)
	}
	defer res.Close() // nolint:errcheck

	var out []T
	for {
		r, ok := res.NextSync()
		if !ok {
			break
		}
		if r.Error != nil {
			return nil, xerrors.Errorf("query %s: %w (%s)", prefix, ErrOperationFailed, r.Error)
		}
		var v T
		if err := cbor.Unmarshal(r.Value, &v); err != nil {
			log.Warnw("skipping undecodable record", "key", r.Key, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
