package store

import (
	"bytes"
	"context"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/xerrors"
)

// Blobs is the object store side: immutable byte blobs, addressed either by
// the cid of their contents or by an explicit caller key. Re-putting the
// same bytes is a no-op overwrite, which makes every blob write idempotent.
type Blobs struct {
	ds datastore.Batching
}

func NewBlobs(ds datastore.Batching) *Blobs {
	return &Blobs{ds: namespace.Wrap(ds, datastore.NewKey("/blobs"))}
}

// Sum computes the content address for a blob: CIDv1 dag-cbor over sha2-256.
func Sum(data []byte) (cid.Cid, error) {
	h, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, xerrors.Errorf("hashing blob: %w", err)
	}
	return cid.NewCidV1(cid.DagCBOR, h), nil
}

// Put stores data under its content address and returns it.
func (b *Blobs) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	c, err := Sum(data)
	if err != nil {
		return cid.Undef, err
	}
	if err := b.ds.Put(ctx, datastore.NewKey(c.String()), data); err != nil {
		return cid.Undef, xerrors.Errorf("put blob %s: %w (%s)", c, ErrOperationFailed, err)
	}
	return c, nil
}

// Get fetches a blob by content address and verifies it against the cid.
func (b *Blobs) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := b.ds.Get(ctx, datastore.NewKey(c.String()))
	switch {
	case err == nil:
	case xerrors.Is(err, datastore.ErrNotFound):
		return nil, xerrors.Errorf("blob %s: %w", c, ErrNotFound)
	default:
		return nil, xerrors.Errorf("get blob %s: %w (%s)", c, ErrOperationFailed, err)
	}

	got, err := Sum(data)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(got.Bytes(), c.Bytes()) {
		return nil, xerrors.Errorf("blob %s failed content check (got %s)", c, got)
	}
	return data, nil
}

// PutKeyed stores a blob under an explicit key, for state that is naturally
// keyed by an external name (oracle snapshots by source id).
func (b *Blobs) PutKeyed(ctx context.Context, key string, data []byte) error {
	if err := b.ds.Put(ctx, datastore.NewKey(key), data); err != nil {
		return xerrors.Errorf("put blob %s: %w (%s)", key, ErrOperationFailed, err)
	}
	return nil
}

func (b *Blobs) GetKeyed(ctx context.Context, key string) ([]byte, error) {
	data, err := b.ds.Get(ctx, datastore.NewKey(key))
	switch {
	case err == nil:
		return data, nil
	case xerrors.Is(err, datastore.ErrNotFound):
		return nil, xerrors.Errorf("blob %s: %w", key, ErrNotFound)
	default:
		return nil, xerrors.Errorf("get blob %s: %w (%s)", key, ErrOperationFailed, err)
	}
}
