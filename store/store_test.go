package store

import (
	"context"
	"sync"
	"testing"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

type counter struct {
	N int
}

func testStore() *Store {
	return New(dssync.MutexWrap(datastore.NewMapDatastore()))
}

func TestGetNotFound(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	_, err := Get[counter](ctx, s, "/c/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	require.NoError(t, Put(ctx, s, "/c/a", &counter{N: 7}))

	got, err := Get[counter](ctx, s, "/c/a")
	require.NoError(t, err)
	require.Equal(t, 7, got.N)
}

func TestUpdateCreatesWhenAbsent(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	out, err := Update(ctx, s, "/c/a", func(cur *counter) (*counter, error) {
		require.Nil(t, cur)
		return &counter{N: 1}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.N)
}

func TestUpdateConditionFailureLeavesRecord(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	require.NoError(t, Put(ctx, s, "/c/a", &counter{N: 5}))

	_, err := Update(ctx, s, "/c/a", func(cur *counter) (*counter, error) {
		return nil, xerrors.Errorf("nope: %w", ErrConditionFailed)
	})
	require.ErrorIs(t, err, ErrConditionFailed)

	got, err := Get[counter](ctx, s, "/c/a")
	require.NoError(t, err)
	require.Equal(t, 5, got.N)
}

func TestUpdateConcurrent(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	const workers = 32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := Update(ctx, s, "/c/a", func(cur *counter) (*counter, error) {
				if cur == nil {
					return &counter{N: 1}, nil
				}
				cur.N++
				return cur, nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := Get[counter](ctx, s, "/c/a")
	require.NoError(t, err)
	require.Equal(t, workers, got.N)
}

func TestBlobsRoundtrip(t *testing.T) {
	ctx := context.Background()
	b := NewBlobs(dssync.MutexWrap(datastore.NewMapDatastore()))

	c, err := b.Put(ctx, []byte("hello"))
	require.NoError(t, err)

	// same bytes, same address
	c2, err := b.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, c, c2)

	data, err := b.Get(ctx, c)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	other, err := Sum([]byte("other"))
	require.NoError(t, err)
	_, err = b.Get(ctx, other)
	require.ErrorIs(t, err, ErrNotFound)
}
