package reducer

import (
	"context"
	"testing"
	"time"

	commcid "github.com/filecoin-project/go-fil-commcid"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-shipyard/ferry/ferry"
	"github.com/filecoin-shipyard/ferry/packer"
	"github.com/filecoin-shipyard/ferry/queue"
	"github.com/filecoin-shipyard/ferry/store"
)

type fixture struct {
	r     *Reducer
	q     *queue.Memory
	st    *store.Store
	blobs *store.Blobs
}

func setup(t *testing.T, minAggregate abi.PaddedPieceSize) *fixture {
	t.Helper()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	st := store.New(ds)
	blobs := store.NewBlobs(ds)
	q := queue.NewMemory()
	tr := ferry.NewTracker(st, "aggregate", minAggregate, 2048)
	p := packer.New(st, tr, abi.RegisteredSealProof_StackedDrg2KiBV1_1)
	return &fixture{
		r:     New(blobs, q, p, minAggregate),
		q:     q,
		st:    st,
		blobs: blobs,
	}
}

func ref(t *testing.T, seed byte, size abi.PaddedPieceSize) PieceRef {
	t.Helper()
	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = seed
	}
	c, err := commcid.PieceCommitmentV1ToCID(digest)
	require.NoError(t, err)
	return PieceRef{PieceCID: c.String(), Size: size}
}

// submit stores a buffer, drains its queue message and returns it.
func (f *fixture) submit(t *testing.T, buf Buffer) queue.Message {
	t.Helper()
	ctx := context.Background()
	_, err := f.r.Submit(ctx, buf)
	require.NoError(t, err)
	msgs, err := f.q.Receive(ctx, 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, f.q.Ack(ctx, msgs[0]))
	return msgs[0]
}

func TestBufferContentAddressStable(t *testing.T) {
	a := Buffer{GroupKey: "g", Pieces: []PieceRef{ref(t, 1, 256), ref(t, 2, 512)}}
	b := Buffer{GroupKey: "g", Pieces: []PieceRef{ref(t, 2, 512), ref(t, 1, 256), ref(t, 1, 256)}}

	ca, _, err := a.Encode()
	require.NoError(t, err)
	cb, _, err := b.Encode()
	require.NoError(t, err)

	// order and duplicates do not change the identity
	require.Equal(t, ca, cb)
}

func TestReduceBelowMinCarriesForward(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 2048)

	m1 := f.submit(t, Buffer{GroupKey: "g", Pieces: []PieceRef{ref(t, 1, 256)}})
	m2 := f.submit(t, Buffer{GroupKey: "g", Pieces: []PieceRef{ref(t, 2, 512)}})

	retry, packed, err := f.r.Reduce(ctx, []queue.Message{m1, m2})
	require.NoError(t, err)
	require.Empty(t, retry)
	require.Empty(t, packed)

	// exactly one derived message carrying both pieces
	msgs, err := f.q.Receive(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	p, err := DecodePayload(msgs[0].Body)
	require.NoError(t, err)
	c, err := cid.Parse(p.Buffer)
	require.NoError(t, err)
	raw, err := f.blobs.Get(ctx, c)
	require.NoError(t, err)
	merged, err := DecodeBuffer(raw)
	require.NoError(t, err)
	require.Len(t, merged.Pieces, 2)
	require.Equal(t, abi.PaddedPieceSize(768), merged.Total())
}

func TestReducePacksWhenHeavy(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 2048)

	m1 := f.submit(t, Buffer{GroupKey: "g", Pieces: []PieceRef{ref(t, 1, 1024)}})
	m2 := f.submit(t, Buffer{GroupKey: "g", Pieces: []PieceRef{ref(t, 2, 1024), ref(t, 3, 512)}})

	retry, packed, err := f.r.Reduce(ctx, []queue.Message{m1, m2})
	require.NoError(t, err)
	require.Empty(t, retry)
	require.Len(t, packed, 1)

	// 512+1024 fold (with padding, landing at 2048); the second 1024 is
	// rejected and carried forward
	require.Len(t, packed[0].Pieces, 2)

	msgs, err := f.q.Receive(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	p, err := DecodePayload(msgs[0].Body)
	require.NoError(t, err)
	c, err := cid.Parse(p.Buffer)
	require.NoError(t, err)
	raw, err := f.blobs.Get(ctx, c)
	require.NoError(t, err)
	leftover, err := DecodeBuffer(raw)
	require.NoError(t, err)
	require.Len(t, leftover.Pieces, 1)

	// conservation: 3 pieces in, 2 in the aggregate + 1 in the carried buffer
	seen := map[string]int{}
	for _, pc := range packed[0].Pieces {
		seen[pc]++
	}
	for _, pr := range leftover.Pieces {
		seen[pr.PieceCID]++
	}
	require.Len(t, seen, 3)
	for pc, n := range seen {
		require.Equalf(t, 1, n, "piece %s appears %d times", pc, n)
	}
}

func TestReduceRoutesGroupsIndependently(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 2048)

	a1 := f.submit(t, Buffer{GroupKey: "a", Pieces: []PieceRef{ref(t, 1, 256)}})
	a2 := f.submit(t, Buffer{GroupKey: "a", Pieces: []PieceRef{ref(t, 2, 256)}})
	lone := f.submit(t, Buffer{GroupKey: "b", Pieces: []PieceRef{ref(t, 3, 256)}})

	retry, packed, err := f.r.Reduce(ctx, []queue.Message{a1, lone, a2})
	require.NoError(t, err)
	require.Empty(t, packed)

	// only the partnerless group-b message is redelivered
	require.Len(t, retry, 1)
	require.Equal(t, lone.ID, retry[0].ID)
}

func TestReduceMissingBufferFailsGroupOnly(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 2048)

	a1 := f.submit(t, Buffer{GroupKey: "a", Pieces: []PieceRef{ref(t, 1, 256)}})

	// second group-a message references a buffer that was never stored
	phantom, err := (&Payload{Buffer: "bafyreigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", GroupKey: "a"}).Encode()
	require.NoError(t, err)
	a2 := queue.Message{ID: "phantom", GroupKey: "a", Body: phantom}

	b1 := f.submit(t, Buffer{GroupKey: "b", Pieces: []PieceRef{ref(t, 2, 256)}})
	b2 := f.submit(t, Buffer{GroupKey: "b", Pieces: []PieceRef{ref(t, 3, 256)}})

	retry, _, err := f.r.Reduce(ctx, []queue.Message{a1, a2, b1, b2})
	require.NoError(t, err)

	// group a fails as a unit, group b proceeded
	require.Len(t, retry, 2)
	ids := map[string]bool{retry[0].ID: true, retry[1].ID: true}
	require.True(t, ids[a1.ID])
	require.True(t, ids["phantom"])
}
