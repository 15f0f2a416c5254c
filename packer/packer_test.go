package packer

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-shipyard/ferry/ferry"
	"github.com/filecoin-shipyard/ferry/piece"
	"github.com/filecoin-shipyard/ferry/store"
)

func testPacker(t *testing.T) (*Packer, *store.Store, *ferry.Tracker) {
	t.Helper()
	st := store.New(dssync.MutexWrap(datastore.NewMapDatastore()))
	tr := ferry.NewTracker(st, "aggregate", 256, 2048)
	return New(st, tr, abi.RegisteredSealProof_StackedDrg2KiBV1_1), st, tr
}

func TestPackPersistsAndCloses(t *testing.T) {
	ctx := context.Background()
	p, st, tr := testPacker(t)

	cands := []abi.PieceInfo{
		testPiece(t, 1, 512),
		testPiece(t, 2, 1024),
		testPiece(t, 3, 256),
	}
	for _, c := range cands {
		require.NoError(t, piece.Create(ctx, st, piece.Piece{
			PieceCID: c.PieceCID.String(),
			Size:     c.Size,
			GroupKey: "tenant-a",
		}))
	}

	agg, rejected, err := p.Pack(ctx, "tenant-a", "buf-1", cands)
	require.NoError(t, err)
	require.NotNil(t, agg)
	require.Empty(t, rejected)
	require.Len(t, agg.Pieces, 3)
	require.Equal(t, abi.PaddedPieceSize(2048), agg.Size)

	// aggregate record persisted
	got, err := GetAggregate(ctx, st, agg.PieceCID)
	require.NoError(t, err)
	require.Equal(t, "buf-1", got.BufferRef)

	// ferry record created and closed
	f, err := tr.Get(ctx, agg.PieceCID)
	require.NoError(t, err)
	require.Equal(t, ferry.StatusClosed, f.Status)
	require.Equal(t, abi.PaddedPieceSize(2048), f.Size)

	// folded pieces are included
	for _, c := range cands {
		pc, err := piece.Get(ctx, st, c.PieceCID.String())
		require.NoError(t, err)
		require.Equal(t, piece.StatusIncluded, pc.Status)
	}
}

func TestPackDeterministicAcrossRuns(t *testing.T) {
	ctx := context.Background()

	cands := []abi.PieceInfo{
		testPiece(t, 1, 512),
		testPiece(t, 2, 256),
		testPiece(t, 3, 1024),
	}

	p1, _, _ := testPacker(t)
	agg1, rej1, err := p1.Pack(ctx, "tenant-a", "buf-1", cands)
	require.NoError(t, err)

	// reversed candidate order: the sort makes selection identical
	rev := []abi.PieceInfo{cands[2], cands[1], cands[0]}
	p2, _, _ := testPacker(t)
	agg2, rej2, err := p2.Pack(ctx, "tenant-a", "buf-1", rev)
	require.NoError(t, err)

	require.Equal(t, agg1.PieceCID, agg2.PieceCID)
	require.Equal(t, agg1.Pieces, agg2.Pieces)
	require.Equal(t, len(rej1), len(rej2))
}

func TestPackRerunConverges(t *testing.T) {
	ctx := context.Background()
	p, _, tr := testPacker(t)

	cands := []abi.PieceInfo{testPiece(t, 1, 1024), testPiece(t, 2, 1024)}

	agg1, _, err := p.Pack(ctx, "tenant-a", "buf-1", cands)
	require.NoError(t, err)

	// replay after a simulated crash: same id, ferry stays closed
	agg2, _, err := p.Pack(ctx, "tenant-a", "buf-1", cands)
	require.NoError(t, err)
	require.Equal(t, agg1.PieceCID, agg2.PieceCID)

	f, err := tr.Get(ctx, agg1.PieceCID)
	require.NoError(t, err)
	require.Equal(t, ferry.StatusClosed, f.Status)
	require.Equal(t, abi.PaddedPieceSize(2048), f.Size)
}

func TestPackReturnsRejects(t *testing.T) {
	ctx := context.Background()
	p, _, _ := testPacker(t)

	// three 1024s cannot all fit under 2048
	cands := []abi.PieceInfo{
		testPiece(t, 1, 1024),
		testPiece(t, 2, 1024),
		testPiece(t, 3, 1024),
	}

	agg, rejected, err := p.Pack(ctx, "tenant-a", "buf-1", cands)
	require.NoError(t, err)
	require.NotNil(t, agg)
	require.Len(t, agg.Pieces, 2)
	require.Len(t, rejected, 1)
}

func TestPackNothingFolds(t *testing.T) {
	ctx := context.Background()
	p, _, _ := testPacker(t)

	// invalid-for-capacity piece: larger than the whole sector class
	agg, rejected, err := p.Pack(ctx, "tenant-a", "buf-1", []abi.PieceInfo{
		testPiece(t, 1, 4096),
	})
	require.NoError(t, err)
	require.Nil(t, agg)
	require.Len(t, rejected, 1)
}
