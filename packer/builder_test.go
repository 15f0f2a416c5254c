package packer

import (
	"testing"

	commcid "github.com/filecoin-project/go-fil-commcid"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

// testPiece builds a syntactically valid piece commitment from a seed byte.
func testPiece(t *testing.T, seed byte, size abi.PaddedPieceSize) abi.PieceInfo {
	t.Helper()
	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = seed
	}
	c, err := commcid.PieceCommitmentV1ToCID(digest)
	require.NoError(t, err)
	return abi.PieceInfo{Size: size, PieceCID: c}
}

func TestRequiredPadding(t *testing.T) {
	// aligned offset needs no padding
	pads, sum := requiredPadding(0, 1024)
	require.Empty(t, pads)
	require.Equal(t, abi.PaddedPieceSize(0), sum)

	// offset 128 before a 512 piece needs 128+256
	pads, sum = requiredPadding(128, 512)
	require.Equal(t, []abi.PaddedPieceSize{128, 256}, pads)
	require.Equal(t, abi.PaddedPieceSize(384), sum)

	// equal-size pieces always align back to back
	_, sum = requiredPadding(512, 512)
	require.Equal(t, abi.PaddedPieceSize(0), sum)
}

func TestBuilderCapacity(t *testing.T) {
	b, err := NewBuilder(abi.RegisteredSealProof_StackedDrg2KiBV1_1)
	require.NoError(t, err)
	require.Equal(t, abi.PaddedPieceSize(2048), b.Capacity())
}

func TestFoldRejectsOversize(t *testing.T) {
	b, err := NewBuilder(abi.RegisteredSealProof_StackedDrg2KiBV1_1)
	require.NoError(t, err)

	require.NoError(t, b.Fold(testPiece(t, 1, 1024)))
	require.NoError(t, b.Fold(testPiece(t, 2, 1024)))

	err = b.Fold(testPiece(t, 3, 128))
	require.ErrorIs(t, err, ErrPieceRejected)
	require.Equal(t, 2, b.Folded())
}

func TestFoldRejectsOnPadding(t *testing.T) {
	b, err := NewBuilder(abi.RegisteredSealProof_StackedDrg2KiBV1_1)
	require.NoError(t, err)

	// 128 at offset 0, then 1024: padding 128..512 (896) + 1024 lands at 2048 exactly
	require.NoError(t, b.Fold(testPiece(t, 1, 128)))
	require.NoError(t, b.Fold(testPiece(t, 2, 1024)))

	// raw room is exhausted by the alignment, nothing else fits
	err = b.Fold(testPiece(t, 3, 128))
	require.ErrorIs(t, err, ErrPieceRejected)
}

func TestFoldPaddingCountsAgainstCapacity(t *testing.T) {
	b, err := NewBuilder(abi.RegisteredSealProof_StackedDrg2KiBV1_1)
	require.NoError(t, err)

	// 128 + 256 raw leaves 1664 raw bytes, but a 1024 piece needs to start
	// at offset 1024, and 1024+1024 fits exactly
	require.NoError(t, b.Fold(testPiece(t, 1, 128)))
	require.NoError(t, b.Fold(testPiece(t, 2, 256)))
	require.NoError(t, b.Fold(testPiece(t, 3, 1024)))

	// 2048 consumed: 128 + pad(128) + 256 + pad(512) + 1024
	err = b.Fold(testPiece(t, 4, 128))
	require.ErrorIs(t, err, ErrPieceRejected)
}

func TestFinalizeEmpty(t *testing.T) {
	b, err := NewBuilder(abi.RegisteredSealProof_StackedDrg2KiBV1_1)
	require.NoError(t, err)

	_, _, err = b.Finalize()
	require.ErrorIs(t, err, ErrNothingToPack)
}

func TestFinalizeDeterministic(t *testing.T) {
	build := func() (cid.Cid, abi.PaddedPieceSize) {
		b, err := NewBuilder(abi.RegisteredSealProof_StackedDrg2KiBV1_1)
		require.NoError(t, err)
		require.NoError(t, b.Fold(testPiece(t, 1, 256)))
		require.NoError(t, b.Fold(testPiece(t, 2, 512)))
		require.NoError(t, b.Fold(testPiece(t, 3, 1024)))
		c, sz, err := b.Finalize()
		require.NoError(t, err)
		return c, sz
	}

	c1, sz1 := build()
	c2, sz2 := build()
	require.Equal(t, c1, c2)
	require.Equal(t, sz1, sz2)
	require.Equal(t, abi.PaddedPieceSize(2048), sz1)
}

func TestFinalizeSensitiveToMembership(t *testing.T) {
	one, err := NewBuilder(abi.RegisteredSealProof_StackedDrg2KiBV1_1)
	require.NoError(t, err)
	require.NoError(t, one.Fold(testPiece(t, 1, 256)))
	c1, _, err := one.Finalize()
	require.NoError(t, err)

	two, err := NewBuilder(abi.RegisteredSealProof_StackedDrg2KiBV1_1)
	require.NoError(t, err)
	require.NoError(t, two.Fold(testPiece(t, 2, 256)))
	c2, _, err := two.Finalize()
	require.NoError(t, err)

	require.NotEqual(t, c1, c2)
}
