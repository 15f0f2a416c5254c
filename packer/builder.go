// Package packer folds pending pieces into a single content-committed
// aggregate under a fixed capacity ceiling. The commitment primitive
// (CommP aggregation) comes from go-commp-utils; this package owns the
// selection, alignment and persistence around it.
package packer

import (
	"errors"

	commp "github.com/filecoin-project/go-commp-utils/v2"
	"github.com/filecoin-project/go-commp-utils/v2/zerocomm"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

var (
	// ErrPieceRejected means a fold could not place the piece under the
	// capacity ceiling, either for its raw size or for the alignment
	// padding it would require. The piece stays pending for a later pass.
	ErrPieceRejected = errors.New("piece rejected by builder")

	// ErrNothingToPack is returned by Finalize on an empty builder.
	ErrNothingToPack = errors.New("no pieces folded")
)

// requiredPadding returns the zero pieces needed to align a piece of
// newPieceLength at current offset oldLength, and their total. Pieces must
// start at offsets aligned to their own (power of two) size.
func requiredPadding(oldLength, newPieceLength abi.PaddedPieceSize) ([]abi.PaddedPieceSize, abi.PaddedPieceSize) {
	toFill := uint64(-oldLength % newPieceLength)

	// one zero piece per set bit of the gap, smallest first, so every
	// pad lands on an offset aligned to its own size
	var pads []abi.PaddedPieceSize
	var sum abi.PaddedPieceSize
	for toFill > 0 {
		psize := abi.PaddedPieceSize(toFill & -toFill)
		toFill -= uint64(psize)

		pads = append(pads, psize)
		sum += psize
	}

	return pads, sum
}

// Builder accumulates pieces toward one aggregate commitment. It is pure:
// identical fold sequences always finalize to the identical cid.
type Builder struct {
	proofType abi.RegisteredSealProof
	capacity  abi.PaddedPieceSize

	offset abi.PaddedPieceSize
	pieces []abi.PieceInfo
	folded int
}

// NewBuilder sizes the builder to the sector class of proofType (the
// largest deal size the target providers accept).
func NewBuilder(proofType abi.RegisteredSealProof) (*Builder, error) {
	ssize, err := proofType.SectorSize()
	if err != nil {
		return nil, xerrors.Errorf("resolving sector size: %w", err)
	}
	return &Builder{
		proofType: proofType,
		capacity:  abi.PaddedPieceSize(ssize),
	}, nil
}

// Capacity is the padded byte ceiling of the aggregate under construction.
func (b *Builder) Capacity() abi.PaddedPieceSize {
	return b.capacity
}

// Folded reports how many pieces have been accepted so far.
func (b *Builder) Folded() int {
	return b.folded
}

// Fold attempts to place p at the current offset. A piece can be rejected
// even when its raw size would fit, because alignment padding counts
// against the capacity too.
func (b *Builder) Fold(p abi.PieceInfo) error {
	if err := p.Size.Validate(); err != nil {
		return xerrors.Errorf("piece %s: %w", p.PieceCID, err)
	}

	pads, padSum := requiredPadding(b.offset, p.Size)
	if b.offset+padSum+p.Size > b.capacity {
		return xerrors.Errorf("piece %s of %d at offset %d (pad %d, capacity %d): %w",
			p.PieceCID, p.Size, b.offset, padSum, b.capacity, ErrPieceRejected)
	}

	for _, ps := range pads {
		b.pieces = append(b.pieces, abi.PieceInfo{
			Size:     ps,
			PieceCID: zerocomm.ZeroPieceCommitment(ps.Unpadded()),
		})
	}
	b.pieces = append(b.pieces, p)
	b.offset += padSum + p.Size
	b.folded++
	return nil
}

// Finalize computes the aggregate's content-derived commitment, zero-padded
// out to the full capacity class.
func (b *Builder) Finalize() (cid.Cid, abi.PaddedPieceSize, error) {
	if b.folded == 0 {
		return cid.Undef, 0, ErrNothingToPack
	}

	pcid, psize, err := commp.PieceAggregateCommP(b.proofType, b.pieces)
	if err != nil {
		return cid.Undef, 0, xerrors.Errorf("aggregating piece commitments: %w", err)
	}

	if psize < b.capacity {
		pcid, err = commp.ZeroPadPieceCommitment(pcid, psize.Unpadded(), b.capacity.Unpadded())
		if err != nil {
			return cid.Undef, 0, xerrors.Errorf("zero-padding commitment to %d: %w", b.capacity, err)
		}
	}

	return pcid, b.capacity, nil
}
