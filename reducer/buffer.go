// Package reducer merges independently produced piece batches ("buffers")
// until one carries enough mass to pack an aggregate. Buffers are
// content-addressed over their membership, so the same logical merge
// always lands on the same blob key and redelivered work converges.
package reducer

import (
	"sort"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/store"
)

// PieceRef is one buffer member.
type PieceRef struct {
	PieceCID string
	Size     abi.PaddedPieceSize
}

// Buffer is an immutable batch of pieces awaiting aggregation. Membership
// is order-independent: Encode canonicalizes before hashing, so two
// buffers with the same members collapse to one identifier.
type Buffer struct {
	GroupKey string
	Pieces   []PieceRef
}

// Normalize sorts members by piece cid and drops duplicates.
func (b *Buffer) Normalize() {
	sort.Slice(b.Pieces, func(i, j int) bool {
		return b.Pieces[i].PieceCID < b.Pieces[j].PieceCID
	})
	out := b.Pieces[:0]
	for i, p := range b.Pieces {
		if i > 0 && p.PieceCID == b.Pieces[i-1].PieceCID {
			continue
		}
		out = append(out, p)
	}
	b.Pieces = out
}

// Total is the padded size of all members.
func (b *Buffer) Total() abi.PaddedPieceSize {
	var sum abi.PaddedPieceSize
	for _, p := range b.Pieces {
		sum += p.Size
	}
	return sum
}

// Encode canonicalizes the buffer and returns its content address and
// serialized bytes.
func (b *Buffer) Encode() (cid.Cid, []byte, error) {
	b.Normalize()
	data, err := cbor.Marshal(b)
	if err != nil {
		return cid.Undef, nil, xerrors.Errorf("encoding buffer: %w", err)
	}
	c, err := store.Sum(data)
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, data, nil
}

// DecodeBuffer parses buffer bytes fetched from the blob store.
func DecodeBuffer(data []byte) (*Buffer, error) {
	var b Buffer
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, xerrors.Errorf("decoding buffer: %w", err)
	}
	return &b, nil
}

// Payload is the queue message body referencing a stored buffer.
type Payload struct {
	Buffer   string
	GroupKey string
}

func (p *Payload) Encode() ([]byte, error) {
	data, err := cbor.Marshal(p)
	if err != nil {
		return nil, xerrors.Errorf("encoding payload: %w", err)
	}
	return data, nil
}

func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, xerrors.Errorf("decoding payload: %w", err)
	}
	return &p, nil
}
