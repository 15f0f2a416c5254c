package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"golang.org/x/xerrors"

	"github.com/filecoin-shipyard/ferry/packer"
)

// HTTPBroker posts closed aggregates to a deal brokerage endpoint.
// Authentication and request signing are expected to live in front of the
// endpoint, not here.
type HTTPBroker struct {
	url    string
	client *http.Client
}

var _ Broker = (*HTTPBroker)(nil)

func NewHTTPBroker(url string) *HTTPBroker {
	return &HTTPBroker{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type offerRequest struct {
	PieceCID string   `json:"pieceCid"`
	Size     uint64   `json:"size"`
	GroupKey string   `json:"groupKey"`
	Pieces   []string `json:"pieces"`
}

func (b *HTTPBroker) Offer(ctx context.Context, agg *packer.Aggregate) error {
	body, err := json.Marshal(offerRequest{
		PieceCID: agg.PieceCID,
		Size:     uint64(agg.Size),
		GroupKey: agg.GroupKey,
		Pieces:   agg.Pieces,
	})
	if err != nil {
		return xerrors.Errorf("encoding offer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return xerrors.Errorf("posting offer for %s: %w", agg.PieceCID, err)
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return xerrors.Errorf("offer for %s: unexpected status %d", agg.PieceCID, resp.StatusCode)
	}
	return nil
}
