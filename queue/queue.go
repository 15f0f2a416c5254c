// Package queue defines the at-least-once message queue the pipeline stages
// are triggered by. Delivery order is not guaranteed across group keys;
// consumers must tolerate redelivery.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrOperation wraps infrastructure-level queue failures.
var ErrOperation = errors.New("queue operation failed")

// Message is one delivered queue entry. GroupKey partitions unrelated
// content; a reduction never crosses group keys.
type Message struct {
	ID       string
	GroupKey string
	Body     []byte
}

type Queue interface {
	// Add enqueues body under groupKey. The message becomes visible to
	// Receive once Add returns.
	Add(ctx context.Context, groupKey string, body []byte) error

	// Receive returns up to max currently visible messages, blocking up to
	// wait when none are available. Messages stay visible until Ack'd, so
	// a crashed consumer's batch is redelivered.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	// Ack marks a delivered message as consumed.
	Ack(ctx context.Context, msg Message) error
}
