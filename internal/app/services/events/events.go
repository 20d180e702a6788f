// Package events broadcasts pool activity to monitors. Events describe pool
// sizes and round outcomes only; they never carry depositor or recipient
// addresses.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event types.
const (
	TypeDeposit = "deposit"
	TypeMix     = "mix"
	TypePrune   = "prune"
	TypeConfig  = "config"
	TypePool    = "pool"
)

// Event is one published notification.
type Event struct {
	Type         string    `json:"type"`
	Denomination uint64    `json:"denomination,omitempty"`
	Symbol       string    `json:"symbol,omitempty"`
	PoolSize     uint32    `json:"pool_size"`
	Participants uint32    `json:"participants,omitempty"`
	FeesPaid     uint64    `json:"fees_paid,omitempty"`
	RoundID      string    `json:"round_id,omitempty"`
	Enabled      *bool     `json:"enabled,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher delivers events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of what was published.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
