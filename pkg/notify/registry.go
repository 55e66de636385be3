// Package notify is the engine's event sink: "funds received" events are
// pushed into it fire-and-forget and fanned out to registered subscribers
// and external publishers. Delivery is never allowed to block settlement.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event is a funds-received notification keyed by the destination account.
type Event struct {
	Account       string          `json:"account"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	TransactionID string          `json:"transaction_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Sink is the write-only interface the settlement engine pushes events
// into. No acknowledgment flows back.
type Sink interface {
	FundsReceived(ev Event)
}

// Subscription is one registered consumer. Events arrive on C until
// Unsubscribe is called; a full buffer drops events rather than blocking
// the sender.
type Subscription struct {
	ID      string
	Account string
	C       <-chan Event

	ch chan Event
}

// Registry is a bounded, explicit fan-out table: subscription id to send
// channel. Consumers register on connect and unregister on disconnect or
// error.
type Registry struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	maxSubs int
	buffer  int

	dropped atomic.Int64
}

// RegistryConfig bounds the registry.
type RegistryConfig struct {
	// MaxSubscribers caps concurrent registrations (default 1024).
	MaxSubscribers int
	// Buffer is each subscription's channel capacity (default 16).
	Buffer int
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	if config.MaxSubscribers <= 0 {
		config.MaxSubscribers = 1024
	}
	if config.Buffer <= 0 {
		config.Buffer = 16
	}
	return &Registry{
		subs:    make(map[string]*Subscription),
		maxSubs: config.MaxSubscribers,
		buffer:  config.Buffer,
	}
}

// Subscribe registers a consumer for one account's events. Returns nil when
// the registry is full.
func (r *Registry) Subscribe(account string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) >= r.maxSubs {
		return nil
	}
	ch := make(chan Event, r.buffer)
	sub := &Subscription{
		ID:      uuid.NewString(),
		Account: account,
		C:       ch,
		ch:      ch,
	}
	r.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a registration and closes its channel.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	close(sub.ch)
}

// Broadcast delivers the event to every subscription for its account.
// Sends never block: a full subscriber buffer drops the event for that
// subscriber. Returns the number of successful deliveries.
func (r *Registry) Broadcast(ev Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for _, sub := range r.subs {
		if sub.Account != ev.Account {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			r.dropped.Add(1)
		}
	}
	return delivered
}

// Dropped returns the number of events dropped on full subscriber buffers.
func (r *Registry) Dropped() int64 {
	return r.dropped.Load()
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
