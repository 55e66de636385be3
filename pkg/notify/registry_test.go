package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testEvent(account string) Event {
	return Event{
		Account:       account,
		Amount:        decimal.RequireFromString("100.00"),
		Currency:      "CRC",
		TransactionID: "tx-1",
		OccurredAt:    time.Now().UTC(),
	}
}

func TestRegistrySubscribeBroadcast(t *testing.T) {
	r := NewRegistry(RegistryConfig{})

	sub := r.Subscribe("CR000100000001")
	if sub == nil {
		t.Fatal("Subscribe() returned nil")
	}
	other := r.Subscribe("CR000200000002")

	if n := r.Broadcast(testEvent("CR000100000001")); n != 1 {
		t.Errorf("Broadcast() delivered = %d, want 1", n)
	}
	select {
	case ev := <-sub.C:
		if ev.Account != "CR000100000001" {
			t.Errorf("event account = %s", ev.Account)
		}
	default:
		t.Fatal("no event on subscriber channel")
	}
	select {
	case ev := <-other.C:
		t.Fatalf("event for another account leaked: %+v", ev)
	default:
	}
}

func TestRegistryUnsubscribeClosesChannel(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	sub := r.Subscribe("CR000100000001")

	r.Unsubscribe(sub.ID)
	if r.Len() != 0 {
		t.Errorf("Len() = %d after unsubscribe", r.Len())
	}
	if _, open := <-sub.C; open {
		t.Error("channel still open after unsubscribe")
	}

	// Unsubscribing twice is harmless.
	r.Unsubscribe(sub.ID)

	if n := r.Broadcast(testEvent("CR000100000001")); n != 0 {
		t.Errorf("Broadcast() after unsubscribe delivered = %d", n)
	}
}

func TestRegistryFullBufferDrops(t *testing.T) {
	r := NewRegistry(RegistryConfig{Buffer: 2})
	sub := r.Subscribe("CR000100000001")

	for i := 0; i < 5; i++ {
		r.Broadcast(testEvent("CR000100000001"))
	}
	if r.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", r.Dropped())
	}
	// The first two events are still deliverable.
	if len(sub.C) != 2 {
		t.Errorf("buffered events = %d, want 2", len(sub.C))
	}
}

func TestRegistryMaxSubscribers(t *testing.T) {
	r := NewRegistry(RegistryConfig{MaxSubscribers: 2})
	if r.Subscribe("a") == nil || r.Subscribe("b") == nil {
		t.Fatal("Subscribe() below the cap returned nil")
	}
	if r.Subscribe("c") != nil {
		t.Error("Subscribe() above the cap succeeded")
	}
}

func TestDispatcherDeliversToRegistry(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	sub := r.Subscribe("CR000100000001")
	d := NewDispatcher(r, DispatcherConfig{QueueSize: 10, Workers: 1}, nil, nil)

	d.FundsReceived(testEvent("CR000100000001"))
	select {
	case ev := <-sub.C:
		if ev.TransactionID != "tx-1" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	d.Close()

	delivered, dropped := d.Stats()
	if delivered != 1 || dropped != 0 {
		t.Errorf("Stats() = %d/%d, want 1/0", delivered, dropped)
	}
}

func TestDispatcherCloseDrainsQueue(t *testing.T) {
	r := NewRegistry(RegistryConfig{Buffer: 64})
	sub := r.Subscribe("CR000100000001")
	d := NewDispatcher(r, DispatcherConfig{QueueSize: 64, Workers: 2}, nil, nil)

	const events = 20
	for i := 0; i < events; i++ {
		d.FundsReceived(testEvent("CR000100000001"))
	}
	d.Close()

	delivered, _ := d.Stats()
	if delivered != events {
		t.Errorf("delivered = %d, want %d", delivered, events)
	}
	if len(sub.C) != events {
		t.Errorf("subscriber received %d events, want %d", len(sub.C), events)
	}
}

type capturedPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *capturedPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *capturedPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestDispatcherPublishes(t *testing.T) {
	pub := &capturedPublisher{}
	d := NewDispatcher(NewRegistry(RegistryConfig{}), DispatcherConfig{Workers: 1}, nil, nil, pub)

	d.FundsReceived(testEvent("CR000100000001"))
	d.Close()

	if pub.count() != 1 {
		t.Errorf("published = %d, want 1", pub.count())
	}
}

func TestDispatcherPublisherFailureDoesNotStopDelivery(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	sub := r.Subscribe("CR000100000001")
	pub := &capturedPublisher{err: errors.New("redis down")}
	d := NewDispatcher(r, DispatcherConfig{Workers: 1}, nil, nil, pub)

	d.FundsReceived(testEvent("CR000100000001"))
	d.Close()

	if len(sub.C) != 1 {
		t.Errorf("subscriber received %d events, want 1", len(sub.C))
	}
	delivered, _ := d.Stats()
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
}
