package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailsync/pkg/trace"
)

type fakeStore struct {
	events []*Event
	sent   []int64
	failed []int64
}

func (f *fakeStore) GetPendingEvents(context.Context, int) ([]*Event, error) { return f.events, nil }
func (f *fakeStore) GetFailedEvents(context.Context, int) ([]*Event, error)  { return f.events, nil }

func (f *fakeStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	for _, e := range f.events {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, ErrEventNotFound
}

func (f *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeStore) MarkAsFailed(_ context.Context, id int64, _ int) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakePublisher struct {
	failKey string
	traces  []string
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, _ any) error {
	if routingKey == p.failKey {
		return errors.New("broker down")
	}
	p.traces = append(p.traces, trace.FromContext(ctx))
	return nil
}

func TestDispatcherMarksSentAndFailed(t *testing.T) {
	store := &fakeStore{events: []*Event{
		{ID: 1, RoutingKey: "mail.item.processed", Payload: json.RawMessage(`{"trace_id":"cycle-1"}`)},
		{ID: 2, RoutingKey: "broken", Payload: json.RawMessage(`{}`)},
		{ID: 3, RoutingKey: "mail.item.processed", Payload: json.RawMessage(`not json`)},
	}}
	pub := &fakePublisher{failKey: "broken"}

	sent := NewDispatcher(store, pub, zap.NewNop()).ProcessPending(context.Background())
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if len(store.sent) != 1 || store.sent[0] != 1 {
		t.Fatalf("sent ids = %v", store.sent)
	}
	if len(store.failed) != 2 {
		t.Fatalf("failed ids = %v", store.failed)
	}
	if pub.traces[0] != "cycle-1" {
		t.Fatalf("trace not propagated: %v", pub.traces)
	}
}

func TestReplayFailedEventsCountsSuccesses(t *testing.T) {
	store := &fakeStore{events: []*Event{
		{ID: 7, RoutingKey: "mail.item.processed", Payload: json.RawMessage(`{}`)},
		{ID: 8, RoutingKey: "broken", Payload: json.RawMessage(`{}`)},
	}}
	svc := NewReplayService(store, &fakePublisher{failKey: "broken"}, zap.NewNop())

	n, err := svc.ReplayFailedEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReplayFailedEvents: %v", err)
	}
	if n != 1 || len(store.failed) != 1 || store.failed[0] != 8 {
		t.Fatalf("replayed=%d failed=%v", n, store.failed)
	}
}

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestNextState(t *testing.T) {
	status, next := nextState(5, 5, testNow)
	if status != StatusFailed || next != nil {
		t.Fatalf("at max: %s %v", status, next)
	}
	status, next = nextState(2, 5, testNow)
	if status != StatusPending || next == nil || next.Sub(testNow).Seconds() != 10 {
		t.Fatalf("below max: %s %v", status, next)
	}
}
