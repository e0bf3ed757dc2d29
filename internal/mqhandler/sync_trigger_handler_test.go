package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"mailsync/internal/scheduler"
	"mailsync/pkg/util"
)

type fakeTrigger struct {
	err   error
	calls int
}

func (f *fakeTrigger) TriggerOwner(context.Context, string) (scheduler.CycleReport, error) {
	f.calls++
	return scheduler.CycleReport{CycleID: "c1"}, f.err
}

type memCounter struct {
	counts map[string]int64
	resets int
}

func (m *memCounter) IncrementAndGet(_ context.Context, key string) (int64, error) {
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memCounter) Reset(_ context.Context, key string) error {
	delete(m.counts, key)
	m.resets++
	return nil
}

func TestSyncTriggerHandler(t *testing.T) {
	incomplete := fmt.Errorf("%w: 1 of 2 accounts failed", scheduler.ErrIncomplete)

	tests := []struct {
		name      string
		payload   string
		err       error
		wantErr   bool
		permanent bool
	}{
		{"success", `{"owner_id":"o1"}`, nil, false, false},
		{"bad json", `{`, nil, true, true},
		{"missing owner", `{}`, nil, true, true},
		{"unknown owner", `{"owner_id":"o1"}`, fmt.Errorf("%w: o1", scheduler.ErrOwnerNotFound), true, true},
		{"incomplete", `{"owner_id":"o1"}`, incomplete, true, false},
		{"stopped", `{"owner_id":"o1"}`, scheduler.ErrStopped, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSyncTriggerHandler(&fakeTrigger{err: tt.err}, &memCounter{counts: map[string]int64{}}, 3, zap.NewNop())
			err := h.Handle(context.Background(), json.RawMessage(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if util.IsPermanent(err) != tt.permanent {
				t.Fatalf("permanent = %v, want %v (%v)", util.IsPermanent(err), tt.permanent, err)
			}
		})
	}
}

func TestSyncTriggerHandlerCapsRedeliveries(t *testing.T) {
	counter := &memCounter{counts: map[string]int64{}}
	trigger := &fakeTrigger{err: scheduler.ErrIncomplete}
	h := NewSyncTriggerHandler(trigger, counter, 3, zap.NewNop())
	payload := json.RawMessage(`{"owner_id":"o1"}`)

	for i := 1; i <= 2; i++ {
		err := h.Handle(context.Background(), payload)
		if err == nil || util.IsPermanent(err) {
			t.Fatalf("delivery %d: err = %v, want transient", i, err)
		}
	}
	err := h.Handle(context.Background(), payload)
	if !util.IsPermanent(err) || !errors.Is(err, scheduler.ErrIncomplete) {
		t.Fatalf("third delivery err = %v, want permanent incomplete", err)
	}
	if counter.resets != 1 || len(counter.counts) != 0 {
		t.Fatalf("counter not reset: %+v", counter)
	}

	trigger.err = nil
	if err := h.Handle(context.Background(), payload); err != nil {
		t.Fatalf("recovered delivery: %v", err)
	}
}
