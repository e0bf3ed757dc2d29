package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailsync/pkg/trace"
	"mailsync/pkg/util"
)

type recordingAck struct {
	acks    int
	nacks   int
	requeue bool
}

func (r *recordingAck) Ack(uint64, bool) error { r.acks++; return nil }
func (r *recordingAck) Nack(_ uint64, _ bool, requeue bool) error {
	r.nacks++
	r.requeue = requeue
	return nil
}
func (r *recordingAck) Reject(_ uint64, requeue bool) error {
	r.nacks++
	r.requeue = requeue
	return nil
}

func deliver(t *testing.T, handler MessageHandler, headers amqp091.Table) *recordingAck {
	t.Helper()
	ack := &recordingAck{}
	msg := amqp091.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{}`), Headers: headers}
	handleDelivery(context.Background(), msg, handler, "sync.trigger", "sync.trigger.q", zap.NewNop())
	return ack
}

func TestHandleDeliveryOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		handler     MessageHandler
		wantAck     int
		wantNack    int
		wantRequeue bool
	}{
		{"success", func(context.Context, json.RawMessage) error { return nil }, 1, 0, false},
		{"transient", func(context.Context, json.RawMessage) error { return errors.New("db down") }, 0, 1, true},
		{"permanent", func(context.Context, json.RawMessage) error { return util.Permanent(errors.New("bad payload")) }, 0, 1, false},
		{"panic", func(context.Context, json.RawMessage) error { panic("boom") }, 0, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := deliver(t, tt.handler, nil)
			if ack.acks != tt.wantAck || ack.nacks != tt.wantNack || ack.requeue != tt.wantRequeue {
				t.Fatalf("acks=%d nacks=%d requeue=%v", ack.acks, ack.nacks, ack.requeue)
			}
		})
	}
}

func TestHandleDeliveryPropagatesTrace(t *testing.T) {
	var got string
	deliver(t, func(ctx context.Context, _ json.RawMessage) error {
		got = trace.FromContext(ctx)
		return nil
	}, amqp091.Table{trace.HeaderName: "abc"})
	if got != "abc" {
		t.Fatalf("trace = %q", got)
	}

	deliver(t, func(ctx context.Context, _ json.RawMessage) error {
		got = trace.FromContext(ctx)
		return nil
	}, nil)
	if got == "" {
		t.Fatalf("missing trace id was not generated")
	}
}
