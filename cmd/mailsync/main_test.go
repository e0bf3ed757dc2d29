package main

import (
	"testing"

	"mailsync/pkg/config"
	"mailsync/pkg/outbox"
)

func TestItemOutboxFollowsBroker(t *testing.T) {
	repo := outbox.NewRepository(nil)

	if got := itemOutbox(config.MQConfig{Enabled: false}, repo); got != nil {
		t.Fatalf("broker disabled: outbox = %v, want nil", got)
	}
	if got := itemOutbox(config.MQConfig{Enabled: true, URL: "amqp://localhost"}, repo); got != repo {
		t.Fatalf("broker enabled: outbox = %v, want repo", got)
	}
}
