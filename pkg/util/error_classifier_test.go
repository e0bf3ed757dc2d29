package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsRetryableError(t *testing.T) {
	var syntaxErr error = &json.SyntaxError{}
	tests := []struct {
		name      string
		err       error
		retryable bool
		label     string
	}{
		{"nil", nil, false, ""},
		{"permanent", Permanent(errors.New("x")), false, "permanent"},
		{"json", fmt.Errorf("decode: %w", syntaxErr), false, "json_decode_error"},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"no rows", fmt.Errorf("get: %w", pgx.ErrNoRows), false, "not_found"},
		{"unique", &pgconn.PgError{Code: "23505"}, false, "duplicate_key"},
		{"conn", &pgconn.PgError{Code: "08006"}, true, "db_connection_error"},
		{"unknown", errors.New("mystery"), false, "unknown_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, label := IsRetryableError(tt.err)
			if retryable != tt.retryable || label != tt.label {
				t.Fatalf("IsRetryableError = (%v, %q), want (%v, %q)", retryable, label, tt.retryable, tt.label)
			}
		})
	}
}
