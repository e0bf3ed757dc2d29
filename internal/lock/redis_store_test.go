package lock

import (
	"testing"
	"time"

	"mailsync/internal/model"
)

func TestLeaseValueEncoding(t *testing.T) {
	in := model.Lease{
		Key:        "acct-9",
		HolderID:   "pod|with|pipes",
		AcquiredAt: time.UnixMilli(1_700_000_000_000),
		ExpiresAt:  time.UnixMilli(1_700_000_600_000),
	}
	out, err := decodeLease(in.Key, encodeLease(in))
	if err != nil {
		t.Fatalf("decodeLease: %v", err)
	}
	if out.HolderID != in.HolderID || !out.AcquiredAt.Equal(in.AcquiredAt) || !out.ExpiresAt.Equal(in.ExpiresAt) {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
}

func TestDecodeLeaseRejectsGarbage(t *testing.T) {
	for _, v := range []string{"", "holder", "holder|abc", "holder|1|x"} {
		if _, err := decodeLease("k", v); err == nil {
			t.Fatalf("decodeLease(%q) succeeded", v)
		}
	}
}
