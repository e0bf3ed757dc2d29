package model

import "time"

// Lease is the cross-node claim on one account.
type Lease struct {
	Key        string
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
