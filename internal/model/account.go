package model

import "time"

type AccountStatus string

const (
	AccountActive  AccountStatus = "ACTIVE"
	AccountExpired AccountStatus = "EXPIRED" // re-authorization required
	AccountError   AccountStatus = "ERROR"   // last refresh attempt failed
)

// Credential is the OAuth material for one mailbox.
type Credential struct {
	AccessToken  string
	RefreshToken string
	// Expiry is nil when the provider never reported one.
	Expiry *time.Time
	Scopes []string
}

// Account is one connected mailbox. Credential and Status are written by the
// token manager only; Cursor by the batch pipeline only.
type Account struct {
	ID         string
	OwnerID    string
	Address    string
	Primary    bool
	Credential Credential
	// Cursor is nil until the first successful sync.
	Cursor    *string
	Status    AccountStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CursorValue returns the cursor or "" when the account was never synced.
func (a *Account) CursorValue() string {
	if a.Cursor == nil {
		return ""
	}
	return *a.Cursor
}

type Owner struct {
	ID           string
	PrimaryEmail string
	CreatedAt    time.Time
}
