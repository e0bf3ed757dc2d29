package model

import "time"

// UnsubscribeStatus is empty until an unsubscribe was requested.
type UnsubscribeStatus string

const (
	UnsubscribeNone     UnsubscribeStatus = ""
	UnsubscribePending  UnsubscribeStatus = "PENDING"
	UnsubscribeSuccess  UnsubscribeStatus = "SUCCESS"
	UnsubscribeFailed   UnsubscribeStatus = "FAILED"
	UnsubscribeNotFound UnsubscribeStatus = "NOT_FOUND"
)

// UnsortedCategory is created lazily per account for items that could not be
// matched to a user category.
const (
	UnsortedCategory            = "Unsorted Emails"
	UnsortedCategoryDescription = "Emails that could not be classified into any specific category"
)

// Item is a processed mailbox message. Its existence marks the external id as
// processed for the account.
type Item struct {
	ID                string
	AccountID         string
	ExternalID        string
	CategoryID        string
	Subject           string
	Sender            string
	Summary           string
	Content           string
	UnsubscribeStatus UnsubscribeStatus
	UnsubscribeLink   *string
	ReceivedAt        time.Time
	CreatedAt         time.Time
}

type Category struct {
	ID          string
	AccountID   string
	Name        string
	Description string
	CreatedAt   time.Time
}
