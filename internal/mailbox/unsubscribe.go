package mailbox

import (
	"strings"
	"time"
)

// UnsubscribeLink returns the first http(s) URL of the List-Unsubscribe
// header, or "". mailto: entries are ignored.
func UnsubscribeLink(msg Message) string {
	header := msg.Header("List-Unsubscribe")
	for _, entry := range strings.Split(header, ",") {
		entry = strings.TrimSpace(entry)
		entry = strings.TrimSuffix(strings.TrimPrefix(entry, "<"), ">")
		if strings.HasPrefix(entry, "https://") || strings.HasPrefix(entry, "http://") {
			return entry
		}
	}
	return ""
}

// ReceivedAt converts InternalDate, falling back to now when it is unset.
func (m Message) ReceivedAt() time.Time {
	if m.InternalDate <= 0 {
		return time.Now()
	}
	return time.UnixMilli(m.InternalDate)
}
