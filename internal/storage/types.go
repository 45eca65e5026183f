package storage

import (
	"errors"
	"time"

	"outreach/internal/contact"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: not found")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Organization is the tenant entity. Quota fields of 0 mean "use the
// configured default" for that channel.
type Organization struct {
	ID         int64
	Name       string
	AccessCode string

	EmailQuota int
	SMSQuota   int

	EmailSent     int
	SMSSent       int
	EmailLastSent time.Time
	SMSLastSent   time.Time

	// Per-organization transport credentials. SMTPUser/SMTPPass are the
	// SMTP username + app password; SMSFrom overrides the global sender id.
	SMTPUser string
	SMTPPass string
	SMSFrom  string

	CreatedAt time.Time
}

// HasTransport reports whether the organization can send on the channel.
func (o *Organization) HasTransport(ch contact.Channel) bool {
	if o == nil {
		return false
	}
	if ch == contact.ChannelEmail {
		return o.SMTPUser != "" && o.SMTPPass != ""
	}
	return true // SMS uses the shared gateway credentials
}

// SendRecord is one persisted fact: content delivered to one recipient.
// Append-only; the dispatcher never updates or deletes records.
type SendRecord struct {
	ID        string
	OrgID     int64
	Recipient string
	Subject   string
	Content   string
	Channel   contact.Channel
	CreatedAt time.Time
}

// QuotaDecision is the outcome of a reserve attempt.
type QuotaDecision struct {
	Allowed   bool
	Remaining int // headroom left AFTER the reservation (or the unreserved headroom when rejected)
}
