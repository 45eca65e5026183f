package dispatch

import (
	"outreach/internal/contact"
	"outreach/internal/storage"
	"outreach/internal/transport"
)

// Status tags a Progress snapshot.
type Status string

const (
	StatusSending   Status = "sending"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether no further events follow this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// Request is one unit of work. It is consumed entirely by one run and never
// persisted; only outcomes are (as send records).
type Request struct {
	Org     *storage.Organization
	Channel contact.Channel

	// Message is the body template; a {name} placeholder (any case) is
	// replaced per recipient. Subject and HTML are email-only.
	Message string
	Subject string
	HTML    string

	Contacts  []contact.Contact
	Transport transport.Transport
}

// Failure records one recipient the transport refused.
type Failure struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// Progress is a transient snapshot of a run, produced repeatedly and
// consumed immediately; never stored. Durations are milliseconds on the wire.
type Progress struct {
	Status  Status `json:"status"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`

	Recipient    string `json:"recipient,omitempty"`
	Batch        int    `json:"batch,omitempty"`
	TotalBatches int    `json:"totalBatches,omitempty"`

	BatchPauseRemaining int64 `json:"batchPauseRemaining,omitempty"`
	EstimatedRemaining  int64 `json:"estimatedTimeRemaining"`

	Message  string              `json:"message,omitempty"`
	Failures []Failure           `json:"failures,omitempty"`
	Invalid  []contact.Rejection `json:"invalidContacts,omitempty"`
}

// Terminal reports whether this is the run's final event.
func (p Progress) Terminal() bool { return p.Status.Terminal() }
