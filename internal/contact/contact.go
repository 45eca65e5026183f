package contact

// Channel selects the delivery medium of a dispatch run.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

func (c Channel) Valid() bool { return c == ChannelSMS || c == ChannelEmail }

// Contact is an immutable recipient value. The dispatcher never mutates a
// caller's contact list; validation returns filtered copies.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Rejection pairs a contact with the human-readable reason it was excluded
// from a run. Reasons are surfaced to the caller, never swallowed.
type Rejection struct {
	Contact Contact `json:"contact"`
	Reason  string  `json:"reason"`
}
