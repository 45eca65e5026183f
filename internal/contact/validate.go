package contact

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Rejection reasons. These are part of the API surface; callers display them verbatim.
const (
	ReasonMissingNameOrPhone = "Missing name or phone number"
	ReasonInvalidPhone       = "Invalid phone number format"
	ReasonMissingEmail       = "Missing email address"
	ReasonInvalidEmail       = "Invalid email address format"
)

var validate = validator.New()

// International-dialable: 7-15 digits, optional leading +, non-zero first
// digit. Anything shorter than 7 digits cannot reach a subscriber.
var phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)

// Validate filters contacts for the given channel.
//
// It is pure: no I/O, and the input slice is never mutated. Valid contacts
// are returned as copies with the phone number normalized (separators
// stripped, leading + kept).
func Validate(contacts []Contact, ch Channel) (valid []Contact, invalid []Rejection) {
	for _, c := range contacts {
		switch ch {
		case ChannelSMS:
			if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Phone) == "" {
				invalid = append(invalid, Rejection{Contact: c, Reason: ReasonMissingNameOrPhone})
				continue
			}
			normalized := NormalizePhone(c.Phone)
			if !phonePattern.MatchString(normalized) {
				invalid = append(invalid, Rejection{Contact: c, Reason: ReasonInvalidPhone})
				continue
			}
			cp := c
			cp.Phone = normalized
			valid = append(valid, cp)

		case ChannelEmail:
			email := strings.TrimSpace(c.Email)
			if email == "" {
				invalid = append(invalid, Rejection{Contact: c, Reason: ReasonMissingEmail})
				continue
			}
			if validate.Var(email, "required,email") != nil {
				invalid = append(invalid, Rejection{Contact: c, Reason: ReasonInvalidEmail})
				continue
			}
			cp := c
			cp.Email = email
			valid = append(valid, cp)
		}
	}
	return valid, invalid
}

// NormalizePhone strips separators (spaces, dashes, dots, parentheses) and
// keeps a single leading +. It does not validate.
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	plus := strings.HasPrefix(s, "+")
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if plus {
		return "+" + b.String()
	}
	return b.String()
}

// Address returns the delivery address of a contact for the given channel.
func (c Contact) Address(ch Channel) string {
	if ch == ChannelSMS {
		return c.Phone
	}
	return c.Email
}
