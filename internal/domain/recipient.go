package domain

import (
	"strings"
	"time"
)

// EmailPreference is a person's standing preference for receiving email.
type EmailPreference string

const (
	EmailAllowed     EmailPreference = "email_allowed"
	EmailNoMassEmail EmailPreference = "no_mass_emails"
	EmailDoNotEmail  EmailPreference = "do_not_email"
)

// Person is the individual behind a recipient record.
type Person struct {
	ID              string                 `json:"id" db:"id"`
	Email           string                 `json:"email" db:"email"`
	FirstName       string                 `json:"first_name" db:"first_name"`
	LastName        string                 `json:"last_name" db:"last_name"`
	IsDeceased      bool                   `json:"is_deceased" db:"is_deceased"`
	EmailPreference EmailPreference        `json:"email_preference" db:"email_preference"`
	Attributes      map[string]interface{} `json:"attributes,omitempty"`
}

// FullName returns "First Last" with missing parts omitted.
func (p Person) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// RecipientStatus enumerates the delivery states of a recipient.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSending   RecipientStatus = "sending"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientFailed    RecipientStatus = "failed"
	RecipientCancelled RecipientStatus = "cancelled"
	RecipientOpened    RecipientStatus = "opened"
)

// RecipientStatuses lists every recipient status.
var RecipientStatuses = []RecipientStatus{
	RecipientPending, RecipientSending, RecipientDelivered,
	RecipientFailed, RecipientCancelled, RecipientOpened,
}

var recipientTransitions = map[RecipientStatus][]RecipientStatus{
	RecipientPending:   {RecipientSending, RecipientCancelled},
	RecipientSending:   {RecipientDelivered, RecipientFailed, RecipientCancelled},
	RecipientDelivered: {RecipientOpened, RecipientFailed},
}

// CanTransition reports whether a recipient may move from its current status
// to the given one. Nothing ever moves back to pending.
func (s RecipientStatus) CanTransition(to RecipientStatus) bool {
	for _, allowed := range recipientTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionSources returns the statuses that may move to s, including s
// itself so repeated writes of the same status are accepted.
func (s RecipientStatus) TransitionSources() []RecipientStatus {
	out := []RecipientStatus{s}
	for _, from := range RecipientStatuses {
		if from != s && from.CanTransition(s) {
			out = append(out, from)
		}
	}
	return out
}

// IsTerminal reports whether the status ends the recipient's send lifecycle.
func (s RecipientStatus) IsTerminal() bool {
	switch s {
	case RecipientDelivered, RecipientFailed, RecipientCancelled, RecipientOpened:
		return true
	}
	return false
}

// Recipient pairs a communication with a person and carries the mutable
// delivery state for that pairing.
type Recipient struct {
	ID                  string                 `json:"id" db:"id"`
	GUID                string                 `json:"guid" db:"guid"`
	CommunicationID     string                 `json:"communication_id" db:"communication_id"`
	MediumID            string                 `json:"medium_id" db:"medium_id"`
	Person              Person                 `json:"person"`
	Status              RecipientStatus        `json:"status" db:"status"`
	StatusNote          string                 `json:"status_note" db:"status_note"`
	TransportName       string                 `json:"transport_name" db:"transport_name"`
	ResponseCode        string                 `json:"response_code,omitempty" db:"response_code"`
	HasUnresolvedBounce bool                   `json:"has_unresolved_bounce" db:"has_unresolved_bounce"`
	MergeValues         map[string]interface{} `json:"merge_values,omitempty"`
	ClaimedAt           *time.Time             `json:"claimed_at,omitempty" db:"claimed_at"`
	SentAt              *time.Time             `json:"sent_at,omitempty" db:"sent_at"`
	OpenedAt            *time.Time             `json:"opened_at,omitempty" db:"opened_at"`
}
