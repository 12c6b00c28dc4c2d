package domain

import "time"

// MetadataRecipientGUID is the metadata key carrying the recipient
// correlation id through the provider and back on webhook events.
const MetadataRecipientGUID = "communication_recipient_guid"

// MaxSubjectLength is the hard limit applied to resolved subjects.
const MaxSubjectLength = 998

// TransportType identifies a transport plugin.
type TransportType string

const (
	TransportSendGrid  TransportType = "sendgrid"
	TransportMailgun   TransportType = "mailgun"
	TransportSparkPost TransportType = "sparkpost"
	TransportSES       TransportType = "ses"
	TransportSMTP      TransportType = "smtp"
)

// ResolvedMessage is the fully rendered, per-recipient message handed to a
// transport. All merge fields, safe-sender substitution, and unsubscribe
// placement have been applied.
type ResolvedMessage struct {
	To            string            `json:"to"`
	ToName        string            `json:"to_name"`
	From          string            `json:"from"`
	FromName      string            `json:"from_name"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	Subject       string            `json:"subject"`
	HTML          string            `json:"html"`
	Text          string            `json:"text,omitempty"`
	CC            []string          `json:"cc,omitempty"`
	BCC           []string          `json:"bcc,omitempty"`
	Attachments   []AttachmentRef   `json:"attachments,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RecipientGUID string            `json:"recipient_guid,omitempty"`
}

// SendResult is what a transport plugin reports after a provider call.
type SendResult struct {
	Accepted   bool          `json:"accepted"`
	StatusCode int           `json:"status_code,omitempty"`
	StatusText string        `json:"status_text"`
	MessageID  string        `json:"message_id,omitempty"`
	Transport  TransportType `json:"transport"`
	SentAt     time.Time     `json:"sent_at"`
}

// DeliveryStatus is the two-valued result of one dispatch.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Outcome is the normalized result of dispatching one resolved message.
type Outcome struct {
	Status            DeliveryStatus `json:"status"`
	Note              string         `json:"note"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	TransportName     string         `json:"transport_name"`
}

// Delivered reports whether the outcome counts as a successful handoff.
func (o Outcome) Delivered() bool { return o.Status == DeliveryDelivered }

// RecipientStatus maps the outcome onto a terminal recipient status.
func (o Outcome) RecipientStatus() RecipientStatus {
	if o.Delivered() {
		return RecipientDelivered
	}
	return RecipientFailed
}
