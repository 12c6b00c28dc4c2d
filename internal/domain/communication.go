package domain

import "time"

// ApprovalStatus enumerates the approval states of a communication.
type ApprovalStatus string

const (
	ApprovalDraft   ApprovalStatus = "draft"
	ApprovalPending ApprovalStatus = "pending_approval"
	ApprovalGranted ApprovalStatus = "approved"
	ApprovalDenied  ApprovalStatus = "denied"
)

// AttachmentRef points at a binary file in the attachment blob store.
// The bytes are only read by a transport at send time.
type AttachmentRef struct {
	Key         string `json:"key" db:"storage_key"`
	FileName    string `json:"file_name" db:"file_name"`
	ContentType string `json:"content_type" db:"content_type"`
}

// Communication is a message template owned by a sender. Its content is
// read-only once recipients begin processing.
type Communication struct {
	ID              string            `json:"id" db:"id"`
	SenderPersonID  string            `json:"sender_person_id" db:"sender_person_id"`
	Subject         string            `json:"subject" db:"subject"`
	FromName        string            `json:"from_name" db:"from_name"`
	FromEmail       string            `json:"from_email" db:"from_email"`
	ReplyToEmail    string            `json:"reply_to_email" db:"reply_to_email"`
	CCEmails        string            `json:"cc_emails" db:"cc_emails"`
	BCCEmails       string            `json:"bcc_emails" db:"bcc_emails"`
	HTMLMessage     string            `json:"html_message" db:"html_message"`
	PlainText       string            `json:"plain_text" db:"plain_text"`
	UnsubscribeHTML string            `json:"unsubscribe_html" db:"unsubscribe_html"`
	Attachments     []AttachmentRef   `json:"attachments,omitempty"`
	IsBulk          bool              `json:"is_bulk" db:"is_bulk"`
	TransportName   string            `json:"transport_name,omitempty" db:"transport_name"`
	Status          ApprovalStatus    `json:"status" db:"status"`
	FutureSendAt    *time.Time        `json:"future_send_at,omitempty" db:"future_send_at"`
	EnabledCommands []string          `json:"enabled_commands,omitempty" db:"enabled_commands"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
}

// IsApproved reports whether the communication may be sent.
func (c *Communication) IsApproved() bool {
	return c.Status == ApprovalGranted
}

// IsDue reports whether the communication's future send time, if any, has passed.
func (c *Communication) IsDue(now time.Time) bool {
	return c.FutureSendAt == nil || !c.FutureSendAt.After(now)
}
