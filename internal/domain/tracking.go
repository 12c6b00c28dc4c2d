package domain

import "time"

// ProviderEventType enumerates the normalized webhook event kinds.
type ProviderEventType string

const (
	EventProcessed ProviderEventType = "processed"
	EventDelivered ProviderEventType = "delivered"
	EventOpen      ProviderEventType = "open"
	EventClick     ProviderEventType = "click"
	EventBounce    ProviderEventType = "bounce"
	EventDropped   ProviderEventType = "dropped"
	EventSpam      ProviderEventType = "spamreport"
	EventDeferred  ProviderEventType = "deferred"
	EventUnknown   ProviderEventType = "unknown"
)

// ProviderEvent is an inbound provider webhook event normalized across
// transports. RecipientGUID comes back from the metadata set at build time.
type ProviderEvent struct {
	Provider          TransportType     `json:"provider"`
	Event             ProviderEventType `json:"event"`
	Email             string            `json:"email"`
	Timestamp         time.Time         `json:"timestamp"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	RecipientGUID     string            `json:"recipient_guid,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	URL               string            `json:"url,omitempty"`
	UserAgent         string            `json:"user_agent,omitempty"`
	IP                string            `json:"ip,omitempty"`
}

// CommunicationRecord is the asynchronous "communication sent" job. It lets
// webhook processing resolve a correlation id even for ad-hoc sends that
// never had a durable recipient row.
type CommunicationRecord struct {
	RecipientGUID   string            `json:"recipient_guid"`
	CommunicationID string            `json:"communication_id,omitempty"`
	PersonID        string            `json:"person_id,omitempty"`
	Email           string            `json:"email"`
	Subject         string            `json:"subject"`
	TransportName   string            `json:"transport_name"`
	SentAt          time.Time         `json:"sent_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	LastEvent       ProviderEventType `json:"last_event,omitempty"`
	LastEventAt     *time.Time        `json:"last_event_at,omitempty"`
}
