package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ignite/comm-dispatch/internal/domain"
)

var validate = validator.New()

// =============================================================================
// SendGrid
// =============================================================================

// SendGridEvent is one element of a SendGrid event webhook batch. Custom
// args set at send time come back as top-level fields.
type SendGridEvent struct {
	Email         string `json:"email" validate:"required"`
	Timestamp     int64  `json:"timestamp" validate:"required"`
	Event         string `json:"event" validate:"required"`
	SGMessageID   string `json:"sg_message_id"`
	Reason        string `json:"reason"`
	URL           string `json:"url"`
	UserAgent     string `json:"useragent"`
	IP            string `json:"ip"`
	RecipientGUID string `json:"communication_recipient_guid"`
}

var sendGridTypes = map[string]domain.ProviderEventType{
	"processed":  domain.EventProcessed,
	"delivered":  domain.EventDelivered,
	"open":       domain.EventOpen,
	"click":      domain.EventClick,
	"bounce":     domain.EventBounce,
	"dropped":    domain.EventDropped,
	"spamreport": domain.EventSpam,
	"deferred":   domain.EventDeferred,
}

// ParseSendGrid decodes and validates a SendGrid batch.
func ParseSendGrid(body []byte) ([]domain.ProviderEvent, error) {
	var events []SendGridEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("decode sendgrid events: %w", err)
	}
	for i := range events {
		if err := validate.Struct(events[i]); err != nil {
			return nil, fmt.Errorf("invalid sendgrid event %d: %w", i, err)
		}
	}

	out := make([]domain.ProviderEvent, 0, len(events))
	for _, e := range events {
		out = append(out, domain.ProviderEvent{
			Provider:          domain.TransportSendGrid,
			Event:             eventType(sendGridTypes, e.Event),
			Email:             e.Email,
			Timestamp:         time.Unix(e.Timestamp, 0).UTC(),
			ProviderMessageID: e.SGMessageID,
			RecipientGUID:     e.RecipientGUID,
			Reason:            e.Reason,
			URL:               e.URL,
			UserAgent:         e.UserAgent,
			IP:                e.IP,
		})
	}
	return out, nil
}

// =============================================================================
// Mailgun
// =============================================================================

// MailgunWebhook is the body Mailgun posts for one event.
type MailgunWebhook struct {
	Signature MailgunSignature `json:"signature" validate:"required"`
	EventData MailgunEventData `json:"event-data" validate:"required"`
}

// MailgunSignature authenticates a Mailgun webhook.
type MailgunSignature struct {
	Timestamp string `json:"timestamp" validate:"required"`
	Token     string `json:"token" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

// Verify checks the HMAC-SHA256 of timestamp+token under signingKey.
func (s MailgunSignature) Verify(signingKey string) bool {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(s.Timestamp + s.Token))
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(s.Signature))
}

// MailgunEventData carries the event itself. Variables set with "v:" at
// send time come back in UserVariables.
type MailgunEventData struct {
	Event         string                 `json:"event" validate:"required"`
	Timestamp     float64                `json:"timestamp"`
	Recipient     string                 `json:"recipient"`
	Severity      string                 `json:"severity"`
	Reason        string                 `json:"reason"`
	URL           string                 `json:"url"`
	IP            string                 `json:"ip"`
	UserVariables map[string]interface{} `json:"user-variables"`
	ClientInfo    struct {
		UserAgent string `json:"user-agent"`
	} `json:"client-info"`
	DeliveryStatus struct {
		Message     string `json:"message"`
		Description string `json:"description"`
	} `json:"delivery-status"`
	Message struct {
		Headers struct {
			MessageID string `json:"message-id"`
		} `json:"headers"`
	} `json:"message"`
}

var mailgunTypes = map[string]domain.ProviderEventType{
	"accepted":   domain.EventProcessed,
	"delivered":  domain.EventDelivered,
	"opened":     domain.EventOpen,
	"clicked":    domain.EventClick,
	"complained": domain.EventSpam,
	"rejected":   domain.EventDropped,
}

// ParseMailgun decodes and validates a Mailgun webhook. With a non-empty
// signingKey the signature must verify.
func ParseMailgun(body []byte, signingKey string) (domain.ProviderEvent, error) {
	var w MailgunWebhook
	if err := json.Unmarshal(body, &w); err != nil {
		return domain.ProviderEvent{}, fmt.Errorf("decode mailgun event: %w", err)
	}
	if err := validate.Struct(w); err != nil {
		return domain.ProviderEvent{}, fmt.Errorf("invalid mailgun event: %w", err)
	}
	if signingKey != "" && !w.Signature.Verify(signingKey) {
		return domain.ProviderEvent{}, ErrBadSignature
	}

	d := w.EventData
	ev := domain.ProviderEvent{
		Provider:          domain.TransportMailgun,
		Event:             eventType(mailgunTypes, d.Event),
		Email:             d.Recipient,
		Timestamp:         floatTime(d.Timestamp),
		ProviderMessageID: d.Message.Headers.MessageID,
		RecipientGUID:     stringVar(d.UserVariables, domain.MetadataRecipientGUID),
		Reason:            firstNonEmpty(d.DeliveryStatus.Description, d.DeliveryStatus.Message, d.Reason),
		URL:               d.URL,
		UserAgent:         d.ClientInfo.UserAgent,
		IP:                d.IP,
	}
	if d.Event == "failed" {
		ev.Event = domain.EventDeferred
		if d.Severity == "permanent" {
			ev.Event = domain.EventBounce
		}
	}
	return ev, nil
}

// =============================================================================
// SparkPost
// =============================================================================

// SparkPostEvent is the common shape of message, track and gen events.
// Recipient metadata set at send time comes back in RcptMeta.
type SparkPostEvent struct {
	Type          string                 `json:"type" validate:"required"`
	RcptTo        string                 `json:"rcpt_to"`
	Timestamp     string                 `json:"timestamp"`
	MessageID     string                 `json:"message_id"`
	Reason        string                 `json:"reason"`
	RawReason     string                 `json:"raw_reason"`
	TargetLinkURL string                 `json:"target_link_url"`
	UserAgent     string                 `json:"user_agent"`
	IPAddress     string                 `json:"ip_address"`
	RcptMeta      map[string]interface{} `json:"rcpt_meta"`
}

var sparkPostTypes = map[string]domain.ProviderEventType{
	"injection":            domain.EventProcessed,
	"delivery":             domain.EventDelivered,
	"open":                 domain.EventOpen,
	"initial_open":         domain.EventOpen,
	"click":                domain.EventClick,
	"bounce":               domain.EventBounce,
	"out_of_band":          domain.EventBounce,
	"policy_rejection":     domain.EventDropped,
	"generation_rejection": domain.EventDropped,
	"generation_failure":   domain.EventDropped,
	"spam_complaint":       domain.EventSpam,
	"delay":                domain.EventDeferred,
}

// ParseSparkPost decodes a SparkPost batch. Every msys category is read
// the same way; entries without a type are skipped.
func ParseSparkPost(body []byte) ([]domain.ProviderEvent, error) {
	var batch []struct {
		Msys map[string]SparkPostEvent `json:"msys"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("decode sparkpost events: %w", err)
	}

	var out []domain.ProviderEvent
	for _, item := range batch {
		for _, e := range item.Msys {
			if validate.Struct(e) != nil {
				continue
			}
			out = append(out, domain.ProviderEvent{
				Provider:          domain.TransportSparkPost,
				Event:             eventType(sparkPostTypes, e.Type),
				Email:             e.RcptTo,
				Timestamp:         unixStringTime(e.Timestamp),
				ProviderMessageID: e.MessageID,
				RecipientGUID:     stringVar(e.RcptMeta, domain.MetadataRecipientGUID),
				Reason:            firstNonEmpty(e.Reason, e.RawReason),
				URL:               e.TargetLinkURL,
				UserAgent:         e.UserAgent,
				IP:                e.IPAddress,
			})
		}
	}
	return out, nil
}

// =============================================================================
// SES (SNS notifications)
// =============================================================================

// SNSMessage is the SNS envelope around an SES event.
type SNSMessage struct {
	Type         string `json:"Type" validate:"required"`
	SubscribeURL string `json:"SubscribeURL"`
	Message      string `json:"Message"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
}

// SESEvent covers both event publishing ("eventType") and legacy
// notifications ("notificationType"). Message tags set at send time come
// back in Mail.Tags.
type SESEvent struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID   string              `json:"messageId"`
		Timestamp   time.Time           `json:"timestamp"`
		Destination []string            `json:"destination"`
		Tags        map[string][]string `json:"tags"`
	} `json:"mail"`
	Bounce *struct {
		BounceType        string `json:"bounceType"`
		BouncedRecipients []struct {
			EmailAddress   string `json:"emailAddress"`
			DiagnosticCode string `json:"diagnosticCode"`
		} `json:"bouncedRecipients"`
	} `json:"bounce,omitempty"`
	Open *struct {
		IPAddress string `json:"ipAddress"`
		UserAgent string `json:"userAgent"`
	} `json:"open,omitempty"`
	Click *struct {
		Link      string `json:"link"`
		IPAddress string `json:"ipAddress"`
		UserAgent string `json:"userAgent"`
	} `json:"click,omitempty"`
	Reject *struct {
		Reason string `json:"reason"`
	} `json:"reject,omitempty"`
}

var sesTypes = map[string]domain.ProviderEventType{
	"send":          domain.EventProcessed,
	"delivery":      domain.EventDelivered,
	"open":          domain.EventOpen,
	"click":         domain.EventClick,
	"bounce":        domain.EventBounce,
	"reject":        domain.EventDropped,
	"complaint":     domain.EventSpam,
	"deliverydelay": domain.EventDeferred,
}

// ParseSESNotification decodes the SES event inside an SNS notification.
func ParseSESNotification(message string) (domain.ProviderEvent, error) {
	var e SESEvent
	if err := json.Unmarshal([]byte(message), &e); err != nil {
		return domain.ProviderEvent{}, fmt.Errorf("decode ses event: %w", err)
	}
	kind := firstNonEmpty(e.EventType, e.NotificationType)
	ev := domain.ProviderEvent{
		Provider:          domain.TransportSES,
		Event:             eventType(sesTypes, strings.ToLower(kind)),
		Timestamp:         e.Mail.Timestamp,
		ProviderMessageID: e.Mail.MessageID,
	}
	if len(e.Mail.Destination) > 0 {
		ev.Email = e.Mail.Destination[0]
	}
	if tags := e.Mail.Tags[domain.MetadataRecipientGUID]; len(tags) > 0 {
		ev.RecipientGUID = tags[0]
	}
	switch {
	case e.Bounce != nil:
		if e.Bounce.BounceType != "Permanent" {
			ev.Event = domain.EventDeferred
		}
		if len(e.Bounce.BouncedRecipients) > 0 {
			ev.Reason = e.Bounce.BouncedRecipients[0].DiagnosticCode
		}
	case e.Open != nil:
		ev.IP, ev.UserAgent = e.Open.IPAddress, e.Open.UserAgent
	case e.Click != nil:
		ev.URL, ev.IP, ev.UserAgent = e.Click.Link, e.Click.IPAddress, e.Click.UserAgent
	case e.Reject != nil:
		ev.Reason = e.Reject.Reason
	}
	return ev, nil
}

// =============================================================================
// helpers
// =============================================================================

func eventType(table map[string]domain.ProviderEventType, raw string) domain.ProviderEventType {
	if t, ok := table[raw]; ok {
		return t
	}
	return domain.EventUnknown
}

func stringVar(vars map[string]interface{}, key string) string {
	if v, ok := vars[key].(string); ok {
		return v
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func floatTime(ts float64) time.Time {
	if ts == 0 {
		return time.Now().UTC()
	}
	sec := int64(ts)
	return time.Unix(sec, int64((ts-float64(sec))*1e9)).UTC()
}

func unixStringTime(ts string) time.Time {
	if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
		return time.Unix(n, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
