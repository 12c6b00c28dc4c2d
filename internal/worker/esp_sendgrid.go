package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/comm-dispatch/internal/config"
	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/httpretry"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
	"github.com/ignite/comm-dispatch/internal/service/sending"
)

// SendGridTransport sends through the SendGrid v3 Mail Send API. Only a 202
// counts as accepted; SendGrid answers 200 for sandbox-mode requests that
// never leave the building.
type SendGridTransport struct {
	apiKey     string
	baseURL    string
	trackOpens bool
	client     httpretry.HTTPDoer
	blobs      sending.BlobStore
}

// NewSendGridTransport creates a SendGrid transport from cfg.
func NewSendGridTransport(cfg config.SendGridConfig, blobs sending.BlobStore) *SendGridTransport {
	return &SendGridTransport{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		trackOpens: config.TrackingEnabled(cfg.TrackOpens),
		client:     newHTTPClient(cfg.Timeout()),
		blobs:      blobs,
	}
}

func (s *SendGridTransport) Name() string        { return string(domain.TransportSendGrid) }
func (s *SendGridTransport) CanTrackOpens() bool { return s.trackOpens }

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To         []sgAddress       `json:"to"`
	CC         []sgAddress       `json:"cc,omitempty"`
	BCC        []sgAddress       `json:"bcc,omitempty"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgAttachment struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition"`
}

type sgToggle struct {
	Enable bool `json:"enable"`
}

type sgMail struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	ReplyTo          *sgAddress          `json:"reply_to,omitempty"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	Attachments      []sgAttachment      `json:"attachments,omitempty"`
	TrackingSettings map[string]sgToggle `json:"tracking_settings"`
}

// Send implements sending.Transport.
func (s *SendGridTransport) Send(ctx context.Context, msg *domain.ResolvedMessage) (*domain.SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("SendGrid API key not configured")
	}

	files, err := loadAttachments(ctx, s.blobs, msg.Attachments)
	if err != nil {
		return nil, err
	}

	p := sgPersonalization{
		To:         []sgAddress{{Email: msg.To, Name: msg.ToName}},
		CustomArgs: msg.Metadata,
	}
	for _, cc := range msg.CC {
		p.CC = append(p.CC, sgAddress{Email: cc})
	}
	for _, bcc := range msg.BCC {
		p.BCC = append(p.BCC, sgAddress{Email: bcc})
	}

	payload := sgMail{
		Personalizations: []sgPersonalization{p},
		From:             sgAddress{Email: msg.From, Name: msg.FromName},
		Subject:          msg.Subject,
		TrackingSettings: map[string]sgToggle{
			"click_tracking": {Enable: s.trackOpens},
			"open_tracking":  {Enable: s.trackOpens},
		},
	}
	if msg.ReplyTo != "" {
		payload.ReplyTo = &sgAddress{Email: msg.ReplyTo}
	}
	// SendGrid requires text/plain to precede text/html.
	if msg.Text != "" {
		payload.Content = append(payload.Content, sgContent{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		payload.Content = append(payload.Content, sgContent{Type: "text/html", Value: msg.HTML})
	}
	for _, f := range files {
		payload.Attachments = append(payload.Attachments, sgAttachment{
			Content:     base64.StdEncoding.EncodeToString(f.Data),
			Filename:    f.Name,
			Type:        f.ContentType,
			Disposition: "attachment",
		})
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sendgrid send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body := readErrorBody(resp.Body)
		logger.Warn("[SendGrid] refused", "to", logger.RedactEmail(msg.To), "status", resp.StatusCode)
		return refused(domain.TransportSendGrid, resp.StatusCode, fmt.Sprintf("SendGrid error %d: %s", resp.StatusCode, body)), nil
	}

	messageID := resp.Header.Get("X-Message-Id")
	if messageID == "" {
		messageID = uuid.New().String()
	}
	logger.Info("[SendGrid] sent", "to", logger.RedactEmail(msg.To), "id", messageID)
	return accepted(domain.TransportSendGrid, resp.StatusCode, messageID), nil
}
