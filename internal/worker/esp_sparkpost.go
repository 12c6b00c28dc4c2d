package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ignite/comm-dispatch/internal/config"
	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/httpretry"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
	"github.com/ignite/comm-dispatch/internal/service/sending"
)

// SparkPostTransport sends through the SparkPost Transmissions API.
// Metadata rides on the primary recipient so events report it as rcpt_meta.
type SparkPostTransport struct {
	apiKey     string
	baseURL    string
	trackOpens bool
	client     httpretry.HTTPDoer
	blobs      sending.BlobStore
}

// NewSparkPostTransport creates a SparkPost transport from cfg.
func NewSparkPostTransport(cfg config.SparkPostConfig, blobs sending.BlobStore) *SparkPostTransport {
	return &SparkPostTransport{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		trackOpens: config.TrackingEnabled(cfg.TrackOpens),
		client:     newHTTPClient(cfg.Timeout()),
		blobs:      blobs,
	}
}

func (s *SparkPostTransport) Name() string        { return string(domain.TransportSparkPost) }
func (s *SparkPostTransport) CanTrackOpens() bool { return s.trackOpens }

type spAddress struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	HeaderTo string `json:"header_to,omitempty"`
}

type spRecipient struct {
	Address  spAddress         `json:"address"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type spAttachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data"`
}

type spContent struct {
	From        spAddress         `json:"from"`
	Subject     string            `json:"subject"`
	HTML        string            `json:"html,omitempty"`
	Text        string            `json:"text,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []spAttachment    `json:"attachments,omitempty"`
}

type spTransmission struct {
	Options    map[string]bool `json:"options"`
	Recipients []spRecipient   `json:"recipients"`
	Content    spContent       `json:"content"`
}

// Send implements sending.Transport. CC and BCC addresses become extra
// recipients whose header_to points at the primary recipient.
func (s *SparkPostTransport) Send(ctx context.Context, msg *domain.ResolvedMessage) (*domain.SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("SparkPost API key not configured")
	}

	files, err := loadAttachments(ctx, s.blobs, msg.Attachments)
	if err != nil {
		return nil, err
	}

	tx := spTransmission{
		Options: map[string]bool{"open_tracking": s.trackOpens, "click_tracking": s.trackOpens},
		Recipients: []spRecipient{
			{Address: spAddress{Email: msg.To, Name: msg.ToName}, Metadata: msg.Metadata},
		},
		Content: spContent{
			From:    spAddress{Email: msg.From, Name: msg.FromName},
			Subject: msg.Subject,
			HTML:    msg.HTML,
			Text:    msg.Text,
			ReplyTo: msg.ReplyTo,
		},
	}
	for _, addr := range append(append([]string(nil), msg.CC...), msg.BCC...) {
		tx.Recipients = append(tx.Recipients, spRecipient{Address: spAddress{Email: addr, HeaderTo: msg.To}})
	}
	if len(msg.CC) > 0 {
		tx.Content.Headers = map[string]string{"CC": strings.Join(msg.CC, ", ")}
	}
	for _, f := range files {
		tx.Content.Attachments = append(tx.Content.Attachments, spAttachment{
			Name: f.Name,
			Type: f.ContentType,
			Data: base64.StdEncoding.EncodeToString(f.Data),
		})
	}

	jsonData, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transmissions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sparkpost send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		text := readErrorBody(resp.Body)
		logger.Warn("[SparkPost] refused", "to", logger.RedactEmail(msg.To), "status", resp.StatusCode)
		return refused(domain.TransportSparkPost, resp.StatusCode, fmt.Sprintf("SparkPost error %d: %s", resp.StatusCode, text)), nil
	}

	var result struct {
		Results struct {
			ID                      string `json:"id"`
			TotalAcceptedRecipients int    `json:"total_accepted_recipients"`
			TotalRejectedRecipients int    `json:"total_rejected_recipients"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode sparkpost response: %w", err)
	}
	if result.Results.TotalAcceptedRecipients == 0 {
		return refused(domain.TransportSparkPost, resp.StatusCode,
			fmt.Sprintf("SparkPost rejected all %d recipients", result.Results.TotalRejectedRecipients)), nil
	}

	logger.Info("[SparkPost] sent", "to", logger.RedactEmail(msg.To), "id", result.Results.ID)
	return accepted(domain.TransportSparkPost, resp.StatusCode, result.Results.ID), nil
}
