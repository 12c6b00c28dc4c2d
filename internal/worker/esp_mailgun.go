package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/ignite/comm-dispatch/internal/config"
	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/httpretry"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
	"github.com/ignite/comm-dispatch/internal/service/sending"
)

// MailgunTransport sends through the Mailgun Messages API. Metadata is sent
// as v: variables so it comes back on webhook events as user-variables.
type MailgunTransport struct {
	apiKey     string
	domain     string
	baseURL    string
	trackOpens bool
	client     httpretry.HTTPDoer
	blobs      sending.BlobStore
}

// NewMailgunTransport creates a Mailgun transport from cfg.
func NewMailgunTransport(cfg config.MailgunConfig, blobs sending.BlobStore) *MailgunTransport {
	return &MailgunTransport{
		apiKey:     cfg.APIKey,
		domain:     cfg.Domain,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		trackOpens: config.TrackingEnabled(cfg.TrackOpens),
		client:     newHTTPClient(cfg.Timeout()),
		blobs:      blobs,
	}
}

func (s *MailgunTransport) Name() string        { return string(domain.TransportMailgun) }
func (s *MailgunTransport) CanTrackOpens() bool { return s.trackOpens }

func (s *MailgunTransport) fields(msg *domain.ResolvedMessage) url.Values {
	form := url.Values{}
	form.Add("from", formatAddress(msg.FromName, msg.From))
	form.Add("to", formatAddress(msg.ToName, msg.To))
	for _, cc := range msg.CC {
		form.Add("cc", cc)
	}
	for _, bcc := range msg.BCC {
		form.Add("bcc", bcc)
	}
	form.Add("subject", msg.Subject)
	if msg.HTML != "" {
		form.Add("html", msg.HTML)
	}
	if msg.Text != "" {
		form.Add("text", msg.Text)
	}
	if msg.ReplyTo != "" {
		form.Add("h:Reply-To", msg.ReplyTo)
	}
	for k, v := range msg.Metadata {
		form.Add("v:"+k, v)
	}
	tracking := "no"
	if s.trackOpens {
		tracking = "yes"
	}
	form.Add("o:tracking", tracking)
	form.Add("o:tracking-opens", tracking)
	form.Add("o:tracking-clicks", tracking)
	return form
}

// Send implements sending.Transport. Messages with attachments go out as
// multipart/form-data, everything else as a urlencoded form.
func (s *MailgunTransport) Send(ctx context.Context, msg *domain.ResolvedMessage) (*domain.SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("Mailgun API key not configured")
	}

	files, err := loadAttachments(ctx, s.blobs, msg.Attachments)
	if err != nil {
		return nil, err
	}

	form := s.fields(msg)
	var (
		body        io.Reader
		contentType string
	)
	if len(files) == 0 {
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	} else {
		buf := &bytes.Buffer{}
		w := multipart.NewWriter(buf)
		for k, vs := range form {
			for _, v := range vs {
				if err := w.WriteField(k, v); err != nil {
					return nil, fmt.Errorf("write field %s: %w", k, err)
				}
			}
		}
		for _, f := range files {
			part, err := w.CreateFormFile("attachment", f.Name)
			if err != nil {
				return nil, fmt.Errorf("attach %s: %w", f.Name, err)
			}
			if _, err := part.Write(f.Data); err != nil {
				return nil, fmt.Errorf("attach %s: %w", f.Name, err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close multipart: %w", err)
		}
		body = bytes.NewReader(buf.Bytes())
		contentType = w.FormDataContentType()
	}

	endpoint := fmt.Sprintf("%s/%s/messages", s.baseURL, s.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.SetBasicAuth("api", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mailgun send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text := readErrorBody(resp.Body)
		logger.Warn("[Mailgun] refused", "to", logger.RedactEmail(msg.To), "status", resp.StatusCode)
		return refused(domain.TransportMailgun, resp.StatusCode, fmt.Sprintf("Mailgun error %d: %s", resp.StatusCode, text)), nil
	}

	var result struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		logger.Warn("[Mailgun] unreadable response", "error", err)
	}
	messageID := strings.Trim(result.ID, "<>")
	logger.Info("[Mailgun] sent", "to", logger.RedactEmail(msg.To), "id", messageID)
	return accepted(domain.TransportMailgun, resp.StatusCode, messageID), nil
}
