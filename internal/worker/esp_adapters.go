// Package worker contains the send worker pool, the stale-claim recovery
// worker and the transport plugins that hand resolved messages to a
// provider.
//
// Transport plugins are split into individual files:
//   - esp_sendgrid.go:  SendGrid v3 Mail Send
//   - esp_mailgun.go:   Mailgun Messages API
//   - esp_sparkpost.go: SparkPost Transmissions API
//   - esp_ses.go:       AWS SES v2 (simple or raw MIME)
//   - esp_smtp.go:      any SMTP relay via go-mail
//   - esp_registry.go:  name-based lookup used by the orchestrator
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/httpretry"
	"github.com/ignite/comm-dispatch/internal/service/sending"
)

// maxErrorBody caps how much of a refusal body is kept in a status note.
const maxErrorBody = 2048

// attachmentFile is an attachment loaded from the blob store.
type attachmentFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// loadAttachments reads every referenced attachment. Transports call it at
// send time so bytes are never held on the communication itself.
func loadAttachments(ctx context.Context, blobs sending.BlobStore, refs []domain.AttachmentRef) ([]attachmentFile, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if blobs == nil {
		return nil, fmt.Errorf("message has %d attachments but no attachment store is configured", len(refs))
	}

	files := make([]attachmentFile, 0, len(refs))
	for _, ref := range refs {
		rc, err := blobs.Fetch(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("fetch attachment %s: %w", ref.FileName, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", ref.FileName, err)
		}
		ct := ref.ContentType
		if ct == "" {
			ct = http.DetectContentType(data)
		}
		files = append(files, attachmentFile{Name: ref.FileName, ContentType: ct, Data: data})
	}
	return files, nil
}

// newHTTPClient is the retrying client every HTTP transport uses.
func newHTTPClient(timeout time.Duration) httpretry.HTTPDoer {
	return httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 3)
}

func readErrorBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return string(bytes.TrimSpace(body))
}

func accepted(t domain.TransportType, status int, messageID string) *domain.SendResult {
	return &domain.SendResult{
		Accepted:   true,
		StatusCode: status,
		StatusText: http.StatusText(status),
		MessageID:  messageID,
		Transport:  t,
		SentAt:     time.Now(),
	}
}

func refused(t domain.TransportType, status int, text string) *domain.SendResult {
	return &domain.SendResult{
		Accepted:   false,
		StatusCode: status,
		StatusText: text,
		Transport:  t,
		SentAt:     time.Now(),
	}
}

// formatAddress renders "Name <email>" with RFC 5322 quoting.
func formatAddress(name, email string) string {
	return (&mail.Address{Name: name, Address: email}).String()
}

// buildMIME renders msg as a MIME message. The SMTP transport sends it and
// the SES transport uses it for raw sends with attachments.
func buildMIME(msg *domain.ResolvedMessage, files []attachmentFile) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.FromFormat(msg.FromName, msg.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.AddToFormat(msg.ToName, msg.To); err != nil {
		return nil, fmt.Errorf("invalid to address: %w", err)
	}
	if len(msg.CC) > 0 {
		if err := m.Cc(msg.CC...); err != nil {
			return nil, fmt.Errorf("invalid cc address: %w", err)
		}
	}
	if len(msg.BCC) > 0 {
		if err := m.Bcc(msg.BCC...); err != nil {
			return nil, fmt.Errorf("invalid bcc address: %w", err)
		}
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, fmt.Errorf("invalid reply-to address: %w", err)
		}
	}
	m.Subject(msg.Subject)

	switch {
	case msg.HTML != "" && msg.Text != "":
		m.SetBodyString(gomail.TypeTextPlain, msg.Text)
		m.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	case msg.HTML != "":
		m.SetBodyString(gomail.TypeTextHTML, msg.HTML)
	default:
		m.SetBodyString(gomail.TypeTextPlain, msg.Text)
	}

	if msg.RecipientGUID != "" {
		m.SetGenHeader(gomail.Header(guidHeader), msg.RecipientGUID)
	}

	for _, f := range files {
		if err := m.AttachReader(f.Name, bytes.NewReader(f.Data),
			gomail.WithFileContentType(gomail.ContentType(f.ContentType))); err != nil {
			return nil, fmt.Errorf("attach %s: %w", f.Name, err)
		}
	}
	return m, nil
}

// guidHeader carries the recipient correlation id on MIME messages.
const guidHeader = "X-Communication-Recipient-Guid"
