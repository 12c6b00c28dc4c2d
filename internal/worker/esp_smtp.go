package worker

import (
	"context"
	"fmt"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/ignite/comm-dispatch/internal/config"
	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
	"github.com/ignite/comm-dispatch/internal/service/sending"
)

// smtpSender abstracts the go-mail client so tests can capture messages.
type smtpSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*gomail.Msg) error
}

// SMTPTransport relays through any SMTP server. SMTP has no open tracking.
type SMTPTransport struct {
	cfg    config.SMTPConfig
	blobs  sending.BlobStore
	dialer func() (smtpSender, error)
}

// NewSMTPTransport creates an SMTP transport from cfg.
func NewSMTPTransport(cfg config.SMTPConfig, blobs sending.BlobStore) *SMTPTransport {
	t := &SMTPTransport{cfg: cfg, blobs: blobs}
	t.dialer = t.newClient
	return t
}

func (s *SMTPTransport) Name() string        { return string(domain.TransportSMTP) }
func (s *SMTPTransport) CanTrackOpens() bool { return false }

func (s *SMTPTransport) newClient() (smtpSender, error) {
	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		gomail.WithTimeout(s.cfg.Timeout()),
	}
	switch s.cfg.TLS {
	case "ssl":
		opts = append(opts, gomail.WithSSL())
	case "opportunistic":
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	case "none":
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	default:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
			gomail.WithSMTPAuth(gomail.SMTPAuthAutoDiscover),
		)
	}
	return gomail.NewClient(s.cfg.Host, opts...)
}

// Send implements sending.Transport. An SMTP-level rejection is returned
// as an error; the relay either takes the message or the call fails.
func (s *SMTPTransport) Send(ctx context.Context, msg *domain.ResolvedMessage) (*domain.SendResult, error) {
	if s.cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host not configured")
	}

	files, err := loadAttachments(ctx, s.blobs, msg.Attachments)
	if err != nil {
		return nil, err
	}
	m, err := buildMIME(msg, files)
	if err != nil {
		return nil, err
	}

	client, err := s.dialer()
	if err != nil {
		return nil, fmt.Errorf("create SMTP client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return nil, fmt.Errorf("smtp send: %w", err)
	}

	messageID := fmt.Sprintf("smtp-%d", time.Now().UnixNano())
	if msg.RecipientGUID != "" {
		messageID = "smtp-" + msg.RecipientGUID
	}
	logger.Info("[SMTP] sent", "to", logger.RedactEmail(msg.To), "host", s.cfg.Host)
	res := accepted(domain.TransportSMTP, 250, messageID)
	res.StatusText = "250 queued"
	return res, nil
}
