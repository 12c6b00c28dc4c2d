package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/ignite/comm-dispatch/internal/config"
	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
	"github.com/ignite/comm-dispatch/internal/service/sending"
)

// SESAPI is the subset of the SES v2 client the transport uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, opts ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES message tag values allow only this alphabet.
var sesTagValue = regexp.MustCompile(`^[A-Za-z0-9_\-.@]{1,256}$`)

// SESTransport sends through AWS SES v2. Messages with attachments are sent
// as raw MIME built by go-mail; everything else uses simple content.
type SESTransport struct {
	client           SESAPI
	configurationSet string
	trackOpens       bool
	blobs            sending.BlobStore
}

// NewSESClient builds an SES client. Static keys are used when both are
// set; otherwise the default AWS credential chain applies.
func NewSESClient(ctx context.Context, cfg config.SESConfig) (*sesv2.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SES: %w", err)
	}
	return sesv2.NewFromConfig(awsCfg), nil
}

// NewSESTransport creates an SES transport over client.
func NewSESTransport(client SESAPI, cfg config.SESConfig, blobs sending.BlobStore) *SESTransport {
	return &SESTransport{
		client:           client,
		configurationSet: cfg.ConfigurationSet,
		trackOpens:       config.TrackingEnabled(cfg.TrackOpens),
		blobs:            blobs,
	}
}

func (s *SESTransport) Name() string { return string(domain.TransportSES) }

// CanTrackOpens reports true only when a configuration set is attached,
// since SES tracks opens through configuration-set event destinations.
func (s *SESTransport) CanTrackOpens() bool { return s.trackOpens && s.configurationSet != "" }

// Send implements sending.Transport. SES API errors such as MessageRejected
// are provider refusals; anything else is a failed call.
func (s *SESTransport) Send(ctx context.Context, msg *domain.ResolvedMessage) (*domain.SendResult, error) {
	if s.client == nil {
		return nil, fmt.Errorf("SES client not initialized - check credentials")
	}

	files, err := loadAttachments(ctx, s.blobs, msg.Attachments)
	if err != nil {
		return nil, err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatAddress(msg.FromName, msg.From)),
		Destination: &types.Destination{
			ToAddresses:  []string{formatAddress(msg.ToName, msg.To)},
			CcAddresses:  msg.CC,
			BccAddresses: msg.BCC,
		},
		EmailTags: sesTags(msg.Metadata),
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	if len(files) > 0 {
		m, err := buildMIME(msg, files)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if _, err := m.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("render MIME: %w", err)
		}
		input.Content = &types.EmailContent{Raw: &types.RawMessage{Data: buf.Bytes()}}
	} else {
		body := &types.Body{}
		if msg.HTML != "" {
			body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
		}
		if msg.Text != "" {
			body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
		}
		input.Content = &types.EmailContent{Simple: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		}}
		if msg.ReplyTo != "" {
			input.ReplyToAddresses = []string{msg.ReplyTo}
		}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
			logger.Warn("[SES] refused", "to", logger.RedactEmail(msg.To), "code", apiErr.ErrorCode())
			return refused(domain.TransportSES, 400, fmt.Sprintf("SES error %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())), nil
		}
		return nil, fmt.Errorf("ses send: %w", err)
	}

	messageID := aws.ToString(out.MessageId)
	logger.Info("[SES] sent", "to", logger.RedactEmail(msg.To), "id", messageID)
	return accepted(domain.TransportSES, 200, messageID), nil
}

// sesTags converts metadata into message tags, dropping values SES would
// reject. The recipient correlation id is a uuid and always fits.
func sesTags(metadata map[string]string) []types.MessageTag {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var tags []types.MessageTag
	for _, k := range keys {
		v := metadata[k]
		if !sesTagValue.MatchString(k) || !sesTagValue.MatchString(v) {
			logger.Debug("[SES] dropping metadata tag", "key", k)
			continue
		}
		tags = append(tags, types.MessageTag{Name: aws.String(k), Value: aws.String(v)})
	}
	return tags
}
