// Package sending defines the contracts between the dispatch pipeline and
// the transport plugins that hand messages to a provider.
//
// Each provider (SendGrid, Mailgun, SparkPost, SES, SMTP) implements
// Transport. The worker wires them into a Registry so the orchestrator
// stays provider-agnostic.
package sending

import (
	"context"
	"io"

	"github.com/ignite/comm-dispatch/internal/domain"
)

// Transport sends one resolved message through a provider. A nil error with
// Accepted=false means the provider answered and refused; a non-nil error
// means the call itself failed. Implementations must be safe for concurrent
// use.
type Transport interface {
	Name() string
	CanTrackOpens() bool
	Send(ctx context.Context, msg *domain.ResolvedMessage) (*domain.SendResult, error)
}

// TransportResolver looks up a transport by name. An empty name selects the
// configured default.
type TransportResolver interface {
	Transport(name string) (Transport, error)
}

// BlobStore returns attachment bytes. Transports call it at send time only.
type BlobStore interface {
	Fetch(ctx context.Context, ref domain.AttachmentRef) (io.ReadCloser, error)
}
