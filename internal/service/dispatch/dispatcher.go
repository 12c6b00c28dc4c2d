package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/pkg/logger"
	"github.com/ignite/comm-dispatch/internal/service/sending"
)

// Dispatch hands msg to t and normalizes whatever happens into an Outcome.
// It never returns an error and never panics: a transport error or panic
// becomes a failed outcome whose note starts with "Exception: ", and a
// refusal becomes a failed outcome carrying the provider's status text.
func Dispatch(ctx context.Context, t sending.Transport, msg *domain.ResolvedMessage) (out domain.Outcome) {
	out.TransportName = t.Name()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("transport panicked", "transport", out.TransportName, "panic", fmt.Sprint(r))
			out.Status = domain.DeliveryFailed
			out.Note = ExceptionNote(fmt.Errorf("panic: %v", r))
			out.ProviderMessageID = ""
		}
	}()

	res, err := t.Send(ctx, msg)
	if err != nil {
		out.Status = domain.DeliveryFailed
		out.Note = ExceptionNote(err)
		return out
	}
	if res == nil {
		out.Status = domain.DeliveryFailed
		out.Note = ExceptionNote(fmt.Errorf("%s returned no result", out.TransportName))
		return out
	}

	out.ProviderMessageID = res.MessageID
	if !res.Accepted {
		out.Status = domain.DeliveryFailed
		out.Note = res.StatusText
		if out.Note == "" {
			out.Note = fmt.Sprintf("provider refused the message (status %d)", res.StatusCode)
		}
		return out
	}
	out.Status = domain.DeliveryDelivered
	return out
}

// now is swapped in tests.
var now = time.Now
