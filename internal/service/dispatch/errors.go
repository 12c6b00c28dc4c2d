package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the dispatch service layer.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownTransport  = errors.New("unknown transport")
	ErrInvalidTransition = errors.New("invalid recipient status transition")
)

// MissingFromMessage is the validation message when no from-address resolves.
const MissingFromMessage = "A From address was not provided."

// ValidationError reports a message that cannot be sent as configured.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// AddressFormatError reports an address that does not parse.
type AddressFormatError struct {
	Field string
	Value string
	Err   error
}

func (e *AddressFormatError) Error() string {
	return fmt.Sprintf("invalid %s address %q: %v", e.Field, e.Value, e.Err)
}

func (e *AddressFormatError) Unwrap() error { return e.Err }

// TransportError reports a provider refusal or a failed provider call.
type TransportError struct {
	Transport string
	Note      string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Transport, e.Note)
}

// RecipientIneligibleError reports a recipient excluded by policy. Such
// recipients are cancelled, not failed.
type RecipientIneligibleError struct {
	Reason string
}

func (e *RecipientIneligibleError) Error() string { return e.Reason }

// isMessageLevel reports whether err makes every recipient of a message
// fail the same way, so an ad-hoc send should stop at the first one.
func isMessageLevel(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var ae *AddressFormatError
	return errors.As(err, &ae) && ae.Field == "from"
}

// ExceptionNote renders err and its wrapped causes as a status note,
// e.g. "Exception: sendgrid send => dial tcp => i/o timeout".
func ExceptionNote(err error) string {
	var parts []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := e.Error()
		if next := errors.Unwrap(e); next != nil {
			msg = strings.TrimSuffix(strings.TrimSuffix(msg, next.Error()), ": ")
		}
		if msg != "" {
			parts = append(parts, msg)
		}
	}
	return "Exception: " + strings.Join(parts, " => ")
}
