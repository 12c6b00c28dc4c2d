package dispatch

import "github.com/ignite/comm-dispatch/internal/domain"

// Reasons recorded as the status note of a cancelled recipient.
const (
	ReasonDeceased      = "Person is deceased"
	ReasonNoEmail       = "Person has no email address"
	ReasonDoNotEmail    = "Email preference is set to 'Do Not Email'"
	ReasonNoMassEmail   = "Email preference is set to 'No Mass Emails'"
	ReasonUnresolvedBnc = "Email address has an unresolved bounce"
)

// Eligible checks whether r may receive comm. Direct communications skip
// the preference and bounce checks since the sender chose the person
// explicitly.
func Eligible(comm *domain.Communication, r *domain.Recipient) error {
	p := r.Person
	if p.IsDeceased {
		return &RecipientIneligibleError{Reason: ReasonDeceased}
	}
	if p.Email == "" {
		return &RecipientIneligibleError{Reason: ReasonNoEmail}
	}
	if !comm.IsBulk {
		return nil
	}
	switch p.EmailPreference {
	case domain.EmailDoNotEmail:
		return &RecipientIneligibleError{Reason: ReasonDoNotEmail}
	case domain.EmailNoMassEmail:
		return &RecipientIneligibleError{Reason: ReasonNoMassEmail}
	}
	if r.HasUnresolvedBounce {
		return &RecipientIneligibleError{Reason: ReasonUnresolvedBnc}
	}
	return nil
}
