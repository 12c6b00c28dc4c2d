// Package safesender decides whether a communication may go out under its
// configured from-address or must be re-sent as the organization.
//
// Receiving servers increasingly reject mail whose from-domain does not
// authorize the sending infrastructure. Domains the organization controls
// are listed as safe; anything else is sent from the organization address
// unless every recipient sits on a safe domain that tolerates it.
package safesender

import (
	"net/mail"
	"strings"

	"github.com/ignite/comm-dispatch/internal/domain"
)

// Evaluate applies the safe-sender rules to one send. from must be a parsed
// address; to holds the raw recipient addresses. It performs no I/O.
func Evaluate(from *mail.Address, to []string, orgEmail string, safeDomains []domain.SafeDomain) domain.SafeSenderResult {
	if from == nil {
		return domain.SafeSenderResult{}
	}

	index := make(map[string]bool, len(safeDomains))
	for _, d := range safeDomains {
		name := strings.ToLower(strings.TrimSpace(d.Domain))
		if name == "" {
			continue
		}
		// First entry wins when a domain is listed twice.
		if _, seen := index[name]; !seen {
			index[name] = d.SafeToSendTo
		}
	}

	if _, ok := index[domain.DomainOf(from.Address)]; ok {
		return domain.SafeSenderResult{}
	}

	unsafe := false
	for _, addr := range to {
		if !index[domain.DomainOf(addr)] {
			unsafe = true
			break
		}
	}
	if !unsafe {
		return domain.SafeSenderResult{}
	}

	result := domain.SafeSenderResult{IsUnsafeDomain: true}
	orgEmail = strings.TrimSpace(orgEmail)
	if orgEmail != "" && !strings.EqualFold(orgEmail, from.Address) {
		result.SafeFrom = &mail.Address{Name: from.Name, Address: orgEmail}
	}
	return result
}
