package domain

import (
	"net/mail"
	"strings"
)

// SafeDomain is an organization-approved sending domain. SafeToSendTo marks
// domains whose mailboxes also accept mail from unapproved senders.
type SafeDomain struct {
	Domain       string `json:"domain" yaml:"domain"`
	SafeToSendTo bool   `json:"safe_to_send_to" yaml:"safe_to_send_to"`
}

// SendContext is the read-only organization configuration a send runs under.
type SendContext struct {
	OrgEmail      string       `json:"org_email"`
	OrgName       string       `json:"org_name"`
	SafeDomains   []SafeDomain `json:"safe_domains"`
	PublicAppRoot string       `json:"public_app_root"`
}

// SafeSenderResult is the outcome of a safe-sender evaluation. SafeFrom is
// nil when the send is trusted or when no substitute could be produced.
type SafeSenderResult struct {
	IsUnsafeDomain bool
	SafeFrom       *mail.Address
}

// DomainOf returns the lower-cased domain part of an email address.
func DomainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(address[at+1:]))
}
