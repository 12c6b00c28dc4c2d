package dispatch

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/mailing"
	"github.com/ignite/comm-dispatch/internal/service/safesender"
)

// UnsubscribeField is the merge field that carries the rendered unsubscribe
// block while the body is resolved.
const UnsubscribeField = "UnsubscribeOption"

var unsubscribePlaceholder = regexp.MustCompile(`\[\[\s*UnsubscribeOption\s*\]\]`)

// Target is the addressee of one Build call. GUID is set for recipients
// that have a durable row; ad-hoc targets leave it empty.
type Target struct {
	Person       domain.Person
	MergeValues  map[string]interface{}
	ResponseCode string
	GUID         string
}

// TargetFor adapts a claimed recipient.
func TargetFor(r *domain.Recipient) Target {
	return Target{
		Person:       r.Person,
		MergeValues:  r.MergeValues,
		ResponseCode: r.ResponseCode,
		GUID:         r.GUID,
	}
}

// Builder turns a communication and one target into a ResolvedMessage.
// It is stateless apart from its collaborators and safe for concurrent use.
type Builder struct {
	resolver MergeResolver
	sc       domain.SendContext
}

// NewBuilder creates a builder that resolves merge fields with resolver and
// applies the organization settings in sc.
func NewBuilder(resolver MergeResolver, sc domain.SendContext) *Builder {
	return &Builder{resolver: resolver, sc: sc}
}

// SendContext returns the organization settings the builder applies.
func (b *Builder) SendContext() domain.SendContext { return b.sc }

// Build resolves one message. When createRecord is true the metadata gains
// a correlation id: the target's GUID, or a fresh one for ad-hoc targets.
// It fails with *ValidationError when no from-address resolves and with
// *AddressFormatError when an address does not parse.
func (b *Builder) Build(comm *domain.Communication, t Target, createRecord bool) (*domain.ResolvedMessage, error) {
	msgFields := b.messageFields(comm)

	fromEmail, err := b.resolveWithFallback(comm.FromEmail, b.sc.OrgEmail, msgFields, comm.EnabledCommands)
	if err != nil {
		return nil, fmt.Errorf("resolve from address: %w", err)
	}
	fromName, err := b.resolveWithFallback(comm.FromName, b.sc.OrgName, msgFields, comm.EnabledCommands)
	if err != nil {
		return nil, fmt.Errorf("resolve from name: %w", err)
	}
	if fromEmail == "" {
		return nil, &ValidationError{Message: MissingFromMessage}
	}

	from, err := parseAddress("from", fromEmail)
	if err != nil {
		return nil, err
	}
	from.Name = fromName

	to, err := parseAddress("to", t.Person.Email)
	if err != nil {
		return nil, err
	}
	to.Name = t.Person.FullName()

	msg := &domain.ResolvedMessage{
		To:          to.Address,
		ToName:      to.Name,
		From:        from.Address,
		FromName:    from.Name,
		Attachments: append([]domain.AttachmentRef(nil), comm.Attachments...),
	}

	check := safesender.Evaluate(from, []string{to.Address}, b.sc.OrgEmail, b.sc.SafeDomains)
	switch {
	case check.IsUnsafeDomain && check.SafeFrom != nil:
		msg.From = check.SafeFrom.Address
		msg.FromName = check.SafeFrom.Name
		msg.ReplyTo = check.SafeFrom.Address
	case strings.TrimSpace(comm.ReplyToEmail) != "":
		replyTo, err := b.resolver.Resolve(comm.ReplyToEmail, msgFields, comm.EnabledCommands)
		if err != nil {
			return nil, fmt.Errorf("resolve reply-to: %w", err)
		}
		if replyTo = strings.TrimSpace(replyTo); replyTo != "" {
			addr, err := parseAddress("reply_to", replyTo)
			if err != nil {
				return nil, err
			}
			msg.ReplyTo = addr.Address
		}
	}

	fields := b.recipientFields(msgFields, t)

	if msg.CC, err = b.resolveList(comm.CCEmails, fields, comm.EnabledCommands); err != nil {
		return nil, fmt.Errorf("resolve cc: %w", err)
	}
	if msg.BCC, err = b.resolveList(comm.BCCEmails, fields, comm.EnabledCommands); err != nil {
		return nil, fmt.Errorf("resolve bcc: %w", err)
	}

	subject, err := b.resolveText(comm.Subject, fields, comm.EnabledCommands)
	if err != nil {
		return nil, fmt.Errorf("resolve subject: %w", err)
	}
	msg.Subject = truncateRunes(subject, domain.MaxSubjectLength)

	if comm.IsBulk && comm.UnsubscribeHTML != "" {
		block, err := b.resolveText(comm.UnsubscribeHTML, fields, comm.EnabledCommands)
		if err != nil {
			return nil, fmt.Errorf("resolve unsubscribe block: %w", err)
		}
		fields[UnsubscribeField] = block
		body, err := b.resolveText(comm.HTMLMessage, fields, comm.EnabledCommands)
		if err != nil {
			return nil, fmt.Errorf("resolve body: %w", err)
		}
		msg.HTML = InjectUnsubscribe(body, block)
	} else {
		body, err := b.resolveText(comm.HTMLMessage, fields, comm.EnabledCommands)
		if err != nil {
			return nil, fmt.Errorf("resolve body: %w", err)
		}
		msg.HTML = StripUnsubscribe(body)
	}

	if comm.PlainText != "" {
		text, err := b.resolveText(comm.PlainText, fields, comm.EnabledCommands)
		if err != nil {
			return nil, fmt.Errorf("resolve plain text: %w", err)
		}
		msg.Text = StripUnsubscribe(text)
	}

	msg.Metadata = make(map[string]string, len(comm.Metadata)+1)
	for k, v := range comm.Metadata {
		msg.Metadata[k] = v
	}
	if createRecord {
		guid := t.GUID
		if guid == "" {
			guid = uuid.New().String()
		}
		msg.Metadata[domain.MetadataRecipientGUID] = guid
		msg.RecipientGUID = guid
	}

	return msg, nil
}

// messageFields are the bindings shared by every recipient of comm.
func (b *Builder) messageFields(comm *domain.Communication) map[string]interface{} {
	return map[string]interface{}{
		"Communication": map[string]interface{}{
			"Id":       comm.ID,
			"Subject":  comm.Subject,
			"FromName": comm.FromName,
			"IsBulk":   comm.IsBulk,
		},
		"OrganizationEmail": b.sc.OrgEmail,
		"OrganizationName":  b.sc.OrgName,
		"PublicAppRoot":     b.sc.PublicAppRoot,
	}
}

// recipientFields layers the target's values over the message bindings.
// The returned map is owned by the caller.
func (b *Builder) recipientFields(base map[string]interface{}, t Target) map[string]interface{} {
	fields := make(map[string]interface{}, len(base)+len(t.MergeValues)+2)
	for k, v := range base {
		fields[k] = v
	}
	person := map[string]interface{}{
		"Id":        t.Person.ID,
		"FirstName": t.Person.FirstName,
		"LastName":  t.Person.LastName,
		"FullName":  t.Person.FullName(),
		"Email":     t.Person.Email,
	}
	for k, v := range t.Person.Attributes {
		person[k] = v
	}
	fields["Person"] = person
	fields["ResponseCode"] = t.ResponseCode
	for k, v := range t.MergeValues {
		fields[k] = v
	}
	return fields
}

func (b *Builder) resolveWithFallback(value, fallback string, fields map[string]interface{}, commands []string) (string, error) {
	out, err := b.resolver.Resolve(value, fields, commands)
	if err != nil {
		return "", err
	}
	if out = strings.TrimSpace(out); out != "" {
		return out, nil
	}
	out, err = b.resolver.Resolve(fallback, fields, commands)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// resolveText resolves merge fields and then makes app-relative links absolute.
func (b *Builder) resolveText(text string, fields map[string]interface{}, commands []string) (string, error) {
	out, err := b.resolver.Resolve(text, fields, commands)
	if err != nil {
		return "", err
	}
	return mailing.ResolveAppRelativeURLs(out, b.sc.PublicAppRoot), nil
}

func (b *Builder) resolveList(raw string, fields map[string]interface{}, commands []string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	resolved, err := b.resolver.Resolve(raw, fields, commands)
	if err != nil {
		return nil, err
	}
	return SplitAddressList(resolved), nil
}

// SplitAddressList normalizes ";" to ",", splits, trims, and drops empties.
func SplitAddressList(raw string) []string {
	var out []string
	for _, part := range strings.Split(strings.ReplaceAll(raw, ";", ","), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// InjectUnsubscribe places block at every unsubscribe placeholder and
// appends it once when the body has no placeholder and does not already
// contain it. Running it again on its own output changes nothing.
func InjectUnsubscribe(body, block string) string {
	body = unsubscribePlaceholder.ReplaceAllLiteralString(body, block)
	if !strings.Contains(body, block) {
		body += block
	}
	return body
}

// StripUnsubscribe removes every unsubscribe placeholder.
func StripUnsubscribe(body string) string {
	return unsubscribePlaceholder.ReplaceAllLiteralString(body, "")
}

func parseAddress(field, value string) (*mail.Address, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(value))
	if err != nil {
		return nil, &AddressFormatError{Field: field, Value: value, Err: err}
	}
	return addr, nil
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
