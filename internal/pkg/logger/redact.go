package logger

import "strings"

// RedactEmail masks the local part of an address: "john.doe@example.com"
// logs as "jo***@example.com". Local parts of two characters or fewer are
// masked entirely. A display name ("Jo <jo@example.com>") is dropped.
func RedactEmail(email string) string {
	email = strings.TrimSpace(email)
	if i := strings.LastIndex(email, "<"); i >= 0 && strings.HasSuffix(email, ">") {
		email = email[i+1 : len(email)-1]
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, host := email[:at], email[at+1:]
	if len(local) > 2 {
		return local[:2] + "***@" + host
	}
	return "***@" + host
}
