package domain

import (
	"fmt"
	"time"
)

// Response code pool bounds. Codes are "@100" through "@99999".
const (
	ResponseCodeMin        = 100
	ResponseCodeMax        = 99999
	ResponseCodeReuseDays  = 30
	ResponseCodeSampleSize = 1000
)

// ResponseCodeBlacklist holds numbers that are never issued.
var ResponseCodeBlacklist = map[int]bool{666: true, 911: true}

// ResponseCode is a short token used to correlate inbound replies with the
// recipient that received it.
type ResponseCode struct {
	ID         int64      `json:"id" db:"id"`
	Code       string     `json:"code" db:"response_code"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// FormatResponseCode renders a pool number as its token.
func FormatResponseCode(n int) string {
	return fmt.Sprintf("@%d", n)
}

// AllResponseCodes enumerates every issuable token in pool order.
func AllResponseCodes() []string {
	codes := make([]string, 0, ResponseCodeMax-ResponseCodeMin+1)
	for n := ResponseCodeMin; n <= ResponseCodeMax; n++ {
		if ResponseCodeBlacklist[n] {
			continue
		}
		codes = append(codes, FormatResponseCode(n))
	}
	return codes
}

// ReusableAt returns the earliest time the code may be issued again.
func (r ResponseCode) ReusableAt() time.Time {
	if r.LastUsedAt == nil {
		return time.Time{}
	}
	return r.LastUsedAt.AddDate(0, 0, ResponseCodeReuseDays)
}
