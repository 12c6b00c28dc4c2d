package responsecode

import "errors"

// Sentinel errors for the response code service.
var (
	ErrPoolExhausted = errors.New("could not find an available response code")
)
