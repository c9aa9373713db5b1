package kis

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame marks frames that cannot be decoded. Callers drop them
// and keep reading.
var ErrMalformedFrame = errors.New("malformed frame")

// Rate limit response code from the exchange gateway.
const codeRateLimited = "EGW00133"

// AuthError describes a credential failure reported by the exchange REST
// gateway or inside a websocket control frame.
type AuthError struct {
	Code        string
	Message     string
	RateLimited bool
}

func (e *AuthError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("auth rate limited (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("auth failed (%s): %s", e.Code, e.Message)
}

// IsRateLimited reports whether err is an AuthError caused by gateway
// rate limiting.
func IsRateLimited(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.RateLimited
}
