package utils

import "net/http"

// IsRetryableStatus reports whether an upstream HTTP status is worth
// retrying: rate limiting and server-side failures.
func IsRetryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusRequestTimeout:
		return true
	case code >= 500 && code != http.StatusNotImplemented:
		return true
	default:
		return false
	}
}
