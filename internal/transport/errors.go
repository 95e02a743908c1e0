package transport

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
)

// Error is a non-2xx answer of the target site
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("target returned %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a rejected credential
func IsUnauthorized(err error) bool {
	var te *Error
	return errors.As(err, &te) && (te.StatusCode == http.StatusUnauthorized || te.StatusCode == http.StatusForbidden)
}

func isRetriableError(err error) bool {
	if err == nil {
		return false
	}

	var te *Error
	if errors.As(err, &te) {
		return te.StatusCode == http.StatusTooManyRequests || te.StatusCode >= 500
	}

	errStr := strings.ToLower(err.Error())
	// Check for network-related errors
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "eof")
}

func calculateBackoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}
