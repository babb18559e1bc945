package reliability

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/shinnpuru/moecall/internal/policy"
)

// Failure is an upstream problem reduced to what the call UI needs: a
// stable code, a sentence safe to show the user, and whether pressing
// retry has a chance of working. The bridge never retries on its own.
type Failure struct {
	Code      string
	Message   string
	Retryable bool
}

const (
	CodeAuth        = "upstream_auth"
	CodeQuota       = "upstream_quota"
	CodeUnreachable = "upstream_unreachable"
	CodeClosed      = "upstream_closed"
	CodeInternal    = "upstream_internal"
)

// Classify maps a raw upstream error to a Failure. The original error
// text is scrubbed of key material before it becomes part of the message.
func Classify(err error) Failure {
	if err == nil {
		return Failure{Code: CodeClosed, Message: "The call ended.", Retryable: true}
	}

	detail, _ := policy.ScrubCredentials(err.Error())
	lower := strings.ToLower(detail)

	switch {
	case containsAny(lower, "api key", "unauthenticated", "permission denied", "401", "403"):
		return Failure{
			Code:      CodeAuth,
			Message:   "The voice backend rejected the server credentials. Check the configured API key.",
			Retryable: false,
		}
	case containsAny(lower, "quota", "resource exhausted", "rate limit", "429"):
		return Failure{
			Code:      CodeQuota,
			Message:   "The voice backend is over its usage limit right now. Try again in a moment.",
			Retryable: true,
		}
	case errors.Is(err, context.DeadlineExceeded) || isNetworkError(err) ||
		containsAny(lower, "connection refused", "no such host", "timeout", "unavailable", "503"):
		return Failure{
			Code:      CodeUnreachable,
			Message:   "Could not reach the voice backend. Check the connection and retry.",
			Retryable: true,
		}
	case errors.Is(err, io.EOF) || containsAny(lower, "closed", "going away", "eof"):
		return Failure{
			Code:      CodeClosed,
			Message:   "The voice backend closed the session. Retry to reconnect.",
			Retryable: true,
		}
	default:
		return Failure{
			Code:      CodeInternal,
			Message:   "The voice backend reported an error: " + detail,
			Retryable: true,
		}
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
// The probe tool paces its call-creation retries with it.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
