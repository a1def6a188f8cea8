package reliability

import "time"

// IsRetryableHTTPStatus classifies voice-bot service responses a caller may
// reasonably try again.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRTVIError classifies transport error kinds reported by the
// real-time client.
func IsRetryableRTVIError(kind string) bool {
	switch kind {
	case "connection_lost", "timeout", "rate_limited", "transport":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
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
