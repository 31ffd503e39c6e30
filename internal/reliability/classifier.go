package reliability

import "time"

// IsRetryableHTTPStatus classifies upstream completion statuses. Auth
// rejections are terminal; every other non-2xx status may be retried.
func IsRetryableHTTPStatus(code int) bool {
	switch {
	case code >= 200 && code < 300:
		return false
	case code == 401 || code == 403:
		return false
	default:
		return true
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
