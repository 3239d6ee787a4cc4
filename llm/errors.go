package llm

import (
	"fmt"
	"net/http"
)

// Kind classifies a provider failure the way the vendor's HTTP status (or a
// transport-level symptom) describes it, independent of which vendor
// answered. The gateway layer maps this onto the root package's ErrorKind
// for HTTP responses and retry/reselection decisions.
type Kind string

const (
	KindArrearage  Kind = "arrearage"   // billing/quota exhausted (402)
	KindInvalidKey Kind = "invalid_key" // 401, bad credentials
	KindThrottling Kind = "throttling"  // 429
	KindTimeout    Kind = "timeout"     // network timeout / context deadline
	KindBadRequest Kind = "bad_request" // 400, 404, 422 — the request itself is malformed
	KindTransient  Kind = "transient"   // 5xx, connection reset, anything worth a fresh attempt
	KindUnknown    Kind = "unknown"
)

// IsRetryable reports whether a single automatic re-selection to an
// alternate route is worthwhile. invalid_key and arrearage never are: a
// different vendor behind the same alias has its own credentials and quota,
// but retrying the same failing one back-to-back wastes the QPM budget.
func (k Kind) IsRetryable() bool {
	switch k {
	case KindThrottling, KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// ProviderError wraps a classified HTTP failure from an LLM vendor.
type ProviderError struct {
	Kind       Kind
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm provider error (%s, status %d): %s", e.Kind, e.StatusCode, truncate(e.Body, 300))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// classifyStatusCode buckets an HTTP status into a Kind from the status
// alone. Providers vary in which code they use for exhausted billing (some
// use 402, others 403); only 402 maps to arrearage, and any other status
// below 500 that is not listed below is KindUnknown rather than a guess at
// response-body shape.
func classifyStatusCode(status int) Kind {
	switch status {
	case http.StatusUnauthorized:
		return KindInvalidKey
	case http.StatusPaymentRequired:
		return KindArrearage
	case http.StatusTooManyRequests:
		return KindThrottling
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return KindBadRequest
	default:
		if status >= 500 {
			return KindTransient
		}
		return KindUnknown
	}
}
