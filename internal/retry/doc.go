// Package retry implements the resilient call executor used for every
// outbound network operation: bounded attempts, exponential backoff with
// jitter, and per-endpoint aggregate metrics.
//
// Retry eligibility is encoded in the error type: wrap definitive HTTP
// outcomes in *HTTPError so the executor can distinguish terminal client
// errors (4xx except 408/429) from transient ones (5xx, 408, 429, no status).
package retry
