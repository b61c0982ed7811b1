// ABOUTME: Shared plumbing for outbound provider HTTP clients
// ABOUTME: Providers without credentials are disabled, not absent

package providers

import (
	"errors"
	"net/http"
	"time"
)

// ErrDisabled is returned by provider calls when the provider has no
// credentials configured. Callers treat it like any other best-effort
// failure.
var ErrDisabled = errors.New("provider not configured")

// requestTimeout bounds any single provider call. Provider calls sit on
// webhook processing paths and must fail fast.
const requestTimeout = 10 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}
