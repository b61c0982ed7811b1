// Package providers holds outbound HTTP clients for the chat and
// tracker services. Each client is safe to construct without
// credentials; calls on a disabled client return ErrDisabled so
// best-effort callers can treat "not configured" and "unavailable"
// the same way.
package providers
