// Package webhook receives provider callbacks over HTTP.
//
// Receivers do the minimum required to acknowledge quickly: verify the
// provider's signature, short-circuit recent duplicates, normalize the
// payload into a job, and enqueue it. Everything that touches the
// store, the chat provider, or connected agents happens in the
// processor, behind the durable queue.
package webhook
