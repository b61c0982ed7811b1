// Package api assembles the server's HTTP router: the authenticated
// agent REST surface, the websocket upgrade endpoint, provider
// webhooks, and health probes.
package api
