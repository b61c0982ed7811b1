// Package dedupe provides event deduplication using a time-based cache
// to reject redelivered webhook events within a configurable window.
package dedupe
