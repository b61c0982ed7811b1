// ABOUTME: HMAC signature verification for inbound provider webhooks
// ABOUTME: Chat uses the versioned v0 timestamp scheme, the tracker a plain body HMAC

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrBadSignature is returned when a webhook signature does not match.
var ErrBadSignature = errors.New("signature mismatch")

// ErrStaleTimestamp is returned when a chat webhook's timestamp falls
// outside the accepted skew window.
var ErrStaleTimestamp = errors.New("request timestamp outside allowed skew")

// maxTimestampSkew bounds replay of captured chat webhook requests.
const maxTimestampSkew = 5 * time.Minute

// verifyChatSignature checks the chat provider's versioned signature:
// v0=HMAC_SHA256(secret, "v0:<timestamp>:<body>"). The timestamp is
// validated first so replayed captures fail before any MAC work.
func verifyChatSignature(secret []byte, timestamp string, body []byte, signature string, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing request timestamp: %w", ErrStaleTimestamp)
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > maxTimestampSkew || age < -maxTimestampSkew {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// verifyTrackerSignature checks the tracker provider's plain body HMAC,
// hex encoded with no prefix.
func verifyTrackerSignature(secret, body []byte, signature string) error {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
