// Package webhooks fans terminal lifecycle events out to user-registered
// endpoints: subscriptions are matched on the event name, deliveries are
// queued in the database, and delivery workers post signed payloads with
// exponential backoff.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the delivery signature: hex(hmac_sha256(secret,
// timestamp || "." || body)). Binding the timestamp into the MAC stops
// replay with a fresh timestamp header.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
