// ABOUTME: Webhook signature checks for the platform adapters
// ABOUTME: Facebook sends an HMAC-SHA256 of the body, Zalo a "mac=" SHA-256 over app id, body, timestamp and secret

package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tidwall/gjson"
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC compares a received signature against the expected digest.
// An empty secret disables the check.
func verifyHMAC(secret string, body []byte, received string) error {
	if secret == "" {
		return nil
	}
	received = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(received, "sha256=")))
	if received == "" {
		return ErrSignature
	}
	if !hmac.Equal([]byte(received), []byte(Sign(secret, body))) {
		return ErrSignature
	}
	return nil
}

// ZaloMAC returns the hex digest Zalo puts after "mac=" in
// X-ZEvent-Signature: sha256(appID + body + timestamp + secret).
func ZaloMAC(appID string, body []byte, timestamp, secret string) string {
	h := sha256.New()
	h.Write([]byte(appID))
	h.Write(body)
	h.Write([]byte(timestamp))
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// verifyZaloMAC checks a Zalo signature header. The timestamp is the one
// carried in the payload. An empty secret disables the check.
func verifyZaloMAC(appID, secret string, body []byte, received string) error {
	if secret == "" {
		return nil
	}
	received = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(received), "mac=")))
	if received == "" {
		return ErrSignature
	}
	timestamp := gjson.GetBytes(body, "timestamp").String()
	if !hmac.Equal([]byte(received), []byte(ZaloMAC(appID, body, timestamp, secret))) {
		return ErrSignature
	}
	return nil
}

// verifyToken checks the subscription handshake token. An empty expected
// token refuses every handshake.
func verifyToken(expected, got string) error {
	if expected == "" || !hmac.Equal([]byte(expected), []byte(got)) {
		return ErrVerification
	}
	return nil
}
