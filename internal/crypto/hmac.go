package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// WebhookSignaturePrefix is prepended to the hex-encoded HMAC in the
// X-GateKit-Signature header.
const WebhookSignaturePrefix = "sha256="

// GenerateWebhookSecret produces a random secret for a new webhook
// subscriber, used as the HMAC key when signing deliveries.
func GenerateWebhookSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// SignWebhookPayload computes the X-GateKit-Signature header value for a
// raw request body, signed with the subscriber's secret.
func SignWebhookPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return WebhookSignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks a received X-GateKit-Signature header
// against the raw body and secret using a constant-time comparison.
func VerifyWebhookSignature(secret string, body []byte, header string) bool {
	expected := SignWebhookPayload(secret, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}

