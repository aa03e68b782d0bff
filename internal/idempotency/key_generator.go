package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenerateKey builds a deterministic key using all provided parts.
func GenerateKey(parts ...any) string {
	h := sha256.New()
	for _, part := range parts {
		fmt.Fprintf(h, "%v:", part)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// SettlementKey is the idempotency key of a match payout.
func SettlementKey(matchID string) string {
	return "settlement:" + matchID
}

// WebhookKey is the idempotency key of a payment provider callback.
func WebhookKey(provider, reference string) string {
	return "webhook:" + GenerateKey(provider, reference)
}
