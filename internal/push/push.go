// Package push delivers notifications to device tokens through Firebase
// Cloud Messaging.
//
// Dispatch partitions tokens into bounded batches, sends each batch with one
// multicast call, and falls back to one-at-a-time sends when the bulk call
// itself fails, so a transport hiccup cannot fail a whole batch. Per-token
// failures are classified invalid (recipient gone) vs transient; invalid
// tokens are cleared from their owning devices best-effort.
package push

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"
)

const (
	// FCM rejects multicast requests above 500 tokens. DefaultBatchSize
	// keeps a margin under the hard cap.
	fcmMulticastCap  = 500
	DefaultBatchSize = 450

	// invalidSampleCap bounds the invalid_tokens list in a Summary. The
	// counters stay exact; only the sample is truncated.
	invalidSampleCap = 10
)

// Transport is the bulk-send boundary. Satisfied by *FCMClient in
// production and by fakes in tests.
type Transport interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// TokenCleaner clears invalid tokens from their owning device records.
type TokenCleaner interface {
	ClearTokens(ctx context.Context, tokens []string) error
}

// Summary aggregates delivery outcomes across all batches of one dispatch.
// Sent + Fail + Invalid always equals TokenCount.
type Summary struct {
	TokenCount    int      `json:"token_count"`
	Batches       int      `json:"batches"`
	Sent          int      `json:"sent"`
	Fail          int      `json:"fail"`
	Invalid       int      `json:"invalid"`
	InvalidTokens []string `json:"invalid_tokens,omitempty"`
}

// StringData coerces an arbitrary payload map to the string-only key/value
// pairs FCM requires. Nil values become empty strings, never "nil".
func StringData(data map[string]any) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		if v == nil {
			out[k] = ""
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

func chunk(tokens []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	if size > fcmMulticastCap {
		size = fcmMulticastCap
	}
	var chunks [][]string
	for i := 0; i < len(tokens); i += size {
		end := min(i+size, len(tokens))
		chunks = append(chunks, tokens[i:end])
	}
	return chunks
}

// dedup drops empty tokens and duplicates, preserving first-seen order.
func dedup(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
