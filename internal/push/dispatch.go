package push

import (
	"context"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
)

// Dispatcher sends bulk pushes and tracks delivery accounting.
type Dispatcher struct {
	transport Transport
	cleaner   TokenCleaner // nil disables invalid-token cleanup
	batchSize int
	cleanup   bool
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. batchSize values outside (0, 500] are
// clamped; cleaner may be nil.
func NewDispatcher(transport Transport, cleaner TokenCleaner, batchSize int, cleanup bool, logger *slog.Logger) *Dispatcher {
	if batchSize < 1 || batchSize > fcmMulticastCap {
		batchSize = DefaultBatchSize
	}
	return &Dispatcher{
		transport: transport,
		cleaner:   cleaner,
		batchSize: batchSize,
		cleanup:   cleanup,
		logger:    logger,
	}
}

// Dispatch sends title/body/data to every token. Tokens are deduplicated
// and batched; batches run sequentially. The returned counters are exact
// across all batches; only InvalidTokens is a capped sample.
//
// Cleanup of invalid tokens is best-effort: a failed cleanup write is
// logged and never alters the delivery counters.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string, title, body string, data map[string]string) Summary {
	tokens = dedup(tokens)
	sum := Summary{TokenCount: len(tokens)}
	if len(tokens) == 0 {
		return sum
	}

	notif := &messaging.Notification{Title: title, Body: body}

	var invalid []string
	for _, batch := range chunk(tokens, d.batchSize) {
		sum.Batches++
		sent, fail, batchInvalid := d.sendBatch(ctx, batch, notif, data)
		sum.Sent += sent
		sum.Fail += fail
		sum.Invalid += len(batchInvalid)
		invalid = append(invalid, batchInvalid...)
	}

	if len(invalid) > sum.Invalid {
		// chunk boundaries cannot duplicate tokens, but keep the counter
		// authoritative over the collected list
		sum.Invalid = len(invalid)
	}
	sum.InvalidTokens = invalid
	if len(sum.InvalidTokens) > invalidSampleCap {
		sum.InvalidTokens = sum.InvalidTokens[:invalidSampleCap]
	}

	if d.cleanup && d.cleaner != nil && len(invalid) > 0 {
		if err := d.cleaner.ClearTokens(ctx, dedup(invalid)); err != nil {
			d.logger.Warn("invalid token cleanup failed", "tokens", len(invalid), "error", err)
		} else {
			d.logger.Info("cleared invalid tokens", "tokens", len(invalid))
		}
	}

	return sum
}

// sendBatch issues one multicast call. If the bulk call fails at transport
// level the batch is retried one token at a time, so a single bad token
// cannot sink the others.
func (d *Dispatcher) sendBatch(ctx context.Context, batch []string, notif *messaging.Notification, data map[string]string) (sent, fail int, invalid []string) {
	msg := &messaging.MulticastMessage{
		Tokens:       batch,
		Notification: notif,
		Data:         data,
	}

	resp, err := d.transport.SendEachForMulticast(ctx, msg)
	if err == nil && resp != nil && len(resp.Responses) == len(batch) {
		for i, r := range resp.Responses {
			switch {
			case r.Success:
				sent++
			case isInvalidToken(r.Error):
				invalid = append(invalid, batch[i])
			default:
				fail++
			}
		}
		return sent, fail, invalid
	}

	if err != nil {
		d.logger.Warn("multicast send failed, falling back to single sends",
			"batch", len(batch), "error", err)
	}

	for _, token := range batch {
		_, sendErr := d.transport.Send(ctx, &messaging.Message{
			Token:        token,
			Notification: notif,
			Data:         data,
		})
		switch {
		case sendErr == nil:
			sent++
		case isInvalidToken(sendErr):
			invalid = append(invalid, token)
		default:
			fail++
		}
	}
	return sent, fail, invalid
}
