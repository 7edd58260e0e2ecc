// Package channel implements the per-provider delivery adapters and the
// registry that resolves stored channel configurations to live adapters.
//
// Two delivery strategies cover the provider capability classes:
// edit-based pseudo-streaming for platforms that can edit a sent message
// (telegram, discord), and buffered delivery for platforms that cannot
// (slack, wecom). The webstream provider has a real streaming transport
// and forwards chunks as they arrive.
package channel

import (
	"context"
	"strings"
)

// collect drains the chunk sequence into one string. This is the default
// SendStream strategy for adapters without edit capability: exactly one
// send happens after the stream ends.
func collect(ctx context.Context, chunks <-chan string) (string, error) {
	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			return buf.String(), ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return buf.String(), nil
			}
			buf.WriteString(chunk)
		}
	}
}

// splitMessage splits a message into chunks that fit within the max
// length, preferring to split on newlines.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

// clip bounds text to maxLen for intermediate edits; the final delivery
// splits instead of clipping, so nothing is lost.
func clip(text string, maxLen int) string {
	if maxLen <= 0 || len(text) <= maxLen {
		return text
	}
	return text[:maxLen]
}
