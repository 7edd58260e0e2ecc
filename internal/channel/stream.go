package channel

import (
	"context"
	"strings"
	"time"
)

// placeholder is the initial message content for edit-based streaming,
// replaced by the first paced edit.
const placeholder = "…"

// editStreamer drives edit-based pseudo-streaming: a placeholder message
// is sent when the first chunk arrives, then the accumulated text
// replaces it at a bounded cadence. The final delivery is the caller's
// job so each adapter can apply its own length limits.
type editStreamer struct {
	interval time.Duration
	maxLen   int // intermediate edits are clipped to this; 0 = unlimited
	send     func(ctx context.Context, target, text string) (msgID string, err error)
	edit     func(ctx context.Context, target, msgID, text string) error
}

// run consumes chunks in arrival order until the channel closes. It
// returns the full concatenation and the id of the placeholder message
// ("" if the stream produced nothing before closing). Errors from the
// platform are returned as-is; the streamer never retries.
func (e *editStreamer) run(ctx context.Context, target string, chunks <-chan string) (string, string, error) {
	interval := e.interval
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		buf   strings.Builder
		msgID string
		dirty bool
	)
	for {
		select {
		case <-ctx.Done():
			return buf.String(), msgID, ctx.Err()

		case chunk, ok := <-chunks:
			if !ok {
				return buf.String(), msgID, nil
			}
			buf.WriteString(chunk)
			if msgID == "" {
				id, err := e.send(ctx, target, placeholder)
				if err != nil {
					return buf.String(), "", err
				}
				msgID = id
			}
			dirty = true

		case <-ticker.C:
			if msgID == "" || !dirty {
				continue
			}
			if err := e.edit(ctx, target, msgID, clip(buf.String(), e.maxLen)); err != nil {
				return buf.String(), msgID, err
			}
			dirty = false
		}
	}
}
