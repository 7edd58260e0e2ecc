// Package binding resolves external platform identities to internal
// guest accounts and conversations.
package binding

import (
	"context"
	"fmt"
	"log/slog"

	"relay/internal/domain"
)

// Resolver performs lookup-or-create of identity bindings. The atomicity
// of first contact lives in the store; the resolver adds the channel
// existence check and logging.
type Resolver struct {
	store  domain.Store
	logger *slog.Logger
}

func NewResolver(store domain.Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// ResolveOrCreate returns the binding for (channelID, externalID),
// creating a guest account and conversation on first contact. Concurrent
// first contact from the same identity resolves to one binding.
func (r *Resolver) ResolveOrCreate(ctx context.Context, channelID, externalID string) (*domain.Binding, error) {
	if _, err := r.store.GetChannel(ctx, channelID); err != nil {
		return nil, fmt.Errorf("resolve binding: %w", err)
	}

	b, created, err := r.store.ResolveOrCreateBinding(ctx, channelID, externalID)
	if err != nil {
		return nil, fmt.Errorf("resolve binding: %w", err)
	}
	if created {
		r.logger.Info("guest binding created",
			"channel", channelID,
			"external_id", externalID,
			"account", b.AccountID,
			"conversation", b.ConversationID,
		)
	}
	return b, nil
}
