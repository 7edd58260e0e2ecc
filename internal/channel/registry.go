package channel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relay/internal/domain"
)

// Registry resolves stored channel configurations to live adapters.
// Adapters are cached per channel id together with a fingerprint of the
// config they were built from; an edited config rebuilds the adapter on
// the next Resolve, no restart needed. The token cache for
// corp-credential providers is shared across all of them. The active
// flag is re-read on every Resolve so a deactivated channel fails
// closed at the next dispatch.
type Registry struct {
	store        domain.Store
	hub          *Hub
	editInterval time.Duration
	logger       *slog.Logger
	tokens       *TokenCache

	mu       sync.RWMutex
	adapters map[string]cachedAdapter
}

type cachedAdapter struct {
	adapter     domain.Adapter
	fingerprint string
}

type RegistryConfig struct {
	Store        domain.Store
	Hub          *Hub
	EditInterval time.Duration
	Logger       *slog.Logger
}

func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		store:        cfg.Store,
		hub:          cfg.Hub,
		editInterval: cfg.EditInterval,
		logger:       cfg.Logger,
		tokens:       NewTokenCache(),
		adapters:     make(map[string]cachedAdapter),
	}
}

// Resolve returns the adapter for a channel, constructing it on first
// use. This is where a credential bundle is checked against its
// provider: configs are written by external tooling and validated
// lazily here, not at write time.
func (r *Registry) Resolve(ctx context.Context, channelID string) (domain.Adapter, error) {
	cfg, err := r.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !cfg.Active {
		return nil, fmt.Errorf("channel %s: %w", channelID, domain.ErrChannelInactive)
	}

	fp := fingerprint(cfg)
	r.mu.RLock()
	cached, ok := r.adapters[channelID]
	r.mu.RUnlock()
	if ok && cached.fingerprint == fp {
		return cached.adapter, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.adapters[channelID]; ok {
		if cached.fingerprint == fp {
			return cached.adapter, nil
		}
		// Config changed underneath a live adapter: rebuild, and drop
		// any token minted under the old credentials.
		r.tokens.Invalidate(channelID)
		delete(r.adapters, channelID)
		r.logger.Info("channel config changed, rebuilding adapter", "channel", channelID)
	}

	adapter, err := r.build(cfg)
	if err != nil {
		return nil, err
	}
	r.adapters[channelID] = cachedAdapter{adapter: adapter, fingerprint: fp}
	r.logger.Info("channel adapter resolved", "channel", channelID, "provider", cfg.Provider)
	return adapter, nil
}

// fingerprint summarizes the parts of a config an adapter is built
// from, so Resolve can tell a cached adapter has gone stale.
func fingerprint(cfg *domain.ChannelConfig) string {
	h := sha256.New()
	h.Write([]byte(cfg.Provider))
	h.Write([]byte{0})
	h.Write(cfg.Credentials)
	h.Write([]byte{0})
	h.Write([]byte(cfg.Secret))
	keys := make([]string, 0, len(cfg.Settings))
	for k := range cfg.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(cfg.Settings[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Registry) build(cfg *domain.ChannelConfig) (domain.Adapter, error) {
	switch cfg.Provider {
	case domain.ProviderTelegram:
		creds, err := tokenCreds(cfg)
		if err != nil {
			return nil, err
		}
		return NewTelegram(TelegramConfig{
			Token:        creds.Token,
			ParseMode:    cfg.Settings["parseMode"],
			EditInterval: r.editInterval,
			Logger:       r.logger,
		}), nil

	case domain.ProviderDiscord:
		creds, err := tokenCreds(cfg)
		if err != nil {
			return nil, err
		}
		return NewDiscord(DiscordConfig{
			Token:        creds.Token,
			EditInterval: r.editInterval,
			Logger:       r.logger,
		}), nil

	case domain.ProviderSlack:
		creds, err := tokenCreds(cfg)
		if err != nil {
			return nil, err
		}
		return NewSlack(SlackConfig{BotToken: creds.Token, Logger: r.logger}), nil

	case domain.ProviderWeCom:
		var creds domain.CorpCredentials
		if err := json.Unmarshal(cfg.Credentials, &creds); err != nil {
			return nil, fmt.Errorf("channel %s: %w: %v", cfg.ID, domain.ErrBadCredentials, err)
		}
		if creds.CorpID == "" || creds.Secret == "" {
			return nil, fmt.Errorf("channel %s: %w: corp id and secret required", cfg.ID, domain.ErrBadCredentials)
		}
		return NewWeCom(WeComConfig{
			ChannelID:   cfg.ID,
			Credentials: creds,
			APIBase:     cfg.Settings["apiBase"],
			Tokens:      r.tokens,
			Logger:      r.logger,
		}), nil

	case domain.ProviderWebStream:
		if r.hub == nil {
			return nil, fmt.Errorf("channel %s: webstream hub not configured", cfg.ID)
		}
		return NewWebStream(cfg.ID, r.hub), nil
	}
	return nil, fmt.Errorf("channel %s: %w: %q", cfg.ID, domain.ErrUnknownProvider, cfg.Provider)
}

func tokenCreds(cfg *domain.ChannelConfig) (*domain.TokenCredentials, error) {
	var creds domain.TokenCredentials
	if err := json.Unmarshal(cfg.Credentials, &creds); err != nil {
		return nil, fmt.Errorf("channel %s: %w: %v", cfg.ID, domain.ErrBadCredentials, err)
	}
	if creds.Token == "" {
		return nil, fmt.Errorf("channel %s: %w: token required", cfg.ID, domain.ErrBadCredentials)
	}
	return &creds, nil
}
