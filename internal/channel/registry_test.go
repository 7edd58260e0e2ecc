package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"relay/internal/domain"
	"relay/internal/store"
)

func testRegistry(t *testing.T) (*Registry, domain.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := store.Open(filepath.Join(t.TempDir(), "relay.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewRegistry(RegistryConfig{Store: s, Hub: NewHub(logger), Logger: logger}), s
}

func saveChannel(t *testing.T, s domain.Store, provider domain.Provider, creds any, active bool) *domain.ChannelConfig {
	t.Helper()
	raw, _ := json.Marshal(creds)
	cfg := &domain.ChannelConfig{OwnerID: "u", Provider: provider, Credentials: raw, Active: active}
	if err := s.SaveChannel(context.Background(), cfg); err != nil {
		t.Fatalf("save channel: %v", err)
	}
	return cfg
}

func TestRegistry_InactiveChannelFailsClosed(t *testing.T) {
	r, s := testRegistry(t)
	cfg := saveChannel(t, s, domain.ProviderSlack, domain.TokenCredentials{Token: "x"}, false)

	_, err := r.Resolve(context.Background(), cfg.ID)
	if !errors.Is(err, domain.ErrChannelInactive) {
		t.Errorf("expected ErrChannelInactive, got %v", err)
	}
}

func TestRegistry_UnknownChannel(t *testing.T) {
	r, _ := testRegistry(t)
	if _, err := r.Resolve(context.Background(), "nope"); !errors.Is(err, domain.ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestRegistry_CredentialShapeValidatedLazily(t *testing.T) {
	r, s := testRegistry(t)

	// A token-class provider with an empty bundle saves fine; the core
	// only rejects it at first resolution.
	cfg := saveChannel(t, s, domain.ProviderTelegram, map[string]string{}, true)
	_, err := r.Resolve(context.Background(), cfg.ID)
	if !errors.Is(err, domain.ErrBadCredentials) {
		t.Errorf("expected ErrBadCredentials, got %v", err)
	}

	corp := saveChannel(t, s, domain.ProviderWeCom, domain.TokenCredentials{Token: "wrong-shape"}, true)
	_, err = r.Resolve(context.Background(), corp.ID)
	if !errors.Is(err, domain.ErrBadCredentials) {
		t.Errorf("expected ErrBadCredentials for corp channel, got %v", err)
	}
}

func TestRegistry_ResolvesAndCaches(t *testing.T) {
	r, s := testRegistry(t)
	cfg := saveChannel(t, s, domain.ProviderSlack, domain.TokenCredentials{Token: "xoxb"}, true)

	a1, err := r.Resolve(context.Background(), cfg.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a1.Provider() != domain.ProviderSlack {
		t.Errorf("provider = %q", a1.Provider())
	}

	a2, err := r.Resolve(context.Background(), cfg.ID)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if a1 != a2 {
		t.Error("adapter should be cached per channel")
	}
}

func TestRegistry_CredentialChangeRebuildsAdapter(t *testing.T) {
	r, s := testRegistry(t)
	cfg := saveChannel(t, s, domain.ProviderSlack, domain.TokenCredentials{Token: "xoxb-old"}, true)

	a1, err := r.Resolve(context.Background(), cfg.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	cfg.Credentials, _ = json.Marshal(domain.TokenCredentials{Token: "xoxb-rotated"})
	if err := s.SaveChannel(context.Background(), cfg); err != nil {
		t.Fatalf("update credentials: %v", err)
	}

	a2, err := r.Resolve(context.Background(), cfg.ID)
	if err != nil {
		t.Fatalf("resolve after rotation: %v", err)
	}
	if a1 == a2 {
		t.Error("adapter built from the old credentials still served")
	}

	a3, err := r.Resolve(context.Background(), cfg.ID)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if a2 != a3 {
		t.Error("rebuilt adapter should be cached until the next change")
	}
}

func TestRegistry_DeactivationAppliesToCachedAdapter(t *testing.T) {
	r, s := testRegistry(t)
	cfg := saveChannel(t, s, domain.ProviderWebStream, domain.TokenCredentials{Token: "t"}, true)

	if _, err := r.Resolve(context.Background(), cfg.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	cfg.Active = false
	if err := s.SaveChannel(context.Background(), cfg); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := r.Resolve(context.Background(), cfg.ID); !errors.Is(err, domain.ErrChannelInactive) {
		t.Errorf("cached adapter must still fail closed, got %v", err)
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r, s := testRegistry(t)
	cfg := saveChannel(t, s, domain.Provider("carrier-pigeon"), domain.TokenCredentials{Token: "t"}, true)

	if _, err := r.Resolve(context.Background(), cfg.ID); !errors.Is(err, domain.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}
