package binding

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"relay/internal/domain"
	"relay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestResolveOrCreate_UnknownChannel(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "relay.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	r := NewResolver(s, testLogger())
	if _, err := r.ResolveOrCreate(context.Background(), "missing", "u1"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestResolveOrCreate_Idempotent(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "relay.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	cfg := &domain.ChannelConfig{OwnerID: "u", Provider: domain.ProviderTelegram, Active: true}
	if err := s.SaveChannel(context.Background(), cfg); err != nil {
		t.Fatalf("save channel: %v", err)
	}

	r := NewResolver(s, testLogger())
	a, err := r.ResolveOrCreate(context.Background(), cfg.ID, "u1")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	b, err := r.ResolveOrCreate(context.Background(), cfg.ID, "u1")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if a.ID != b.ID || a.ConversationID != b.ConversationID {
		t.Errorf("resolution not idempotent: %+v vs %+v", a, b)
	}
}
