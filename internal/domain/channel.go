package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Provider identifies one supported external messaging platform.
type Provider string

const (
	ProviderTelegram  Provider = "telegram"
	ProviderDiscord   Provider = "discord"
	ProviderSlack     Provider = "slack"
	ProviderWeCom     Provider = "wecom"
	ProviderWebStream Provider = "webstream"
)

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderTelegram, ProviderDiscord, ProviderSlack, ProviderWeCom, ProviderWebStream:
		return true
	}
	return false
}

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrChannelInactive = errors.New("channel is inactive")
	ErrBadCredentials  = errors.New("credential bundle does not match provider")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrBindingNotFound = errors.New("binding not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrRecordNotFound  = errors.New("execution record not found")
	ErrRecordFinalized = errors.New("execution record already finalized")
)

// ChannelConfig is one configured external channel. The credential bundle
// is opaque here; its shape is validated against the provider the first
// time the channel is resolved to an adapter, not at write time.
type ChannelConfig struct {
	ID          string
	OwnerID     string
	Provider    Provider
	Credentials json.RawMessage
	Active      bool
	Settings    map[string]string
	Secret      string // inbound webhook secret / signing token
	CreatedAt   time.Time
}

// TokenCredentials is the credential shape for token-based providers
// (telegram, discord, slack, webstream).
type TokenCredentials struct {
	Token string `json:"token"`
	// AppToken is an optional secondary token (Slack app-level token).
	AppToken string `json:"appToken,omitempty"`
}

// CorpCredentials is the credential shape for corp-credential providers
// (wecom). Sends require a short-lived access token exchanged from the
// corp id + secret; inbound verification uses the channel Secret.
type CorpCredentials struct {
	CorpID  string `json:"corpId"`
	Secret  string `json:"corpSecret"`
	AgentID string `json:"agentId"`
}

// Adapter is the per-provider delivery capability. SendStream consumes
// chunks in arrival order until the channel is closed; how the chunks
// reach the user (paced edits, one buffered send, a live transport) is
// the adapter's business.
type Adapter interface {
	Provider() Provider
	SendMessage(ctx context.Context, target string, text string) error
	SendStream(ctx context.Context, target string, chunks <-chan string) error
}
