package domain

import "context"

// InvokeRequest is the contract with the external agent runtime.
type InvokeRequest struct {
	AgentRef       string
	Prompt         string
	ConversationID string
}

// AgentRuntime invokes the external agent. Invoke blocks until the run
// ends, writing content chunks to out in generation order. It never
// closes out; the caller owns the channel. A non-nil error means the run
// failed, possibly after some chunks were already emitted.
type AgentRuntime interface {
	Invoke(ctx context.Context, req InvokeRequest, out chan<- string) error
}
