package domain

import "time"

// Binding links one external platform identity to an internal guest
// account and its default conversation. At most one binding exists per
// (channel, external id) pair.
type Binding struct {
	ID             string
	ChannelID      string
	ExternalID     string
	AccountID      string
	ConversationID string
	CreatedAt      time.Time
}

// Account is a lightweight internal identity, created implicitly on the
// first reactive contact from an unknown external identity.
type Account struct {
	ID          string
	Kind        string // "guest"
	DisplayName string
	CreatedAt   time.Time
}
