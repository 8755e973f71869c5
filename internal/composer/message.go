package composer

import (
	"time"

	"electroexpert/internal/gateway"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// WelcomeMessageID marks the synthetic greeting every fresh conversation
// starts with. It is rendered but never sent to the gateway.
const WelcomeMessageID = "welcome"

// Message is one conversation turn. Messages are append-only: once created
// they are never edited in place. Ordering is by insertion; CreatedAt is
// informative only.
type Message struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"created_at"`
	Sources   []gateway.Source `json:"sources,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
}
