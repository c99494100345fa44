// Package ai holds the completion-service collaborators: a narrow Provider
// interface and the HTTP clients implementing it.
package ai

import "context"

// Message is one entry of the conversation context sent to a provider.
// Role is "system", "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider turns a conversation context into a generated reply.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
