package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is the text-completion collaborator. Implementations ask the model for JSON.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
