package core

import "context"

// ChatCapability is the chat-completion side of an LLM client.
//
// The engine never assumes both capabilities live on the same value:
// a deployment may have a chat model but no embedding model, or the
// other way around. Callers hold each capability separately and branch
// on presence, not on attribute probing.
type ChatCapability interface {
	Chat(ctx context.Context, messages []Message) (*ChatResponse, error)
}

// EmbeddingCapability converts texts to fixed-length vectors.
// Implementations return one vector per input text, all of the same
// dimensionality. A failed call returns an error, never a short result.
type EmbeddingCapability interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
