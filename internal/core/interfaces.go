// Package core defines the core business types and interfaces for the TTS pipeline.
package core

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned by ObjectStore implementations for missing keys.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	// UploadWithMetadata stores data together with small string attributes.
	UploadWithMetadata(ctx context.Context, key string, data []byte, metadata map[string]string) error
	// Stat returns the metadata stored with key.
	Stat(ctx context.Context, key string) (map[string]string, error)
	Delete(ctx context.Context, key string) error
	// List returns every key that starts with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SynthesisRequest is a single call to the remote synthesis provider.
type SynthesisRequest struct {
	Text    string
	Options SynthesisOptions
	Key     ProviderKey
}

// Synthesizer is the remote synthesis operation. Implementations must return an
// error wrapping tts.ErrQuotaExceeded or tts.ErrAuthentication for the
// corresponding provider signals so that callers can rotate keys.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
}

// KeyValidator is the key validation operation used to pre-populate key status.
type KeyValidator interface {
	ValidateKey(ctx context.Context, secret string) (KeyValidation, error)
}

// HistoryStore is the durable, per-owner history list.
type HistoryStore interface {
	Append(ctx context.Context, item HistoryItem) error
	Get(ctx context.Context, owner, id string) (HistoryItem, error)
	// List returns the owner's items newest first.
	List(ctx context.Context, owner string) ([]HistoryItem, error)
	Delete(ctx context.Context, owner, id string) error
	DeleteAll(ctx context.Context, owner string) (int, error)
}
