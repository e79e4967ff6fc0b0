// Package model defines the text-generation seam. Inference itself runs
// in the embedding host (a wasm runtime fed by the stored library and
// model files); this package only brokers prompts to whichever engine is
// attached.
package model

import (
	"context"
	"fmt"

	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
	"github.com/Aman-CERP/localwiki/internal/storage"
)

// Generator produces text for a prompt. Implementations must honor
// context cancellation.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Assets locates the stored runtime and model blobs an engine needs to
// boot. It does not interpret them.
type Assets struct {
	store *storage.Store
}

func NewAssets(store *storage.Store) *Assets {
	return &Assets{store: store}
}

// Runtime returns the named inference-runtime blob.
func (a *Assets) Runtime(name string) (*storage.Blob, error) {
	return a.blob(storage.CollectionLibraryFiles, name, "runtime")
}

// Model returns the named model blob.
func (a *Assets) Model(name string) (*storage.Blob, error) {
	return a.blob(storage.CollectionModelFiles, name, "model")
}

func (a *Assets) blob(collection, name, what string) (*storage.Blob, error) {
	blob, err := a.store.GetBlob(collection, name)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidResource,
			fmt.Sprintf("%s %s is not stored", what, name), nil).
			WithSuggestion("run fetch to acquire the package first")
	}
	return blob, nil
}

// Unavailable is the Generator used before an engine is attached. Every
// call fails with a clear, non-retryable error instead of a nil panic.
type Unavailable struct{}

func (Unavailable) Generate(context.Context, string) (string, error) {
	return "", apperrors.New(apperrors.ErrCodeInternal,
		"no generation engine attached", nil).
		WithSuggestion("attach a Generator before calling Generate")
}
