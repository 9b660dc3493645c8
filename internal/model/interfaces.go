package model

import (
	"context"

	"github.com/harunnryd/toolbridge/internal/model/contract"
)

// Generator is the model capability the conversation loop consumes.
type Generator interface {
	Generate(ctx context.Context, req contract.CompletionRequest) (*contract.CompletionResponse, error)
}

type Provider interface {
	Generator
	Name() string
	Type() string
}
