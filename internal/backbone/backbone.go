// ============================================================================
// Roko Router Model Backbone - 外部模型推論能力
// ============================================================================
//
// Package: internal/backbone
// File: backbone.go
// Purpose: Describes the pretrained sequence-model service that task handlers
//          call into. The model itself lives outside this process.
//
// Capability:
//   Encode(text)           -> hidden state vector
//   Project(head, hidden)  -> task output vector of the head's fixed size
//
// Heads:
//   market   = 512
//   scanning = 256
//   vision   = 1024
//
// ============================================================================

package backbone

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownHead indicates a projection head that the backbone does not expose.
var ErrUnknownHead = errors.New("backbone: unknown projection head")

// Head names a task-specific projection head.
type Head string

const (
	HeadMarket   Head = "market"
	HeadScanning Head = "scanning"
	HeadVision   Head = "vision"
)

// HeadDims is the output dimensionality of each head.
var HeadDims = map[Head]int{
	HeadMarket:   512,
	HeadScanning: 256,
	HeadVision:   1024,
}

// Dim returns the output size of the head.
func (h Head) Dim() (int, error) {
	dim, ok := HeadDims[h]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownHead, string(h))
	}
	return dim, nil
}

// Backbone is the opaque model capability used by task handlers.
type Backbone interface {
	// Encode turns text into the model's hidden state vector.
	Encode(ctx context.Context, text string) ([]float64, error)

	// Project runs a hidden state through the named head.
	Project(ctx context.Context, head Head, hidden []float64) ([]float64, error)
}
