package failureindex

import (
	"context"

	"github.com/arjunmehta/taskforge/pkg/registry"
)

// Result is one hit returned by a Provider's Search.
type Result struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// Provider is a pluggable vector-store backend for failure records. The
// Index's own feature-hashed search (embed.go) stays the fast in-process
// default; a Provider lets failure history survive process restarts or be
// shared across taskforge instances without changing anything above it.
type Provider interface {
	Upsert(ctx context.Context, collection, id string, vector [VectorDim]float64, metadata map[string]any) error
	Search(ctx context.Context, collection string, vector [VectorDim]float64, topK int) ([]Result, error)
	Delete(ctx context.Context, collection, id string) error
	Name() string
	Close() error
}

// providers is the process-wide registry of constructed Provider instances,
// looked up by name so config can select one without the caller importing
// every backend package.
var providers = registry.NewBaseRegistry[Provider]()

// RegisterProvider makes p available under p.Name() for LookupProvider.
// Both backends live in this package and nothing here registers them;
// cmd/taskforge's bootstrap registers the provider it builds.
func RegisterProvider(p Provider) error {
	return providers.Register(p.Name(), p)
}

// LookupProvider returns a previously registered Provider by name.
func LookupProvider(name string) (Provider, bool) {
	return providers.Get(name)
}

func vectorToFloat32(v [VectorDim]float64) []float32 {
	out := make([]float32, VectorDim)
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func float32ToVector(v []float32) [VectorDim]float64 {
	var out [VectorDim]float64
	for i := 0; i < VectorDim && i < len(v); i++ {
		out[i] = float64(v[i])
	}
	return out
}
