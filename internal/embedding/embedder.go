package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
)

// Embedder maps text to a fixed-dimension unit vector. Implementations must be
// deterministic for a given model and safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Model() string
}

// HealthChecker is implemented by embedders backed by an external service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ContentHash computes a SHA-256 hash of text content.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h)
}
