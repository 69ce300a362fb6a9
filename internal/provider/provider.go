package provider

import "context"

// Generator is the external image generation contract. RateLimited and
// transient transport failures are retryable; ContentRejected is terminal.
type Generator interface {
	Generate(ctx context.Context, image []byte, mimeType, instruction string) ([]byte, error)
}
