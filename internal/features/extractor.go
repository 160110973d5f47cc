package features

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-cockpit/internal/config"
)

// Length is the number of acoustic features produced per request.
const Length = 40

// Extractor turns an audio reference into a fixed-length feature vector.
// Audio format, sample rate and framing belong to the implementation. An
// empty reference fails with errdefs.ErrNoAudio.
type Extractor interface {
	Extract(ctx context.Context, audioRef string) ([]float32, error)
}

// New builds the extractor selected by cfg.Mode.
func New(cfg config.FeaturesConfig) (Extractor, error) {
	switch cfg.Mode {
	case "", "stub":
		return NewStubExtractor(), nil
	case "exec":
		return NewExecExtractor(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported features mode %q", cfg.Mode)
	}
}
