package features

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
)

// StubValue fills every feature produced by the stub extractor.
const StubValue float32 = 0.5

type stubExtractor struct{}

// NewStubExtractor returns an extractor that ignores the audio and yields
// Length copies of StubValue.
func NewStubExtractor() Extractor {
	return stubExtractor{}
}

func (stubExtractor) Extract(ctx context.Context, audioRef string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if audioRef == "" {
		return nil, fmt.Errorf("audio reference is empty: %w", errdefs.ErrNoAudio)
	}
	out := make([]float32, Length)
	for i := range out {
		out[i] = StubValue
	}
	return out, nil
}
