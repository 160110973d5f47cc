package pipeline

import "github.com/loqalabs/loqa-cockpit/internal/errdefs"

// denseLogits is the fixed output of the classification head until trained
// weights replace it. One score per vocabulary entry.
var denseLogits = []float32{0.1, 0.8, 0.1, 0.2, 0.5, 0.3}

// dense validates the hidden activation and returns a fresh copy of the
// head's logits. It has no side effects.
func (p *Pipeline) dense(hidden []float32) ([]float32, error) {
	if len(hidden) != p.shape.Hidden {
		return nil, errdefs.DimensionMismatch("dense input", p.shape.Hidden, len(hidden))
	}
	return append([]float32(nil), p.head...), nil
}
