package command

import (
	"fmt"
	"math"

	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
)

// Decode returns the vocabulary label at the index of the highest logit.
func Decode(logits []float32, vocabulary []string) (string, error) {
	idx, err := DecodeIndex(logits, vocabulary)
	if err != nil {
		return "", err
	}
	return vocabulary[idx], nil
}

// DecodeIndex scans left to right with a strict comparison, so the
// earliest index wins a tie.
func DecodeIndex(logits []float32, vocabulary []string) (int, error) {
	if len(logits) != len(vocabulary) {
		return -1, errdefs.DimensionMismatch("decode logits", len(vocabulary), len(logits))
	}
	if len(logits) == 0 {
		return -1, fmt.Errorf("empty logits and vocabulary: %w", errdefs.ErrDecode)
	}
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			return -1, fmt.Errorf("logit %d is NaN: %w", i, errdefs.ErrDecode)
		}
	}

	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best, nil
}
