package accelerator

import (
	"fmt"
	"math"

	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
)

// WeightSpec describes the parameter tables a device loads at construction.
type WeightSpec struct {
	OutChannels int
	KernelSize  int
	HiddenSize  int
	ConvWeight  float32
	Bias        float32
}

// DefaultWeightSpec returns the placeholder tables used until a
// hardware-backed weight store exists.
func DefaultWeightSpec() WeightSpec {
	return WeightSpec{
		OutChannels: 128,
		KernelSize:  3,
		HiddenSize:  128,
		ConvWeight:  0.5,
		Bias:        0.2,
	}
}

// WeightStore holds the fixed parameter tables of the accelerated layers.
// It is owned by exactly one device.
type WeightStore struct {
	conv [][]float32
	bias []float32
}

// Populate builds a WeightStore deterministically from spec.
func Populate(spec WeightSpec) (*WeightStore, error) {
	if spec.OutChannels <= 0 || spec.KernelSize <= 0 || spec.HiddenSize <= 0 {
		return nil, fmt.Errorf("weight tables %dx%d/%d: non-positive dimension: %w",
			spec.OutChannels, spec.KernelSize, spec.HiddenSize, errdefs.ErrInitialization)
	}
	if !finite(spec.ConvWeight) || !finite(spec.Bias) {
		return nil, fmt.Errorf("weight tables: non-finite fill value: %w", errdefs.ErrInitialization)
	}

	conv := make([][]float32, spec.OutChannels)
	for i := range conv {
		row := make([]float32, spec.KernelSize)
		for j := range row {
			row[j] = spec.ConvWeight
		}
		conv[i] = row
	}
	bias := make([]float32, spec.HiddenSize)
	for i := range bias {
		bias[i] = spec.Bias
	}
	return &WeightStore{conv: conv, bias: bias}, nil
}

// ConvShape returns the row count and row length of the conv tensor.
func (w *WeightStore) ConvShape() (rows, cols int) {
	if w == nil || len(w.conv) == 0 {
		return 0, 0
	}
	return len(w.conv), len(w.conv[0])
}

// HiddenSize returns the length of the activation bias vector.
func (w *WeightStore) HiddenSize() int {
	if w == nil {
		return 0
	}
	return len(w.bias)
}

func (w *WeightStore) release() {
	w.conv = nil
	w.bias = nil
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
