package accelerator

import (
	"fmt"
	"math"

	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
)

// conv1d is a single-window weighted tap combination: tap j reads
// input[j mod inChannels]. There is no sliding across a time axis.
func conv1d(w *WeightStore, input []float32, inChannels, outChannels, kernelSize int) ([]float32, error) {
	if inChannels < 1 {
		return nil, errdefs.DimensionMismatch("conv1d in_channels", 1, inChannels)
	}
	if len(input) < inChannels {
		return nil, errdefs.DimensionMismatch("conv1d input", inChannels, len(input))
	}
	rows, cols := w.ConvShape()
	if outChannels != rows {
		return nil, errdefs.DimensionMismatch("conv1d out_channels", rows, outChannels)
	}
	if kernelSize != cols {
		return nil, errdefs.DimensionMismatch("conv1d kernel_size", cols, kernelSize)
	}

	output := make([]float32, outChannels)
	for i := 0; i < outChannels; i++ {
		row := w.conv[i]
		for j := 0; j < kernelSize; j++ {
			output[i] += input[j%inChannels] * row[j]
		}
	}
	return output, nil
}

// lstmActivation is stateless: no hidden or cell state survives the call
// and no gates are computed. hiddenSize may be anything from 1 up to the
// bias length; smaller sizes use a prefix of the bias table.
func lstmActivation(w *WeightStore, input []float32, hiddenSize int) ([]float32, error) {
	if len(input) == 0 {
		return nil, errdefs.DimensionMismatch("lstm input", 1, 0)
	}
	if hiddenSize < 1 || hiddenSize > w.HiddenSize() {
		return nil, fmt.Errorf("lstm hidden_size %d outside 1..%d: %w", hiddenSize, w.HiddenSize(), errdefs.ErrDimensionMismatch)
	}

	output := make([]float32, hiddenSize)
	for i := 0; i < hiddenSize; i++ {
		output[i] = float32(math.Tanh(float64(input[i%len(input)] + w.bias[i])))
	}
	return output, nil
}
