package accelerator

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
)

// simulatedDevice stands in for an FPGA: each kernel call is treated as a
// buffer transfer followed by a fixed-function trigger.
type simulatedDevice struct {
	id      string
	weights *WeightStore
	log     *slog.Logger
	metrics kernelMetrics

	mu        sync.Mutex
	closed    bool
	transfers int
}

func newSimulated(id string, spec WeightSpec, logger *slog.Logger) (*simulatedDevice, error) {
	if id == "" {
		id = "fpga0"
	}
	log := logger.With(slog.String("component", "accelerator"), slog.String("device", id))
	log.Info("initializing accelerator", slog.String("backend", BackendSimulated))

	weights, err := Populate(spec)
	if err != nil {
		return nil, fmt.Errorf("load weights into %s: %w", id, err)
	}
	rows, cols := weights.ConvShape()
	log.Debug("weights loaded",
		slog.Int("conv_rows", rows),
		slog.Int("conv_cols", cols),
		slog.Int("hidden", weights.HiddenSize()))

	return &simulatedDevice{
		id:      id,
		weights: weights,
		log:     log,
		metrics: newKernelMetrics(BackendSimulated, logger),
	}, nil
}

func (d *simulatedDevice) Conv1D(input []float32, inChannels, outChannels, kernelSize int) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errdefs.ErrDeviceClosed
	}
	d.transfer(KernelConv1D, len(input))
	out, err := conv1d(d.weights, input, inChannels, outChannels, kernelSize)
	if err != nil {
		return nil, err
	}
	d.metrics.record(KernelConv1D)
	return out, nil
}

func (d *simulatedDevice) LSTMActivation(input []float32, hiddenSize int) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errdefs.ErrDeviceClosed
	}
	d.transfer(KernelLSTM, len(input))
	out, err := lstmActivation(d.weights, input, hiddenSize)
	if err != nil {
		return nil, err
	}
	d.metrics.record(KernelLSTM)
	return out, nil
}

func (d *simulatedDevice) transfer(kernel string, n int) {
	d.transfers++
	d.log.Debug("accelerating kernel",
		slog.String("kernel", kernel),
		slog.Int("input_len", n),
		slog.Int("transfer", d.transfers))
}

func (d *simulatedDevice) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, cols := d.weights.ConvShape()
	return Info{
		ID:      d.id,
		Backend: BackendSimulated,
		Kernels: []string{KernelConv1D, KernelLSTM},
		Attributes: map[string]string{
			"conv_shape":  fmt.Sprintf("%dx%d", rows, cols),
			"hidden_size": strconv.Itoa(d.weights.HiddenSize()),
			"transfers":   strconv.Itoa(d.transfers),
		},
	}
}

// Close releases the simulated device handle and its weight tables.
func (d *simulatedDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.weights.release()
	d.log.Info("accelerator released", slog.Int("transfers", d.transfers))
	return nil
}
