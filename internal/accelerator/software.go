package accelerator

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
)

// softwareDevice runs the kernels on the host CPU. It is the fallback when
// no accelerator is attached.
type softwareDevice struct {
	id      string
	weights *WeightStore
	log     *slog.Logger
	metrics kernelMetrics
	simd    string

	mu     sync.Mutex
	closed bool
}

func newSoftware(id string, spec WeightSpec, logger *slog.Logger) (*softwareDevice, error) {
	if id == "" {
		id = "cpu0"
	}
	log := logger.With(slog.String("component", "accelerator"), slog.String("device", id))

	weights, err := Populate(spec)
	if err != nil {
		return nil, fmt.Errorf("load weights into %s: %w", id, err)
	}

	d := &softwareDevice{
		id:      id,
		weights: weights,
		log:     log,
		metrics: newKernelMetrics(BackendSoftware, logger),
		simd:    detectSIMD(),
	}
	log.Info("software accelerator ready",
		slog.String("cpu", cpuid.CPU.BrandName),
		slog.String("simd", d.simd))
	return d, nil
}

func detectSIMD() string {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		return "avx512"
	case cpuid.CPU.Supports(cpuid.AVX2):
		return "avx2"
	case cpuid.CPU.Supports(cpuid.ASIMD):
		return "neon"
	default:
		return "none"
	}
}

func (d *softwareDevice) Conv1D(input []float32, inChannels, outChannels, kernelSize int) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errdefs.ErrDeviceClosed
	}
	out, err := conv1d(d.weights, input, inChannels, outChannels, kernelSize)
	if err != nil {
		return nil, err
	}
	d.metrics.record(KernelConv1D)
	return out, nil
}

func (d *softwareDevice) LSTMActivation(input []float32, hiddenSize int) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errdefs.ErrDeviceClosed
	}
	out, err := lstmActivation(d.weights, input, hiddenSize)
	if err != nil {
		return nil, err
	}
	d.metrics.record(KernelLSTM)
	return out, nil
}

func (d *softwareDevice) Info() Info {
	return Info{
		ID:      d.id,
		Backend: BackendSoftware,
		Kernels: []string{KernelConv1D, KernelLSTM},
		Attributes: map[string]string{
			"cpu":            cpuid.CPU.BrandName,
			"physical_cores": strconv.Itoa(cpuid.CPU.PhysicalCores),
			"simd":           d.simd,
		},
	}
}

func (d *softwareDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.weights.release()
	return nil
}
