package accelerator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-cockpit/internal/config"
	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	BackendSimulated = "simulated"
	BackendSoftware  = "software"

	KernelConv1D = "conv1d"
	KernelLSTM   = "lstm_activation"
)

// Device is the capability surface of an accelerator backend. Each
// implementation exclusively owns its WeightStore.
type Device interface {
	Conv1D(input []float32, inChannels, outChannels, kernelSize int) ([]float32, error)
	LSTMActivation(input []float32, hiddenSize int) ([]float32, error)
	Info() Info
	Close() error
}

// Info describes a device for logs and capability announcements.
type Info struct {
	ID         string            `json:"id"`
	Backend    string            `json:"backend"`
	Kernels    []string          `json:"kernels"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New constructs the backend selected in cfg and loads its weight tables.
func New(cfg config.AcceleratorConfig, logger *slog.Logger) (Device, error) {
	return NewWithWeights(cfg, DefaultWeightSpec(), logger)
}

func NewWithWeights(cfg config.AcceleratorConfig, spec WeightSpec, logger *slog.Logger) (Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", BackendSimulated:
		return newSimulated(cfg.DeviceID, spec, logger)
	case BackendSoftware:
		return newSoftware(cfg.DeviceID, spec, logger)
	default:
		return nil, fmt.Errorf("unknown accelerator backend %q: %w", cfg.Backend, errdefs.ErrInitialization)
	}
}

type kernelMetrics struct {
	calls   metric.Int64Counter
	backend string
}

func newKernelMetrics(backend string, logger *slog.Logger) kernelMetrics {
	meter := otel.Meter("github.com/loqalabs/loqa-cockpit/accelerator")
	calls, err := meter.Int64Counter("cockpit.accelerator.kernel.calls",
		metric.WithDescription("Kernel invocations per accelerator backend"))
	if err != nil {
		logger.Warn("failed to initialize kernel metrics", slog.String("error", err.Error()))
	}
	return kernelMetrics{calls: calls, backend: backend}
}

func (m kernelMetrics) record(kernel string) {
	if m.calls == nil {
		return
	}
	m.calls.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("backend", m.backend),
		attribute.String("kernel", kernel),
	))
}
