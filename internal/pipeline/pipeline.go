package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-cockpit/internal/accelerator"
	"github.com/loqalabs/loqa-cockpit/internal/command"
	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
	"github.com/loqalabs/loqa-cockpit/internal/features"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/loqa-cockpit/pipeline"

// Shape fixes the vector length every stage consumes and produces.
type Shape struct {
	Features   int
	ConvOut    int
	KernelSize int
	Hidden     int
}

func DefaultShape() Shape {
	return Shape{
		Features:   features.Length,
		ConvOut:    128,
		KernelSize: 3,
		Hidden:     128,
	}
}

// StageTiming records how long one stage took.
type StageTiming struct {
	Name     string
	Duration time.Duration
}

// Result is the outcome of a single recognition request.
type Result struct {
	Label   string
	Index   int
	Logits  []float32
	Backend string
	Stages  []StageTiming
}

// Pipeline runs feature extraction, the accelerated layers, the dense head
// and decoding. It owns its device and is not safe for concurrent use.
type Pipeline struct {
	extractor features.Extractor
	device    accelerator.Device
	shape     Shape
	vocab     command.Vocabulary
	head      []float32
	logger    *slog.Logger
	tracer    trace.Tracer

	recognitions metric.Int64Counter
	duration     metric.Float64Histogram
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New takes ownership of device; Close releases it.
func New(extractor features.Extractor, device accelerator.Device, opts ...Option) (*Pipeline, error) {
	if extractor == nil {
		return nil, errors.New("pipeline requires a feature extractor")
	}
	if device == nil {
		return nil, errors.New("pipeline requires an accelerator device")
	}
	p := &Pipeline{
		extractor: extractor,
		device:    device,
		shape:     DefaultShape(),
		vocab:     command.DefaultVocabulary(),
		head:      append([]float32(nil), denseLogits...),
		logger:    slog.Default(),
		tracer:    otel.Tracer(instrumentation),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "pipeline"))
	p.initMetrics()
	return p, nil
}

func (p *Pipeline) initMetrics() {
	meter := otel.Meter(instrumentation)
	counter, err := meter.Int64Counter("cockpit.pipeline.recognitions",
		metric.WithDescription("Recognition requests by outcome"))
	if err != nil {
		p.logger.Warn("failed to initialize recognition counter", slogError(err))
	}
	hist, err := meter.Float64Histogram("cockpit.pipeline.duration",
		metric.WithDescription("End-to-end recognition latency"),
		metric.WithUnit("ms"))
	if err != nil {
		p.logger.Warn("failed to initialize duration histogram", slogError(err))
	}
	p.recognitions = counter
	p.duration = hist
}

// Vocabulary returns the labels this pipeline decodes into.
func (p *Pipeline) Vocabulary() command.Vocabulary { return p.vocab }

// Device returns descriptive information about the owned accelerator.
func (p *Pipeline) Device() accelerator.Info { return p.device.Info() }

// ProcessCommand recognizes the command spoken in audioRef.
func (p *Pipeline) ProcessCommand(ctx context.Context, audioRef string) (string, error) {
	res, err := p.Recognize(ctx, audioRef)
	if err != nil {
		return "", err
	}
	return res.Label, nil
}

// Recognize is ProcessCommand with logits and stage timings attached.
func (p *Pipeline) Recognize(ctx context.Context, audioRef string) (Result, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.process_command",
		trace.WithAttributes(attribute.String("audio.ref", audioRef)))
	defer span.End()

	res, err := p.run(ctx, audioRef)
	outcome := "ok"
	if err != nil {
		outcome = outcomeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("recognition failed",
			slog.String("audio_ref", audioRef),
			slog.String("outcome", outcome),
			slogError(err))
	} else {
		span.SetAttributes(attribute.String("command.label", res.Label))
		p.logger.Info("command recognized",
			slog.String("audio_ref", audioRef),
			slog.String("label", res.Label),
			slog.Duration("elapsed", time.Since(start)))
	}
	p.record(ctx, outcome, res.Label, time.Since(start))
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, audioRef string) (Result, error) {
	res := Result{Index: -1, Backend: p.device.Info().Backend}

	feats, err := p.stage(ctx, &res, "extract_features", p.shape.Features, func(ctx context.Context) ([]float32, error) {
		return p.extractor.Extract(ctx, audioRef)
	})
	if err != nil {
		return res, err
	}

	conv, err := p.stage(ctx, &res, accelerator.KernelConv1D, p.shape.ConvOut, func(context.Context) ([]float32, error) {
		return p.device.Conv1D(feats, p.shape.Features, p.shape.ConvOut, p.shape.KernelSize)
	})
	if err != nil {
		return res, err
	}

	hidden, err := p.stage(ctx, &res, accelerator.KernelLSTM, p.shape.Hidden, func(context.Context) ([]float32, error) {
		return p.device.LSTMActivation(conv, p.shape.Hidden)
	})
	if err != nil {
		return res, err
	}

	logits, err := p.stage(ctx, &res, "dense", p.vocab.Len(), func(context.Context) ([]float32, error) {
		return p.dense(hidden)
	})
	if err != nil {
		return res, err
	}

	idx, err := command.DecodeIndex(logits, p.vocab.Labels())
	if err != nil {
		return res, fmt.Errorf("decode: %w", err)
	}
	res.Index = idx
	res.Label = p.vocab.Labels()[idx]
	res.Logits = logits
	return res, nil
}

// stage runs fn in its own span and enforces the declared output length.
func (p *Pipeline) stage(ctx context.Context, res *Result, name string, want int, fn func(context.Context) ([]float32, error)) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	out, err := fn(ctx)
	res.Stages = append(res.Stages, StageTiming{Name: name, Duration: time.Since(start)})
	if err == nil && len(out) != want {
		err = errdefs.DimensionMismatch(name+" output", want, len(out))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	span.SetAttributes(attribute.Int("output.len", len(out)))
	p.logger.Debug("stage complete", slog.String("stage", name), slog.Int("output_len", len(out)))
	return out, nil
}

func (p *Pipeline) record(ctx context.Context, outcome, label string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("label", label),
	)
	if p.recognitions != nil {
		p.recognitions.Add(ctx, 1, attrs)
	}
	if p.duration != nil {
		p.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}
}

// Close releases the accelerator device.
func (p *Pipeline) Close() error {
	return p.device.Close()
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, errdefs.ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, errdefs.ErrDecode):
		return "decode_error"
	case errors.Is(err, errdefs.ErrDeviceClosed):
		return "device_closed"
	case errors.Is(err, errdefs.ErrNoAudio):
		return "no_audio"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
