package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-cockpit/internal/bus"
	"github.com/loqalabs/loqa-cockpit/internal/config"
	"github.com/loqalabs/loqa-cockpit/internal/errdefs"
	"github.com/loqalabs/loqa-cockpit/internal/eventstore"
	"github.com/loqalabs/loqa-cockpit/internal/pipeline"
	"github.com/loqalabs/loqa-cockpit/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service exposes one pipeline to bus and HTTP callers. Requests are
// serialized so the pipeline and its device are never used concurrently.
type Service struct {
	cfg      config.RecognizerConfig
	timeout  time.Duration
	pipeline *pipeline.Pipeline
	bus      *bus.Client
	store    *eventstore.Store
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *nats.Subscription
	wg       sync.WaitGroup

	mu sync.Mutex
}

func NewService(parent context.Context, cfg config.RecognizerConfig, timeout time.Duration, p *pipeline.Pipeline, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		timeout:  timeout,
		pipeline: p,
		bus:      busClient,
		store:    store,
		logger:   logger.With(slog.String("component", "recognizer")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled || s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectRecognitionRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe recognition requests: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.bus == nil || s.sub != nil
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.RecognitionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode recognition request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, _ := s.Recognize(s.ctx, req)
		if err := s.bus.PublishJSON(protocol.SubjectRecognitionResult, result); err != nil {
			s.logger.Warn("failed to publish recognition result", slogError(err))
		}
		if msg.Reply != "" {
			data, err := json.Marshal(result)
			if err == nil {
				err = msg.Respond(data)
			}
			if err != nil {
				s.logger.Warn("failed to reply to recognition request", slogError(err))
			}
		}
	}()
}

// Recognize runs one request through the pipeline and records the outcome.
// A failure is reported in the result and also returned so callers can
// classify it.
func (s *Service) Recognize(ctx context.Context, req protocol.RecognitionRequest) (protocol.RecognitionResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.SessionID == "" {
		req.SessionID = req.RequestID
	}
	result := protocol.RecognitionResult{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Index:     -1,
		Backend:   s.pipeline.Device().Backend,
	}

	res, audioRef, err := s.run(ctx, req)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Label = res.Label
		result.Index = res.Index
		result.Logits = res.Logits
	}
	result.Timestamp = time.Now().UTC()

	s.record(ctx, req, audioRef, result)
	return result, err
}

func (s *Service) run(ctx context.Context, req protocol.RecognitionRequest) (pipeline.Result, string, error) {
	audioRef := req.AudioRef
	if audioRef == "" {
		if len(req.PCM) == 0 {
			return pipeline.Result{}, "", fmt.Errorf("request carries neither audio_ref nor pcm: %w", errdefs.ErrNoAudio)
		}
		path, err := s.spool(req)
		if err != nil {
			return pipeline.Result{}, "", err
		}
		defer os.Remove(path)
		audioRef = path
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.pipeline.Recognize(ctx, audioRef)
	return res, audioRef, err
}

func (s *Service) spool(req protocol.RecognitionRequest) (string, error) {
	sampleRate := req.SampleRate
	if sampleRate <= 0 {
		sampleRate = s.cfg.SampleRate
	}
	channels := req.Channels
	if channels <= 0 {
		channels = s.cfg.Channels
	}

	file, err := os.CreateTemp(s.cfg.SpoolDir, "cockpit_cmd_*.wav")
	if err != nil {
		return "", fmt.Errorf("spool file: %w", err)
	}
	defer file.Close()

	if err := writePCMToWav(file, req.PCM, sampleRate, channels); err != nil {
		os.Remove(file.Name())
		return "", err
	}
	return file.Name(), nil
}

func (s *Service) record(ctx context.Context, req protocol.RecognitionRequest, audioRef string, result protocol.RecognitionResult) {
	if s.store == nil {
		return
	}
	// Retention pruning may have removed the session row, so it is upserted
	// on every outcome.
	if err := s.store.AppendSession(ctx, req.SessionID, s.pipeline.Device().ID); err != nil {
		s.logger.Warn("failed to record session", slogError(err))
		return
	}
	var logits []byte
	if len(result.Logits) > 0 {
		logits, _ = json.Marshal(result.Logits)
	}
	rec := eventstore.Recognition{
		RequestID: result.RequestID,
		SessionID: result.SessionID,
		AudioRef:  audioRef,
		Label:     result.Label,
		Logits:    logits,
		Backend:   result.Backend,
		Error:     result.Error,
		CreatedAt: result.Timestamp,
	}
	if err := s.store.AppendRecognition(ctx, rec); err != nil {
		s.logger.Warn("failed to record recognition", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
