package dispatch

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-cockpit/internal/bus"
	"github.com/loqalabs/loqa-cockpit/internal/command"
	"github.com/loqalabs/loqa-cockpit/internal/config"
	"github.com/loqalabs/loqa-cockpit/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service turns recognition results into per-command action messages.
type Service struct {
	cfg    config.DispatchConfig
	bus    *bus.Client
	logger *slog.Logger
	sub    *nats.Subscription
}

func NewService(cfg config.DispatchConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "dispatch")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectRecognitionResult, s.handleResult)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.sub != nil
}

// Subject returns the action subject for label.
func (s *Service) Subject(label string) string {
	return s.cfg.SubjectPrefix + "." + strings.ToLower(label)
}

// Priority ranks a distress call above routine traffic.
func Priority(label string) string {
	if label == command.Mayday {
		return protocol.PriorityUrgent
	}
	return protocol.PriorityNormal
}

func (s *Service) handleResult(msg *nats.Msg) {
	var result protocol.RecognitionResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		s.logger.Warn("dispatch failed to decode result", slogError(err))
		return
	}
	if result.Error != "" || result.Label == "" {
		return
	}

	action := protocol.CommandAction{
		RequestID: result.RequestID,
		SessionID: result.SessionID,
		Label:     result.Label,
		Priority:  Priority(result.Label),
		Timestamp: time.Now().UTC(),
	}
	subject := s.Subject(result.Label)
	if err := s.bus.PublishJSON(subject, action); err != nil {
		s.logger.Warn("dispatch failed to publish action", slog.String("subject", subject), slogError(err))
		return
	}
	if action.Priority == protocol.PriorityUrgent {
		s.logger.Warn("urgent command dispatched", slog.String("label", action.Label), slog.String("session_id", action.SessionID))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
