package natsbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/c360/depkit/artifact"
	"github.com/c360/depkit/errors"
	"github.com/c360/depkit/natsclient"
)

// Notification is the JSON body of an artifact message
type Notification struct {
	Location string `json:"location"`
}

// Source is what the artifact subscriber listens on. *natsclient.Client
// implements it.
type Source interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, string, []byte)) (*natsclient.Subscription, error)
}

// ArtifactSubscriber applies artifact notifications received from NATS
type ArtifactSubscriber struct {
	source  Source
	tracker *artifact.Tracker
	prefix  string
	logger  *slog.Logger

	mu  sync.Mutex
	sub *natsclient.Subscription
}

// NewArtifactSubscriber creates a stopped subscriber. An empty prefix means
// DefaultPrefix.
func NewArtifactSubscriber(source Source, tracker *artifact.Tracker, prefix string, logger *slog.Logger) *ArtifactSubscriber {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArtifactSubscriber{
		source:  source,
		tracker: tracker,
		prefix:  prefix,
		logger:  logger.With("component", "natsbridge", "role", "artifacts"),
	}
}

// Subject returns the wildcard subject the subscriber listens on
func (s *ArtifactSubscriber) Subject() string {
	return s.prefix + ".artifacts.*"
}

// Start subscribes
func (s *ArtifactSubscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.WrapState(errors.ErrAlreadyStarted, "ArtifactSubscriber", "Start", "state check")
	}
	sub, err := s.source.Subscribe(ctx, s.Subject(), func(mctx context.Context, subject string, data []byte) {
		if err := s.HandleMessage(mctx, subject, data); err != nil {
			s.logger.Warn("Rejected artifact notification", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return errors.Wrap(err, "ArtifactSubscriber", "Start", "subscribe")
	}
	s.sub = sub
	s.logger.Info("Listening for artifact notifications", "subject", s.Subject())
	return nil
}

// HandleMessage applies one notification. The kind is the last subject token.
func (s *ArtifactSubscriber) HandleMessage(ctx context.Context, subject string, data []byte) error {
	token := subject[strings.LastIndex(subject, ".")+1:]
	kind, err := artifact.ParseKind(token)
	if err != nil {
		return err
	}
	location, err := decodeLocation(data)
	if err != nil {
		return err
	}
	return s.tracker.Handle(ctx, kind, location)
}

func decodeLocation(data []byte) (string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var n Notification
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return "", errors.WrapInvalid(fmt.Errorf("%v: %w", err, errors.ErrInvalidValue),
				"ArtifactSubscriber", "HandleMessage", "decode body")
		}
		return n.Location, nil
	}
	return string(trimmed), nil
}

// Stop unsubscribes
func (s *ArtifactSubscriber) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	return err
}
