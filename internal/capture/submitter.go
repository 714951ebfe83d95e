// Package capture periodically submits frames to the backend for object
// detection, the way the student-side client does.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/labwatch/internal/lab"
	"github.com/danmuck/labwatch/internal/observability"
	"github.com/danmuck/labwatch/internal/stream"
	"github.com/rs/zerolog"
)

const DefaultInterval = 600 * time.Millisecond

const (
	OutcomeSent    = "sent"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Sender writes one outbound command. *stream.Client satisfies it.
type Sender interface {
	Send(v any) error
}

type Config struct {
	Interval time.Duration
	Language string
}

type Submitter struct {
	source FrameSource
	sender Sender
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	mu       sync.Mutex
	language string
}

type Option func(*Submitter)

func WithClock(now func() time.Time) Option {
	return func(s *Submitter) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSubmitter(source FrameSource, sender Sender, cfg Config, opts ...Option) (*Submitter, error) {
	if source == nil {
		return nil, ErrSourceRequired
	}
	if sender == nil {
		return nil, errors.New("capture: sender required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	s := &Submitter{
		source:   source,
		sender:   sender,
		cfg:      cfg,
		now:      time.Now,
		logger:   observability.Component("capture"),
		language: cfg.Language,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetLanguage changes the language tag carried by later frames.
func (s *Submitter) SetLanguage(language string) {
	s.mu.Lock()
	s.language = language
	s.mu.Unlock()
}

func (s *Submitter) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// Run submits one frame per interval until ctx is done.
func (s *Submitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("capture.Submitter.Run start")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("capture.Submitter.Run shutdown")
			return nil
		case <-ticker.C:
			_, _ = s.Tick(ctx)
		}
	}
}

// Tick submits a single frame. Frames are skipped while the stream is not
// open; skipped frames are not queued.
func (s *Submitter) Tick(ctx context.Context) (string, error) {
	frame, err := s.source.Next(ctx)
	if err != nil {
		observability.RecordCaptureFrame(OutcomeFailed)
		s.logger.Warn().Err(err).Msg("capture.Submitter.Tick source failed")
		return OutcomeFailed, err
	}
	err = s.sender.Send(lab.NewFrameSubmission(frame, s.Language(), s.now()))
	switch {
	case err == nil:
		observability.RecordCaptureFrame(OutcomeSent)
		return OutcomeSent, nil
	case errors.Is(err, stream.ErrNotConnected), errors.Is(err, stream.ErrClientClosed):
		observability.RecordCaptureFrame(OutcomeSkipped)
		s.logger.Debug().Err(err).Msg("capture.Submitter.Tick skipped")
		return OutcomeSkipped, nil
	default:
		observability.RecordCaptureFrame(OutcomeFailed)
		s.logger.Warn().Err(err).Int("bytes", len(frame)).Msg("capture.Submitter.Tick send failed")
		return OutcomeFailed, fmt.Errorf("capture: submit frame: %w", err)
	}
}
