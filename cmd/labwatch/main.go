package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/danmuck/labwatch/internal/capture"
	"github.com/danmuck/labwatch/internal/health"
	"github.com/danmuck/labwatch/internal/lab"
	"github.com/danmuck/labwatch/internal/logging"
	"github.com/danmuck/labwatch/internal/observability"
	"github.com/danmuck/labwatch/internal/statusapi"
	"github.com/danmuck/labwatch/internal/stream"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to labwatch TOML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "labwatch: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	logging.ConfigureRuntime()
	logger := observability.InitLogger("labwatch")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.run(ctx)
}

type app struct {
	cfg       appConfig
	logger    zerolog.Logger
	store     *lab.Store
	client    *stream.Client
	status    *statusapi.Server
	submitter *capture.Submitter

	mu       sync.Mutex
	language string
}

func newApp(cfg appConfig, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, language: cfg.Language}
	a.store = lab.NewStore(lab.WithLogHook(a.narrate))

	client, err := stream.NewClient(cfg.Stream, a.store, stream.WithOpenHook(a.announceLanguage))
	if err != nil {
		return nil, fmt.Errorf("build stream client: %w", err)
	}
	a.client = client

	if cfg.FramesDir != "" {
		src, err := capture.NewDirSource(cfg.FramesDir)
		if err != nil {
			return nil, err
		}
		sub, err := capture.NewSubmitter(src, client, capture.Config{
			Interval: cfg.FrameInterval,
			Language: cfg.Language,
		})
		if err != nil {
			return nil, err
		}
		a.submitter = sub
	}

	if cfg.StatusListen != "" {
		a.status = statusapi.New(a.store, client, cfg.CORSOrigins, statusapi.WithLanguageHook(a.setLanguage))
	}
	return a, nil
}

// run blocks until ctx is done or a component fails.
func (a *app) run(ctx context.Context) error {
	if a.cfg.HealthCheck {
		a.probe(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	running := 1
	go func() { errCh <- a.client.Run(ctx) }()
	if a.status != nil {
		running++
		go func() { errCh <- a.status.Serve(ctx, a.cfg.StatusListen) }()
	}
	if a.submitter != nil {
		running++
		go func() { errCh <- a.submitter.Run(ctx) }()
	}
	a.logger.Info().
		Str("url", a.cfg.Stream.URL).
		Str("status_listen", a.cfg.StatusListen).
		Bool("capture", a.submitter != nil).
		Msg("labwatch.app.run started")

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	a.logger.Info().Msg("labwatch.app.run stopped")
	return firstErr
}

// probe checks backend reachability and seeds the experiment name from the
// health document. Failure is logged; the stream still connects.
func (a *app) probe(ctx context.Context) {
	p, err := health.NewProber(a.cfg.healthURL(), nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("labwatch.app.probe skipped")
		return
	}
	st, err := p.Probe(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Str("url", a.cfg.healthURL()).Msg("labwatch.app.probe failed")
		if !errors.Is(err, health.ErrUnhealthy) {
			return
		}
	}
	if name := strings.TrimSpace(st.ExperimentName); name != "" && a.store.Snapshot().ExperimentName == "" {
		a.store.Apply(lab.Message{"type": lab.TagInit, "experiment_name": name})
	}
	a.logger.Info().Str("status", st.Status).Str("experiment", st.ExperimentName).Msg("labwatch.app.probe")
}

// setLanguage records the preference announced on every later open and
// carried by captured frames.
func (a *app) setLanguage(language string) {
	a.mu.Lock()
	a.language = language
	a.mu.Unlock()
	if a.submitter != nil {
		a.submitter.SetLanguage(language)
	}
}

func (a *app) currentLanguage() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.language
}

// announceLanguage sends the current preference after each open; nothing is
// sent until one is known.
func (a *app) announceLanguage(c *stream.Client) error {
	language := a.currentLanguage()
	if language == "" {
		return nil
	}
	return c.Send(lab.NewLanguageChange(language))
}

func (a *app) narrate(e lab.LogEntry) {
	event := a.logger.Info()
	if e.Kind == lab.LogDanger {
		event = a.logger.Warn()
	}
	event.Str("kind", string(e.Kind)).Str("id", e.ID).Msg(e.Message)
}
