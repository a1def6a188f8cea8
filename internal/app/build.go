package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chikingsley/rivena/internal/config"
	"github.com/chikingsley/rivena/internal/coordinator"
	"github.com/chikingsley/rivena/internal/fanout"
	"github.com/chikingsley/rivena/internal/httpapi"
	"github.com/chikingsley/rivena/internal/memory"
	"github.com/chikingsley/rivena/internal/observability"
	"github.com/chikingsley/rivena/internal/protocol"
	"github.com/chikingsley/rivena/internal/rtvi"
	"github.com/chikingsley/rivena/internal/session"
	"github.com/chikingsley/rivena/internal/timers"
	"github.com/chikingsley/rivena/internal/transcript"
	"github.com/chikingsley/rivena/internal/voicebot"
	"github.com/chikingsley/rivena/internal/voicestate"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Coordinator *coordinator.Coordinator
	Store       memory.Store
	Metrics     *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	state := voicestate.NewAggregator(logger.With("component", "voice_state"))
	state.SetPanicHook(panicCounter(metrics, "voice_state"))
	bus := protocol.NewBus(logger.With("component", "events"))
	bus.SetPanicHook(panicCounter(metrics, "events"))

	client, err := newRTVIClient(cfg.RTVIClient, logger.With("component", "rtvi"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sessions := session.NewManager()
	router := transcript.NewRouter(transcript.Options{
		Sessions:  sessions,
		State:     state,
		Bus:       bus,
		Store:     store,
		RedactPII: cfg.TranscriptRedactPII,
		Metrics:   metrics,
		Logger:    logger.With("component", "transcript"),
	})

	coord, err := coordinator.New(coordinator.Options{
		Service: voicebot.NewClient(cfg.VoicebotURL, cfg.VoicebotTimeout, voicebot.WithObserver(metrics.ObserveService)),
		Client:  client,

		Sessions: sessions,
		State:    state,
		Bus:      bus,
		Timers: timers.NewGroup(state, timers.Config{
			TickInterval:      cfg.TimerTickInterval,
			IntensityInterval: cfg.IntensityInterval,
			TopicProgressStep: cfg.TopicProgressStep,
		}),
		Router:  router,
		Metrics: metrics,
		Logger:  logger.With("component", "coordinator"),
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}

	api := httpapi.New(cfg, coord, store, metrics, logger.With("component", "http"))

	cleanup := func() error {
		if err := store.Close(); err != nil {
			return fmt.Errorf("close memory store: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Coordinator: coord,
		Store:       store,
		Metrics:     metrics,
		Cleanup:     cleanup,
	}, nil
}

func newRTVIClient(mode string, logger *slog.Logger) (rtvi.Client, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case config.RTVIClientWS, "":
		return rtvi.NewWSClient(logger), nil
	case config.RTVIClientMock:
		logger.Warn("using mock real-time client; no audio transport will be opened")
		return rtvi.NewMockClient(), nil
	default:
		return nil, fmt.Errorf("invalid RTVI_CLIENT: %q (expected ws|mock)", mode)
	}
}

func panicCounter(metrics *observability.Metrics, registry string) func(fanout.Handle, any) {
	return func(fanout.Handle, any) {
		metrics.SubscriberPanics.WithLabelValues(registry).Inc()
	}
}
