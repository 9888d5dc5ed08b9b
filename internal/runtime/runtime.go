package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/distribution"
	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/feed"
	"github.com/loqalabs/loqa-captions/internal/ingest"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/sink"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/vmix"
	"github.com/loqalabs/loqa-captions/internal/web"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
	restoreTimeout  = 30 * time.Second
)

// Runtime assembles the caption engine with its bus, sinks and web surface.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	bus      *bus.Client
	ingester *ingest.Ingester
	stt      *stt.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// ParseLogLevel maps the configured level name onto slog.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Start runs until ctx is cancelled, then shuts every component down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	registry, err := feed.FromConfig(r.cfg)
	if err != nil {
		return fmt.Errorf("failed to build feed registry: %w", err)
	}
	engine := distribution.NewEngine(registry, distribution.Options{
		QueueSize:  r.cfg.Distribution.QueueSize,
		SessionTTL: r.cfg.Distribution.SessionTTL(),
	}, r.logger)
	defer engine.Close()

	store, err := eventstore.Open(ctx, r.cfg.Archive, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open caption archive: %w", err)
	}
	defer store.Close()

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	if embedded != nil {
		defer embedded.Shutdown()
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer r.bus.Close()

	relays, err := r.buildRelays(ctx, registry, store)
	if err != nil {
		return err
	}
	defer r.closeRelays(relays)

	// Relays attach only after the stream has rebuilt history, so a restart
	// does not resend old captions to vMix, files or Kafka.
	restored := make(chan struct{})
	r.ingester = ingest.New(r.bus, engine, busCfg.Stream, r.cfg.History.Window(), r.logger)
	r.ingester.OnCaughtUp(func() {
		for _, relay := range relays {
			engine.AttachAll(relay)
		}
		close(restored)
	})
	if err := r.ingester.Start(); err != nil {
		return fmt.Errorf("failed to start ingester: %w", err)
	}
	defer r.ingester.Close()
	select {
	case <-restored:
	case <-ctx.Done():
		return nil
	case <-time.After(restoreTimeout):
		r.logger.Warn("caption history still restoring, sinks attach once it completes")
	}

	recognizer, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("failed to build recognizer: %w", err)
	}
	r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer, r.logger)
	if err := r.stt.Start(); err != nil {
		return fmt.Errorf("failed to start speech recognition: %w", err)
	}
	defer r.stt.Close()

	webServer := web.New(engine, web.Options{
		HeartbeatInterval: r.cfg.Distribution.HeartbeatInterval(),
		HeartbeatTimeout:  r.cfg.Distribution.HeartbeatTimeout(),
		MaxQueryMinutes:   r.cfg.History.MaxQueryMinutes,
		Archive:           store,
		Metrics:           metricsHandler,
		Ready:             r.isReady,
	}, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           webServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := engine.Run(ctx); err != nil {
			r.logger.Error("session sweeper stopped", slog.String("error", err.Error()))
		}
	}()

	if store.Enabled() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.pruneArchive(ctx, store)
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Int("feeds", len(registry.List())),
		slog.Int("sinks", len(relays)))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	// closing the engine ends every viewer connection
	_ = engine.Close()
	if err := webServer.Wait(shutdownCtx); err != nil {
		r.logger.Warn("viewers did not disconnect in time", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	return r.bus.Healthy() && r.ingester.Healthy() && r.stt.Healthy()
}

// buildRelays wraps every enabled output in a relay so a slow sink never
// blocks a feed.
func (r *Runtime) buildRelays(ctx context.Context, registry *feed.Registry, store *eventstore.Store) ([]*sink.Relay, error) {
	var sinks []sink.Sink
	if r.cfg.VMix.Enabled {
		client := vmix.NewClient(r.cfg.VMix)
		if err := client.Ping(ctx); err != nil {
			// vMix is often started after the relay; titles resume once it answers
			r.logger.Warn("vmix not reachable", slog.String("host", r.cfg.VMix.Host), slog.String("error", err.Error()))
		}
		sinks = append(sinks, sink.NewVMix(client, registry.List(), r.cfg.VMix.SendInterim))
	}
	if r.cfg.FileOutput.Enabled {
		fileSink, err := sink.NewFile(r.cfg.FileOutput)
		if err != nil {
			return nil, fmt.Errorf("failed to create file output: %w", err)
		}
		sinks = append(sinks, fileSink)
	}
	if r.cfg.Kafka.Enabled {
		sinks = append(sinks, sink.NewKafka(r.cfg.Kafka, r.logger))
	}
	if store.Enabled() {
		sinks = append(sinks, sink.NewArchive(store))
	}

	relays := make([]*sink.Relay, 0, len(sinks))
	for _, s := range sinks {
		relay := sink.NewRelay(s, r.cfg.Distribution.SinkQueueSize, r.logger)
		relay.Start(context.WithoutCancel(ctx))
		relays = append(relays, relay)
		r.logger.Info("caption sink enabled", slog.String("sink", s.Name()))
	}
	return relays, nil
}

func (r *Runtime) closeRelays(relays []*sink.Relay) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, relay := range relays {
		if err := relay.Close(ctx); err != nil {
			r.logger.Warn("sink close failed", slog.String("sink", relay.Name()), slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) pruneArchive(ctx context.Context, store *eventstore.Store) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Prune(ctx)
			if err != nil {
				r.logger.Warn("archive prune failed", slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				r.logger.Info("archive pruned", slog.Int64("removed", removed))
			}
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
