package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kindredlabs/voice-core/internal/bus"
	"github.com/kindredlabs/voice-core/internal/config"
	"github.com/kindredlabs/voice-core/internal/gateway"
	"github.com/kindredlabs/voice-core/internal/history"
	"github.com/kindredlabs/voice-core/internal/llm"
	"github.com/kindredlabs/voice-core/internal/natsserver"
	"github.com/kindredlabs/voice-core/internal/pipeline"
	"github.com/kindredlabs/voice-core/internal/session"
	"github.com/kindredlabs/voice-core/internal/stt"
	"github.com/kindredlabs/voice-core/internal/tts"
)

// Runtime assembles the voice pipeline and serves it: the session WebSocket
// endpoint, health and readiness probes, and the metrics handler.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	store, err := r.openHistory(ctx)
	if err != nil {
		return err
	}

	var (
		embedded  *natsserver.EmbeddedServer
		busClient *bus.Client
	)
	if r.cfg.Bus.Enabled {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			embedded.Shutdown()
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
	}

	coordinator := pipeline.NewCoordinator(
		r.cfg,
		r.newTranscriber(),
		r.newGenerator(store),
		r.newStreamer(),
		store,
		busClient,
		r.logger,
	)
	gw := gateway.NewService(ctx, r.cfg, coordinator, session.NewRegistry(), r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/ws", gw)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("stt", r.cfg.STT.Mode),
		slog.String("llm", r.cfg.LLM.Mode),
		slog.String("tts", r.cfg.TTS.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	gw.Close()
	r.wg.Wait()

	busClient.Close()
	embedded.Shutdown()
	if err := store.Close(); err != nil {
		r.logger.Error("history shutdown error", slog.String("error", err.Error()))
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) openHistory(ctx context.Context) (history.Store, error) {
	switch r.cfg.History.Mode {
	case "sqlite":
		store, err := history.OpenSQLite(ctx, r.cfg.History, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		return store, nil
	default:
		return history.NewMemoryStore(), nil
	}
}

func (r *Runtime) newTranscriber() stt.Transcriber {
	if r.cfg.STT.Mode == "azure" {
		return stt.NewAzureTranscriber(r.cfg.STT, r.logger)
	}
	return stt.NewMockTranscriber()
}

func (r *Runtime) newGenerator(store history.Store) llm.Generator {
	if r.cfg.LLM.Mode == "openai" {
		return llm.NewOpenAIGenerator(r.cfg.LLM, store)
	}
	return llm.NewMockGenerator()
}

func (r *Runtime) newStreamer() tts.Streamer {
	if r.cfg.TTS.Mode == "elevenlabs" {
		return tts.NewElevenLabsStreamer(r.cfg.TTS, r.logger)
	}
	return tts.NewMockStreamer()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
