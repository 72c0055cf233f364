// Package runtime wires the speech node together: telemetry, the bus
// (embedded or external), the engine and its bridge, the journal, and
// the HTTP health surface.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlabs/voxbridge/internal/bridge"
	"github.com/voxlabs/voxbridge/internal/bus"
	"github.com/voxlabs/voxbridge/internal/config"
	"github.com/voxlabs/voxbridge/internal/engine"
	"github.com/voxlabs/voxbridge/internal/journal"
	"github.com/voxlabs/voxbridge/internal/natsserver"
	"github.com/voxlabs/voxbridge/internal/presence"
	"github.com/voxlabs/voxbridge/internal/speech"
)

type Runtime struct {
	cfg        config.Config
	configPath string
	version    string
	logger     *slog.Logger

	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *journal.Store
	speech   *speech.Service
	registry *presence.Registry
	watcher  *config.Watcher

	mu        sync.Mutex
	lastVoice config.VoiceConfig
}

func New(cfg config.Config, configPath, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		configPath: configPath,
		version:    version,
		logger:     logger,
	}
}

// Start brings every component up, then blocks until ctx is cancelled and
// tears them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.teardown()

	r.embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}

	busCfg := r.cfg.Bus
	if r.embedded != nil {
		busCfg.Servers = []string{r.embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}

	r.store, err = journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	eng, err := buildEngine(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	bopts := bridge.Options{
		MaxBufferedBytes: r.cfg.Bridge.MaxBufferedKB * 1024,
		MaxQueueItems:    r.cfg.Bridge.MaxQueueItems,
		SynthesisTimeout: time.Duration(r.cfg.Bridge.SynthesisTimeoutMS) * time.Millisecond,
		StopGrace:        time.Duration(r.cfg.Bridge.StopGraceMS) * time.Millisecond,
		OpenTimeout:      time.Duration(r.cfg.Engine.ReadyTimeoutMS) * time.Millisecond,
		RateBoost:        r.cfg.Voice.RateBoost,
	}
	r.speech, err = speech.NewService(ctx, r.cfg.Speech, r.cfg.Node.ID, eng, bopts, r.bus, r.store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create speech service: %w", err)
	}
	if err := r.speech.Start(); err != nil {
		return fmt.Errorf("failed to start speech service: %w", err)
	}
	r.applyVoice(r.cfg.Voice)

	r.registry, err = presence.NewRegistry(ctx, r.cfg.Node, r.bus, r.localCapabilities(), r.logger)
	if err != nil {
		return fmt.Errorf("failed to start presence registry: %w", err)
	}

	if r.configPath != "" {
		r.watcher, err = config.NewWatcher(r.configPath, r.logger)
		if err != nil {
			r.logger.Warn("config watcher unavailable", slog.String("error", err.Error()))
		} else {
			r.watcher.OnChange(func(cfg config.Config) {
				r.applyVoice(cfg.Voice)
			})
			if err := r.watcher.Start(); err != nil {
				r.logger.Warn("config watcher failed to start", slog.String("error", err.Error()))
				r.watcher = nil
			}
		}
	}

	r.startPruner(ctx)
	r.startHTTP(metricsHandler)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("node", r.cfg.Node.ID),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.String("variant", r.speech.Bridge().Variant().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) teardown() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.watcher != nil {
		r.watcher.Stop()
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.speech != nil {
		r.speech.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	r.wg.Wait()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("journal close error", slog.String("error", err.Error()))
		}
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func buildEngine(cfg config.Config, log *slog.Logger) (engine.Engine, error) {
	switch cfg.Engine.Mode {
	case "exec":
		return engine.NewExec(engine.ExecOptions{
			Command:      cfg.Engine.Command,
			EngineDir:    cfg.Engine.EngineDir,
			ReadyTimeout: time.Duration(cfg.Engine.ReadyTimeoutMS) * time.Millisecond,
			Logger:       log,
		})
	default:
		variant, err := engine.ParseVariant(cfg.Engine.Variant)
		if err != nil {
			return nil, err
		}
		return engine.NewMock(engine.MockConfig{
			Variant: variant,
			Format: engine.Format{
				SampleRate:    cfg.Engine.SampleRate,
				BitsPerSample: cfg.Engine.BitsPerSample,
				Channels:      cfg.Engine.Channels,
			},
			FormatKnown: true,
			Voice:       1,
		}), nil
	}
}

// applyVoice pushes the voice section into the bridge. The settings
// registry skips values already applied, so replaying the whole section
// on each config reload costs nothing; dictionaries are the exception
// and only load when their paths change.
func (r *Runtime) applyVoice(v config.VoiceConfig) {
	br := r.speech.Bridge()

	if v.Voice > 0 {
		if err := br.SetVoice(v.Voice); err != nil {
			r.logger.Warn("voice setting rejected", slog.String("error", err.Error()))
		}
	}
	if v.Variant > 0 {
		if err := br.SetVariant(v.Variant); err != nil {
			r.logger.Warn("variant setting rejected", slog.String("error", err.Error()))
		}
	}
	for id, val := range v.Params() {
		if err := br.SetVoiceParam(id, val); err != nil {
			r.logger.Warn("voice parameter rejected",
				slog.Int("param", id), slog.String("error", err.Error()))
		}
	}
	if err := br.SetRateBoost(v.RateBoost); err != nil {
		r.logger.Warn("rate boost rejected", slog.String("error", err.Error()))
	}

	r.mu.Lock()
	dictChanged := v.MainDictionary != r.lastVoice.MainDictionary ||
		v.RootDictionary != r.lastVoice.RootDictionary
	r.lastVoice = v
	r.mu.Unlock()

	if dictChanged && v.MainDictionary != "" {
		if err := br.LoadDictionary(v.MainDictionary, v.RootDictionary); err != nil {
			r.logger.Warn("dictionary load rejected", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) localCapabilities() []presence.Capability {
	br := r.speech.Bridge()
	attrs := map[string]string{
		"variant": br.Variant().String(),
		"engine":  r.cfg.Engine.Mode,
	}
	if f, known := br.Format(); known {
		attrs["sample_rate"] = strconv.Itoa(f.SampleRate)
		attrs["bits"] = strconv.Itoa(f.BitsPerSample)
	}
	return []presence.Capability{{Name: "speech.synthesize", Attributes: attrs}}
}

func (r *Runtime) startPruner(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.store.Prune(ctx); err != nil {
					r.logger.Warn("journal prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/nodes", r.handleNodes)

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
	r.logger.Info("http listening", slog.String("addr", addr))

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		r.logger.Info("metrics listening", slog.String("addr", r.cfg.Telemetry.PrometheusBind))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	components := map[string]bool{
		"bus":     r.bus.Healthy(),
		"speech":  r.speech.Healthy(),
		"journal": r.store.Ensure() == nil,
	}
	healthy := true
	for _, ok := range components {
		healthy = healthy && ok
	}

	stats := r.speech.Bridge().Stats()
	body := map[string]any{
		"status":         "ok",
		"components":     components,
		"queue_items":    stats.QueueItems,
		"buffered_bytes": stats.BufferedBytes,
		"utterances":     stats.Utterances,
	}
	code := http.StatusOK
	if !healthy {
		body["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
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

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := r.registry.Query(nil)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(nodes)
}
