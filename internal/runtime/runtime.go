package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/dahshury/WinSTT/internal/bus"
	"github.com/dahshury/WinSTT/internal/capture"
	"github.com/dahshury/WinSTT/internal/config"
	"github.com/dahshury/WinSTT/internal/coordinator"
	"github.com/dahshury/WinSTT/internal/dispatch"
	"github.com/dahshury/WinSTT/internal/engine"
	"github.com/dahshury/WinSTT/internal/events"
	"github.com/dahshury/WinSTT/internal/hotkey"
	"github.com/dahshury/WinSTT/internal/modelstore"
	"github.com/dahshury/WinSTT/internal/natsserver"
	"github.com/dahshury/WinSTT/internal/notify"
	"github.com/dahshury/WinSTT/internal/protocol"
	"github.com/dahshury/WinSTT/internal/session"
)

// Runtime composes the dictation pipeline: bus, model store, inference
// engine, transcription queue, dispatcher, and the session controller, plus
// the HTTP query surface. Start blocks until the context is cancelled.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricHandler http.Handler
	telemetryStop func(context.Context) error

	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	publisher  *events.Publisher
	notifier   notify.Notifier
	store      *modelstore.Store
	engine     *engine.Engine
	coord      *coordinator.Coordinator
	listener   hotkey.Listener
	controller *session.Controller
	descriptor modelstore.Descriptor

	downloadSeen atomic.Bool
	readySeen    atomic.Bool
	ready        atomic.Bool
	wg           sync.WaitGroup
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

	if err := r.compose(ctx); err != nil {
		r.teardown()
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.httpServer.Addr),
		slog.String("model", r.descriptor.Key()),
		slog.String("backend", r.cfg.Engine.Backend))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.teardown()
	return nil
}

func (r *Runtime) compose(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = shutdownTelemetry
	r.metricHandler = metricHandler

	desc, err := modelstore.NewDescriptor(
		r.cfg.Model.Name, r.cfg.Model.Quantization, r.cfg.Model.Language, r.cfg.Model.Task)
	if err != nil {
		return fmt.Errorf("invalid model configuration: %w", err)
	}
	r.descriptor = desc

	if r.cfg.Hotkey.Source == "bus" && !r.cfg.Bus.Enabled {
		return fmt.Errorf("hotkey.source=bus requires the bus to be enabled")
	}

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			ns, err := natsserver.Start(busCfg, r.logger)
			if err != nil {
				return fmt.Errorf("failed to start embedded bus: %w", err)
			}
			r.natsServer = ns
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.busClient = client
	}
	r.publisher = events.NewPublisher(r.busClient, r.logger)

	if r.cfg.Notify.Enabled {
		r.notifier = notify.NewDesktop(r.cfg.Notify, r.logger)
	} else {
		r.notifier = notify.Nop{}
	}

	format := modelstore.FormatGGML
	if r.cfg.Engine.Backend == "exec" {
		format = modelstore.FormatONNX
	}
	store, err := modelstore.Open(ctx, modelstore.Options{
		CacheDir: r.cfg.Model.CacheDir,
		Format:   format,
		BaseURL:  r.cfg.Model.MirrorURL,
		Progress: r.modelProgress,
		Log:      r.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open model store: %w", err)
	}
	r.store = store
	r.registerDownloadMetric()

	backend, err := engine.NewBackend(r.cfg.Engine, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build engine backend: %w", err)
	}
	r.engine = engine.New(r.cfg.Engine, store, backend, r.engineStatus, r.logger)

	paster := dispatch.NewClipboardPaster(r.cfg.Dispatch, r.logger)
	r.coord = coordinator.New(ctx, r.engine, paster, r.publisher, r.notifier, r.logger)

	switch r.cfg.Hotkey.Source {
	case "bus":
		listener, err := hotkey.NewBusListener(r.busClient, r.logger)
		if err != nil {
			return fmt.Errorf("failed to subscribe to hotkey edges: %w", err)
		}
		r.listener = listener
	default:
		r.listener = hotkey.NewChannelListener()
	}

	controller, err := session.New(ctx, session.Options{
		Audio:      r.cfg.Audio,
		VAD:        r.cfg.VAD,
		Session:    r.cfg.Session,
		Descriptor: desc,
		NewSource: func() capture.Source {
			return capture.NewMalgoSource(r.cfg.Audio.FrameSize, r.logger)
		},
		Listener:  r.listener,
		Submitter: r.coord,
		Events:    r.publisher,
		Notifier:  r.notifier,
		Log:       r.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start session controller: %w", err)
	}
	r.controller = controller

	r.startHTTP()

	// Warm load in the background so the first dictation does not pay the
	// download plus model-load cost. Failures stay non-fatal; Transcribe
	// retries the load lazily.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.engine.EnsureLoaded(ctx, desc); err != nil {
			r.logger.Warn("model warm load failed", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// modelProgress fans store progress out to the bus and raises the one-shot
// download notification.
func (r *Runtime) modelProgress(file, stage string, done, total int64, percent int) {
	r.publisher.ModelProgress(protocol.ModelProgress{
		Descriptor: r.descriptor.Key(),
		File:       file,
		Stage:      stage,
		BytesDone:  done,
		BytesTotal: total,
		Percent:    percent,
	})
	if stage == modelstore.StageDownloading && r.downloadSeen.CompareAndSwap(false, true) {
		r.notifier.Alert(notify.KindModelDownloading, file)
	}
}

// engineStatus mirrors engine transitions onto the bus and raises the
// first-ready notification.
func (r *Runtime) engineStatus(info engine.StatusInfo, desc modelstore.Descriptor) {
	r.publisher.EngineStatus(protocol.EngineStatus{
		Descriptor: desc.Key(),
		Status:     string(info.Status),
		Error:      info.Error,
	})
	if info.Status == engine.StatusReady && r.readySeen.CompareAndSwap(false, true) {
		r.notifier.Alert(notify.KindModelReady, desc.Key())
	}
}

func (r *Runtime) registerDownloadMetric() {
	meter := otel.Meter("github.com/dahshury/WinSTT/runtime")
	counter, err := meter.Int64ObservableCounter("winstt.model.download.bytes",
		metric.WithDescription("Model payload bytes fetched since startup"),
		metric.WithUnit("By"))
	if err != nil {
		r.logger.Warn("failed to initialize download metric", slog.String("error", err.Error()))
		return
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(counter, r.store.BytesDownloaded())
		return nil
	}, counter)
	if err != nil {
		r.logger.Warn("failed to register download metric", slog.String("error", err.Error()))
	}
}

func (r *Runtime) startHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricHandler != nil {
		mux.Handle("/metrics", r.metricHandler)
	}
	mux.HandleFunc("/v1/devices", r.handleDevices)
	mux.HandleFunc("/v1/models", r.handleModels)
	mux.HandleFunc("/v1/status", r.handleStatus)

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
}

// teardown releases everything compose built, in reverse order. It is safe
// on a partially composed runtime.
func (r *Runtime) teardown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.controller != nil {
		_ = r.controller.Close()
	}
	if r.listener != nil {
		_ = r.listener.Close()
	}
	if r.coord != nil {
		r.coord.Close()
	}
	if r.engine != nil {
		if err := r.engine.Close(); err != nil {
			r.logger.Warn("engine close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("model store close error", slog.String("error", err.Error()))
		}
	}
	r.busClient.Close()
	r.natsServer.Shutdown()
	r.wg.Wait()

	if r.telemetryStop != nil {
		if err := r.telemetryStop(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
