package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-call/internal/dotenv"
	"github.com/vango-go/vai-call/pkg/core/events"
	"github.com/vango-go/vai-call/pkg/core/llm"
	"github.com/vango-go/vai-call/pkg/core/voice/stt"
	"github.com/vango-go/vai-call/pkg/core/voice/tts"
	"github.com/vango-go/vai-call/pkg/gateway/calls"
	"github.com/vango-go/vai-call/pkg/gateway/config"
	"github.com/vango-go/vai-call/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-call/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/vai-call/pkg/gateway/server"
	"github.com/vango-go/vai-call/pkg/gateway/store/postgres"
	"github.com/vango-go/vai-call/pkg/gateway/store/redisstream"
	"github.com/vango-go/vai-call/pkg/gateway/tracing"
)

const sinkFlushTimeout = 10 * time.Second

type callDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
	// traceOut receives exported spans when tracing is enabled.
	traceOut io.Writer
}

func defaultCallDeps() callDeps {
	return callDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
		traceOut:   os.Stdout,
	}
}

// app is the wired process: event pipeline, call registry and HTTP surface.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	emitter   *events.Emitter
	registry  *calls.Registry
	lifecycle *lifecycle.Lifecycle
	server    *gatewayserver.Server

	// closers flush and release sinks, in order, after calls have ended.
	closers []func(context.Context) error
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, traceOut io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: logger, lifecycle: &lifecycle.Lifecycle{}}
	clock := clockwork.NewRealClock()

	store := events.NewStore(cfg.EventsPerCall, cfg.RetainedCalls)
	a.emitter = events.NewEmitter(clock, logger, store)
	if cfg.EventLog {
		a.emitter.AddSink(events.LogSink{Logger: logger.With("stream", "events")})
	}
	m := metrics.NewMetrics("", a.emitter.Rejected)
	a.emitter.AddSink(m)

	if err := a.wireSinks(ctx, traceOut); err != nil {
		a.close(context.Background())
		return nil, err
	}

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}
	engineCfg, err := cfg.Engine.TurnConfig(0)
	if err != nil {
		a.close(context.Background())
		return nil, fmt.Errorf("engine config: %w", err)
	}

	a.registry, err = calls.NewRegistry(calls.Options{
		Clock:     clock,
		Logger:    logger,
		Events:    a.emitter,
		Providers: providers,
		Engine:    engineCfg,
		MaxActive: cfg.MaxActiveCalls,
		Retained:  cfg.RetainedCalls,

		Scenarios:   cfg.Engine.Scenarios,
		DefaultFlow: cfg.Engine.DefaultFlow,
	})
	if err != nil {
		a.close(context.Background())
		return nil, fmt.Errorf("call registry: %w", err)
	}
	a.lifecycle.OnDrain(a.registry.Drain)

	a.server = gatewayserver.New(cfg, logger, gatewayserver.Dependencies{
		Registry:  a.registry,
		Store:     store,
		Lifecycle: a.lifecycle,
		Metrics:   m.Handler(),
		Clock:     clock,
	})
	return a, nil
}

func (a *app) wireSinks(ctx context.Context, traceOut io.Writer) error {
	cfg := a.cfg

	if cfg.TracingEnabled {
		if traceOut == nil {
			traceOut = io.Discard
		}
		tp, err := tracing.NewStdoutProvider(traceOut, "vai-call")
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		sink := tracing.NewSink(tp)
		a.emitter.AddSink(sink)
		a.closers = append(a.closers, func(ctx context.Context) error {
			sink.Close()
			return tp.Shutdown(ctx)
		})
	}

	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("postgres: %w", err)
		}
		sink := postgres.NewSink(pool, postgres.Options{Logger: a.logger.With("sink", "postgres")})
		a.emitter.AddSink(sink)
		a.closers = append(a.closers, func(ctx context.Context) error {
			defer pool.Close()
			return sink.Close(ctx)
		})
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis: %w", err)
		}
		sink, err := redisstream.NewSink(client, redisstream.Options{
			Stream: cfg.RedisStream,
			MaxLen: cfg.RedisMaxLen,
			Logger: a.logger.With("sink", "redis"),
		})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("redis: %w", err)
		}
		a.emitter.AddSink(sink)
		a.closers = append(a.closers, func(ctx context.Context) error {
			defer client.Close()
			return sink.Close(ctx)
		})
	}
	return nil
}

func buildProviders(ctx context.Context, cfg config.Config) (calls.Providers, error) {
	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}

	gemini, err := llm.NewGemini(ctx, llm.GeminiConfig{
		APIKey:     cfg.GeminiAPIKey,
		Model:      cfg.GeminiModel,
		BaseURL:    cfg.GeminiBaseURL,
		HTTPClient: httpClient,
	})
	if err != nil {
		return calls.Providers{}, fmt.Errorf("llm: %w", err)
	}

	p := calls.Providers{
		LLM: gemini,
		TTS: tts.NewCartesiaWithClient(cfg.CartesiaAPIKey, tts.Options{
			Voice:      cfg.CartesiaVoice,
			Format:     cfg.TTSFormat,
			SampleRate: cfg.AudioRate,
		}, httpClient).WithBaseURL(cfg.CartesiaBaseURL),
	}
	if cfg.STTEnabled {
		p.STT = stt.NewCartesiaWithClient(cfg.CartesiaAPIKey, stt.Options{
			Encoding:   cfg.STTEncoding,
			SampleRate: cfg.AudioRate,
		}, httpClient).WithBaseURL(cfg.CartesiaBaseURL)
	}
	return p, nil
}

// shutdown drains, stops HTTP, lets calls finish within the grace period,
// cancels the rest and finally flushes the sinks.
func (a *app) shutdown(httpSrv *http.Server) error {
	a.lifecycle.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	httpErr := httpSrv.Shutdown(shutdownCtx)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !a.registry.Wait(waitCtx) {
		n := a.registry.CancelAll()
		a.logger.Warn("grace period elapsed, cancelling calls", "calls", n)
		finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer finalCancel()
		if !a.registry.Wait(finalCtx) {
			a.logger.Error("calls still running after cancel")
		}
	}
	a.registry.Close()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), sinkFlushTimeout)
	defer flushCancel()
	sinkErr := a.close(flushCtx)

	if httpErr != nil {
		return fmt.Errorf("shutdown http server: %w", httpErr)
	}
	return sinkErr
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for _, c := range a.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		a.logger.Warn("event sinks did not close cleanly", "error", errors.Join(errs...))
		return fmt.Errorf("close sinks: %w", errors.Join(errs...))
	}
	return nil
}

func newLogger(w io.Writer, format config.LogFormat) *slog.Logger {
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func runCalls(ctx context.Context, stderr io.Writer, deps callDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg.LogFormat)

	a, err := buildApp(ctx, cfg, logger, deps.traceOut)
	if err != nil {
		return err
	}
	httpSrv := buildHTTPServer(cfg, a.server.Handler())

	logger.Info("starting call engine",
		"addr", cfg.Addr,
		"endpoint_mode", cfg.Engine.EndpointMode,
		"stt", cfg.STTEnabled,
		"max_active_calls", cfg.MaxActiveCalls,
	)

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}
		return a.shutdown(httpSrv)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("call engine stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps callDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-call: %v\n", err)
		return 1
	}

	if err := runCalls(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vai-call: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultCallDeps()))
}
