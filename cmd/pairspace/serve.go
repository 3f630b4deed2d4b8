package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/julienschmidt/httprouter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/pairspace/internal/assistant"
	"github.com/codefionn/pairspace/internal/config"
	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/logger"
	"github.com/codefionn/pairspace/internal/projectstore"
	"github.com/codefionn/pairspace/internal/relay"
)

func newServeCmd(a *app) *cobra.Command {
	var addr, dbPath string
	var profiling bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the project service and the real-time relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(true); err != nil {
				return err
			}
			if addr != "" {
				a.cfg.Serve.Addr = addr
			}
			if dbPath != "" {
				a.cfg.Serve.DatabasePath = dbPath
			}
			if profiling {
				a.cfg.Serve.Profiling = true
			}
			return runServe(cmd.Context(), a.cfg.Serve)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path, or :memory:")
	cmd.Flags().BoolVar(&profiling, "pprof", false, "serve runtime profiles under /debug/pprof/")
	return cmd
}

func runServe(ctx context.Context, cfg config.ServeConfig) error {
	log := logger.Global().WithPrefix("serve")

	db, err := projectstore.NewDatabase(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	responder, err := newResponder(ctx, cfg, log)
	if err != nil {
		return err
	}

	store := projectstore.NewServer(db, log.WithPrefix("projects"))
	rel := relay.NewServer(relay.Options{
		Auth:           store,
		Projects:       db,
		Assistant:      responder,
		MessagesPerSec: cfg.MessagesPerSec,
		MessageBurst:   cfg.MessageBurst,
		Log:            log.WithPrefix("relay"),
	})

	router := httprouter.New()
	store.Register(router)
	rel.Register(router)
	if cfg.Profiling {
		registerProfiling(router)
		log.Warn("profiling endpoints are enabled under /debug/pprof/")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: consts.Timeout10Seconds,
		ErrorLog:          logger.StdLogger(log.WithPrefix("http"), slog.LevelError),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	rel.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening on http://%s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), consts.Timeout10Seconds)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// hijacked websocket connections are not covered by Shutdown
		rel.Stop()
		return err
	})
	return g.Wait()
}

// newResponder picks the assistant backend. Without an API key the assistant
// answers offline.
func newResponder(ctx context.Context, cfg config.ServeConfig, log *logger.Logger) (assistant.Responder, error) {
	if cfg.AssistantAPIKey == "" {
		log.Warn("%s is not set, the assistant answers offline", cfg.AssistantKeyEnv())
		return assistant.Offline{}, nil
	}
	model := cfg.AssistantModel
	if model == "" {
		model = assistant.DefaultModel(cfg.AssistantProvider)
	}
	responder, err := assistant.New(ctx, assistant.Settings{
		Provider: cfg.AssistantProvider,
		APIKey:   cfg.AssistantAPIKey,
		Model:    model,
		BaseURL:  cfg.AssistantBaseURL,
	})
	if err != nil {
		return nil, err
	}
	log.Info("assistant: %s (%s)", model, cfg.AssistantProvider)
	return responder, nil
}

func registerProfiling(router *httprouter.Router) {
	router.HandlerFunc(http.MethodGet, "/debug/pprof/", pprof.Index)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", pprof.Cmdline)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/profile", pprof.Profile)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", pprof.Symbol)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/trace", pprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		router.Handler(http.MethodGet, "/debug/pprof/"+name, pprof.Handler(name))
	}
}
