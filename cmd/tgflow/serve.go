package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/tgflow/internal/access"
	"github.com/memohai/tgflow/internal/bot"
	"github.com/memohai/tgflow/internal/channel"
	"github.com/memohai/tgflow/internal/channel/adapters/telegram"
	"github.com/memohai/tgflow/internal/config"
	"github.com/memohai/tgflow/internal/conversation"
	"github.com/memohai/tgflow/internal/dispatch"
	"github.com/memohai/tgflow/internal/event"
	"github.com/memohai/tgflow/internal/handlers"
	"github.com/memohai/tgflow/internal/logger"
	"github.com/memohai/tgflow/internal/schedule"
	"github.com/memohai/tgflow/internal/server"
	"github.com/memohai/tgflow/internal/version"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideAccessPolicy,
			provideTelegramAdapter,
			fx.Annotate(telegram.NewSink, fx.As(new(channel.ActionSink))),
			event.NewHub,
			provideDispatcher,
			provideScheduler,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(handlers.NewAdminHandler),
			provideServerHandler(handlers.NewEventsHandler),
			provideTransportHandlers,
			provideServer,
		),
		fx.Invoke(
			registerBot,
			startScheduler,
			startTransport,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideAccessPolicy(cfg config.Config) *access.Policy {
	return access.NewPolicy(cfg.Access)
}

func provideTelegramAdapter(cfg config.Config, log *slog.Logger) *telegram.Adapter {
	return telegram.NewAdapter(cfg.Telegram, log)
}

func provideDispatcher(cfg config.Config, log *slog.Logger, hub *event.Hub, sink channel.ActionSink) (*dispatch.Dispatcher, error) {
	keyFunc, err := conversation.KeyStrategy(cfg.Dispatch.ConversationKey)
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.Dispatch.Timeout()
	if err != nil {
		return nil, err
	}
	return dispatch.New(dispatch.Options{
		Sink:   sink,
		Hub:    hub,
		Logger: log,
		ConversationOptions: []conversation.Option{
			conversation.WithKeyFunc(keyFunc),
			conversation.WithTimeout(timeout),
		},
	}), nil
}

func provideScheduler(cfg config.Config, log *slog.Logger, d *dispatch.Dispatcher) (*schedule.Scheduler, error) {
	return schedule.New(cfg.Dispatch, d, log)
}

func providePingHandler(log *slog.Logger, cfg config.Config, d *dispatch.Dispatcher) *handlers.PingHandler {
	return handlers.NewPingHandler(log, d, cfg.Telegram.Mode)
}

func provideAuthHandler(log *slog.Logger, cfg config.Config) (*handlers.AuthHandler, error) {
	ttl, err := cfg.Auth.JWTTTL()
	if err != nil {
		return nil, err
	}
	return handlers.NewAuthHandler(log, cfg.Admin, cfg.Auth.JWTSecret, ttl), nil
}

type transportHandlers struct {
	fx.Out
	Handlers []server.Handler `group:"server_handlers,flatten"`
}

// provideTransportHandlers exposes the webhook endpoint only in webhook mode.
func provideTransportHandlers(cfg config.Config, log *slog.Logger, adapter *telegram.Adapter, d *dispatch.Dispatcher) transportHandlers {
	if cfg.Telegram.Mode != config.ModeWebhook {
		return transportHandlers{}
	}
	return transportHandlers{Handlers: []server.Handler{telegram.NewWebhookHandler(log, adapter, d.Submit)}}
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) (*server.Server, error) {
	if strings.TrimSpace(params.Config.Auth.JWTSecret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	var public []string
	for _, h := range params.ServerHandlers {
		if wh, ok := h.(*telegram.WebhookHandler); ok {
			public = append(public, wh.Path())
		}
	}
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, public, params.ServerHandlers...), nil
}

// registerBot resolves the bot username before installing handlers so that
// /cmd@name mentions match.
func registerBot(lc fx.Lifecycle, log *slog.Logger, adapter *telegram.Adapter, sink channel.ActionSink, policy *access.Policy, d *dispatch.Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := adapter.Bot(); err != nil {
				return fmt.Errorf("telegram bot: %w", err)
			}
			d.Use(access.Guard(policy, sink, log))
			bot.New(bot.Options{
				Logger:  log,
				Sink:    sink,
				Policy:  policy,
				BotName: adapter.Username(),
			}).Register(d)
			log.Info("bot handlers registered", slog.String("username", adapter.Username()))
			return nil
		},
	})
}

func startScheduler(lc fx.Lifecycle, s *schedule.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})
}

func startTransport(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, adapter *telegram.Adapter, d *dispatch.Dispatcher, hub *event.Hub) {
	var conn channel.Connection
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Telegram.Mode == config.ModeWebhook {
				return adapter.RegisterWebhook(ctx)
			}
			if err := adapter.DeleteWebhook(ctx); err != nil {
				log.Warn("delete webhook failed", slog.Any("error", err))
			}
			var err error
			conn, err = adapter.Connect(context.WithoutCancel(ctx), d.Submit)
			return err
		},
		OnStop: func(ctx context.Context) error {
			var errs []error
			if conn != nil {
				if err := conn.Stop(ctx); err != nil {
					errs = append(errs, fmt.Errorf("stop polling: %w", err))
				}
			}
			d.Wait()
			hub.Close()
			return errors.Join(errs...)
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting tgflow %s\n", version.GetInfo())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
