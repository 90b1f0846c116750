package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/chatbridge/internal/backend"
	"github.com/memohai/chatbridge/internal/backend/connect"
	"github.com/memohai/chatbridge/internal/channel"
	"github.com/memohai/chatbridge/internal/channel/adapters/common"
	"github.com/memohai/chatbridge/internal/channel/adapters/facebook"
	"github.com/memohai/chatbridge/internal/channel/adapters/sms"
	"github.com/memohai/chatbridge/internal/channel/adapters/telegram"
	"github.com/memohai/chatbridge/internal/channel/adapters/whatsapp"
	"github.com/memohai/chatbridge/internal/config"
	"github.com/memohai/chatbridge/internal/eventsink"
	"github.com/memohai/chatbridge/internal/handlers"
	"github.com/memohai/chatbridge/internal/healthcheck"
	channelchecker "github.com/memohai/chatbridge/internal/healthcheck/checkers/channel"
	storechecker "github.com/memohai/chatbridge/internal/healthcheck/checkers/store"
	"github.com/memohai/chatbridge/internal/inbound"
	"github.com/memohai/chatbridge/internal/logger"
	"github.com/memohai/chatbridge/internal/metrics"
	"github.com/memohai/chatbridge/internal/outbound"
	"github.com/memohai/chatbridge/internal/redact"
	"github.com/memohai/chatbridge/internal/secrets"
	"github.com/memohai/chatbridge/internal/server"
	"github.com/memohai/chatbridge/internal/session"
	"github.com/memohai/chatbridge/internal/sns"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook, event and operator HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := newServeApp()
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func newServeApp() *fx.App {
	return fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideAWSConfig,
			provideMetrics,
			provideSessionStore,
			provideSecretsProvider,
			provideChannelRegistry,
			provideBackendClient,
			provideCredentialCache,
			provideSessionManager,
			provideRedactor,
			provideInboundProcessor,
			provideOutboundRouter,
			provideEventDispatcher,
			provideSNSConfirmer,
			provideSNSVerifier,
			provideSweeper,
			provideHealthAggregator,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewWebhookServerHandler),
			provideServerHandler(handlers.NewEventsServerHandler),
			provideServerHandler(handlers.NewSessionsServerHandler),
			provideServerHandler(handlers.NewHealthServerHandler),
			provideServerHandler(handlers.NewMetricsHandler),
			provideServer,
		),
		fx.Invoke(
			startSweeper,
			startEventConsumer,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideAWSConfig(cfg config.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(cfg.AWS.Region); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile := strings.TrimSpace(cfg.AWS.Profile); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func provideMetrics(cfg config.Config) *metrics.Metrics {
	return metrics.New(cfg.Metrics.Namespace)
}

func provideSessionStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (session.Store, error) {
	store, cleanup, err := openSessionStore(context.Background(), log, cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { cleanup(); return nil }})
	return store, nil
}

func provideSecretsProvider(log *slog.Logger, cfg config.Config, awsCfg aws.Config) secrets.Provider {
	if cfg.Secrets.Driver == "env" {
		return secrets.NewEnv()
	}
	return secrets.NewSecretsManager(log, awsCfg, cfg.Backend.Timeout.Duration)
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config, awsCfg aws.Config, provider secrets.Provider) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	timeout := cfg.Backend.Timeout.Duration
	ch := cfg.Channels
	if ch.SMS.Enabled {
		registry.MustRegister(sms.NewSMSAdapter(log, awsCfg, sms.Config{
			ApplicationID:     ch.SMS.ApplicationID,
			OriginationNumber: ch.SMS.OriginationNumber,
			Timeout:           timeout,
		}))
	}
	if ch.Facebook.Enabled {
		graph := common.NewGraphClient(ch.Facebook.BaseURL, ch.Facebook.APIVersion, timeout)
		registry.MustRegister(facebook.NewFacebookAdapter(log, secrets.NewCache(log, provider, ch.Facebook.SecretName), graph))
	}
	if ch.WhatsApp.Enabled {
		graph := common.NewGraphClient(ch.WhatsApp.BaseURL, ch.WhatsApp.APIVersion, timeout)
		registry.MustRegister(whatsapp.NewWhatsAppAdapter(log, secrets.NewCache(log, provider, ch.WhatsApp.SecretName), graph))
	}
	if ch.Telegram.Enabled {
		registry.MustRegister(telegram.NewTelegramAdapter(log, secrets.NewCache(log, provider, ch.Telegram.SecretName), ch.Telegram.APIBaseURL))
	}
	if len(registry.Types()) == 0 {
		return nil, errors.New("no channel is enabled")
	}
	log.Info("channels enabled", slog.Any("channels", registry.Types()))
	return registry, nil
}

func provideBackendClient(log *slog.Logger, cfg config.Config, awsCfg aws.Config) (backend.Client, error) {
	instanceID := strings.TrimSpace(cfg.Backend.InstanceID)
	if instanceID == "" {
		instanceID = connect.InstanceIDFromARN(cfg.Backend.InstanceARN)
	}
	return connect.New(log, awsCfg, connect.Config{
		InstanceID:    instanceID,
		ContactFlowID: cfg.Backend.ContactFlowID,
		Timeout:       cfg.Backend.Timeout.Duration,
	})
}

func provideCredentialCache(log *slog.Logger, cfg config.Config, store session.Store, client backend.Client, m *metrics.Metrics) *session.CredentialCache {
	return session.NewCredentialCache(log, store, client, cfg.Backend.CredentialSkew.Duration, m)
}

func provideSessionManager(log *slog.Logger, cfg config.Config, store session.Store, client backend.Client, creds *session.CredentialCache, m *metrics.Metrics) *session.Manager {
	sinks := func(ct channel.ChannelType) string {
		return cfg.Backend.EndpointFor(ct.String())
	}
	return session.NewManager(log, store, client, creds, sinks, m)
}

func provideRedactor(log *slog.Logger, cfg config.Config, awsCfg aws.Config) (redact.Redactor, error) {
	return redact.New(log, cfg.Redaction, awsCfg, cfg.Backend.Timeout.Duration)
}

func provideInboundProcessor(log *slog.Logger, registry *channel.Registry, manager *session.Manager, client backend.Client, redactor redact.Redactor, m *metrics.Metrics) *inbound.Processor {
	return inbound.NewProcessor(log, registry, manager, client, redactor, m)
}

func provideOutboundRouter(log *slog.Logger, cfg config.Config, registry *channel.Registry, manager *session.Manager, m *metrics.Metrics) *outbound.Router {
	return outbound.NewRouter(log, registry, manager, outbound.Config{
		ExpectedSource: cfg.Router.ExpectedSource,
		EchoVisibility: cfg.Router.EchoVisibility,
	}, m)
}

func provideEventDispatcher(log *slog.Logger, cfg config.Config, router *outbound.Router, m *metrics.Metrics) *eventsink.Dispatcher {
	return eventsink.NewDispatcher(log, router, sns.NewTopicFilter(cfg.EventSink.TopicARNs), m)
}

func provideSNSConfirmer(log *slog.Logger) *sns.Confirmer {
	return sns.NewConfirmer(log)
}

func provideSNSVerifier(log *slog.Logger) *sns.Verifier {
	return sns.NewVerifier(log)
}

func provideSweeper(log *slog.Logger, cfg config.Config, store session.Store, m *metrics.Metrics) (*session.Sweeper, error) {
	return session.NewSweeper(log, store, cfg.Retention.Schedule, cfg.Retention.ClosedTTL.Duration, m)
}

func provideHealthAggregator(log *slog.Logger, cfg config.Config, registry *channel.Registry, store session.Store) *healthcheck.Aggregator {
	return healthcheck.NewAggregator(
		channelchecker.NewChecker(log, registry),
		storechecker.NewChecker(log, store, cfg.Store.Driver),
	)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startSweeper(lc fx.Lifecycle, sweeper *session.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return sweeper.Start() },
		OnStop:  func(ctx context.Context) error { return sweeper.Stop(ctx) },
	})
}

func startEventConsumer(lc fx.Lifecycle, logger *slog.Logger, cfg config.Config, dispatcher *eventsink.Dispatcher) {
	if cfg.EventSink.Transport != config.TransportAMQP {
		logger.Info("backend events accepted over http", slog.String("path", "/events/sns"))
		return
	}
	consumer := eventsink.NewConsumer(logger, dispatcher, cfg.EventSink.AMQP)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return consumer.Start() },
		OnStop:  func(ctx context.Context) error { return consumer.Stop(ctx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting chatbridge %s\n", version)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
