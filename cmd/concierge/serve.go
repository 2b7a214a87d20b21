package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/concierge/internal/broadcast"
	"github.com/memohai/concierge/internal/cache"
	"github.com/memohai/concierge/internal/channel"
	"github.com/memohai/concierge/internal/channel/adapters/relay"
	"github.com/memohai/concierge/internal/channel/adapters/whatsapp"
	"github.com/memohai/concierge/internal/config"
	"github.com/memohai/concierge/internal/db"
	"github.com/memohai/concierge/internal/delivery"
	"github.com/memohai/concierge/internal/group"
	"github.com/memohai/concierge/internal/handlers"
	"github.com/memohai/concierge/internal/healthcheck"
	channelchecker "github.com/memohai/concierge/internal/healthcheck/checkers/channel"
	"github.com/memohai/concierge/internal/identity"
	"github.com/memohai/concierge/internal/logger"
	"github.com/memohai/concierge/internal/media"
	"github.com/memohai/concierge/internal/message"
	"github.com/memohai/concierge/internal/operator"
	"github.com/memohai/concierge/internal/pipeline"
	"github.com/memohai/concierge/internal/schedule"
	"github.com/memohai/concierge/internal/server"
	"github.com/memohai/concierge/internal/storage/providers/gridfs"
	"github.com/memohai/concierge/internal/storage/providers/localfs"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideRedis,
			provideStorageBackend,
			provideOperatorService,
			provideIdentityResolver,
			provideGroupResolver,
			provideMessageService,
			provideChannelRegistry,
			provideActiveChannel,
			provideMediaService,
			provideDeliveryStore,
			provideDispatcher,
			provideSweeper,
			provideHub,
			provideDeduper,
			provideProcessor,
			provideScheduleService,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideHealthHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(provideOperatorsHandler),
			provideServerHandler(provideGroupsHandler),
			provideServerHandler(provideMessagesHandler),
			provideServerHandler(provideMediaHandler),
			provideServerHandler(provideLiveHandler),
			provideWebhookHandlers,
			provideServer,
		),
		fx.Invoke(
			wireListeners,
			startScheduleService,
			startProcessor,
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

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.Postgres.AutoMigrate {
		m, err := db.NewMigrator(log, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		err = m.Up()
		_ = m.Close()
		if err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

// provideRedis returns nil when no Redis endpoint is configured.
func provideRedis(lc fx.Lifecycle, cfg config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled() {
		return nil, nil
	}
	rdb, err := cache.NewClient(context.Background(), cfg.Redis)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return rdb.Close() }})
	return rdb, nil
}

// storageBackend is a media provider that can report its own health.
type storageBackend interface {
	media.StorageProvider
	Ping(ctx context.Context) error
}

func provideStorageBackend(lc fx.Lifecycle, cfg config.Config) (storageBackend, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendGridFS:
		provider, err := gridfs.New(context.Background(), cfg.Storage.GridFS)
		if err != nil {
			return nil, fmt.Errorf("init gridfs storage: %w", err)
		}
		lc.Append(fx.Hook{OnStop: provider.Close})
		return provider, nil
	default:
		provider, err := localfs.New(cfg.Storage.Local.Root, cfg.Storage.Local.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return provider, nil
	}
}

func provideOperatorService(log *slog.Logger, pool *pgxpool.Pool) *operator.Service {
	return operator.NewService(log, operator.NewPgStore(pool))
}

func provideIdentityResolver(log *slog.Logger, pool *pgxpool.Pool) *identity.Resolver {
	return identity.NewResolver(log, identity.NewPgStore(pool))
}

func provideGroupResolver(log *slog.Logger, pool *pgxpool.Pool, operators *operator.Service) *group.Resolver {
	return group.NewResolver(log, group.NewPgStore(pool), operators)
}

func provideMessageService(log *slog.Logger, pool *pgxpool.Pool) *message.Service {
	return message.NewService(log, message.NewPgStore(pool))
}

// provideChannelRegistry registers every adapter that has credentials.
func provideChannelRegistry(log *slog.Logger, cfg config.Config) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	policy := channel.PolicyFromConfig(cfg.Channel.Outbound)
	if cfg.Channel.WhatsApp.PhoneNumberID != "" {
		if err := registry.Register(whatsapp.NewAdapter(log, cfg.Channel.WhatsApp, policy)); err != nil {
			return nil, err
		}
	}
	if cfg.Channel.Relay.SendURL != "" {
		if err := registry.Register(relay.NewAdapter(log, cfg.Channel.Relay, policy)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// activeChannel is the adapter outbound replies and media downloads go through.
type activeChannel struct {
	Type     channel.ChannelType
	Sender   channel.Sender
	Resolver channel.MediaResolver
	Policy   channel.OutboundPolicy
}

func provideActiveChannel(cfg config.Config, registry *channel.Registry) (activeChannel, error) {
	channelType, err := registry.ParseChannelType(cfg.Channel.Type)
	if err != nil {
		return activeChannel{}, err
	}
	sender, ok := registry.GetSender(channelType)
	if !ok {
		return activeChannel{}, fmt.Errorf("channel %s cannot send", channelType)
	}
	resolver, _ := registry.GetMediaResolver(channelType)
	policy, _ := registry.GetOutboundPolicy(channelType)
	return activeChannel{Type: channelType, Sender: sender, Resolver: resolver, Policy: policy}, nil
}

func provideMediaService(log *slog.Logger, pool *pgxpool.Pool, provider storageBackend, active activeChannel, cfg config.Config) *media.Service {
	opts := media.Options{MaxBytes: cfg.Storage.MaxAttachmentBytes}
	if active.Resolver != nil {
		opts.Resolver = pipeline.NewMediaRefResolver(active.Resolver)
	}
	return media.NewService(log, media.NewPgStore(pool), provider, opts)
}

func provideDeliveryStore(pool *pgxpool.Pool) *delivery.PgStore {
	return delivery.NewPgStore(pool)
}

func provideDispatcher(log *slog.Logger, store *delivery.PgStore, groups *group.Resolver, active activeChannel, mediaService *media.Service) *delivery.Dispatcher {
	return delivery.NewDispatcher(log, store, groups, active.Sender, mediaService, active.Policy)
}

func provideSweeper(log *slog.Logger, store *delivery.PgStore, messages *message.Service, dispatcher *delivery.Dispatcher, cfg config.Config) *delivery.Sweeper {
	return delivery.NewSweeper(log, store, messages, dispatcher, time.Duration(cfg.Schedule.StalePendingSeconds)*time.Second)
}

func provideHub(log *slog.Logger, cfg config.Config) *broadcast.Hub {
	return broadcast.NewHub(log, cfg.Live.SessionBuffer)
}

func provideDeduper(rdb *redis.Client, cfg config.Config) pipeline.Deduper {
	if rdb == nil {
		return nil
	}
	return cache.NewRedisDeduper(rdb, time.Duration(cfg.Redis.InboundDedupTTL)*time.Second)
}

func provideProcessor(log *slog.Logger, users *identity.Resolver, groups *group.Resolver, mediaService *media.Service, messages *message.Service, dispatcher *delivery.Dispatcher, hub *broadcast.Hub, deduper pipeline.Deduper) *pipeline.Processor {
	return pipeline.NewProcessor(log, pipeline.Deps{
		Users:       users,
		Groups:      groups,
		Attachments: mediaService,
		Messages:    messages,
		Dispatcher:  dispatcher,
		Publisher:   hub,
		Deduper:     deduper,
	})
}

func provideScheduleService(log *slog.Logger, cfg config.Config, sweeper *delivery.Sweeper, mediaService *media.Service) (*schedule.Service, error) {
	svc := schedule.NewService(log)
	if err := svc.Add(schedule.SweepJob(cfg.Schedule.SweepSpec, sweeper)); err != nil {
		return nil, err
	}
	maxAge := time.Duration(cfg.Schedule.OrphanMaxAgeSeconds) * time.Second
	if err := svc.Add(schedule.PruneJob(cfg.Schedule.PruneSpec, mediaService, maxAge)); err != nil {
		return nil, err
	}
	return svc, nil
}

type healthParams struct {
	fx.In
	Logger   *slog.Logger
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Storage  storageBackend
	Registry *channel.Registry
	Active   activeChannel
}

func provideHealthHandler(p healthParams) *handlers.HealthHandler {
	checkers := []healthcheck.Checker{
		healthcheck.NewPingAdapter("postgres", "database", "primary store", p.Pool.Ping),
		healthcheck.NewPingAdapter("storage", "storage", "attachment blobs", p.Storage.Ping),
		channelchecker.NewChecker(p.Logger, p.Registry, p.Active.Type),
	}
	if p.Redis != nil {
		rdb := p.Redis
		checkers = append(checkers, healthcheck.NewPingAdapter("redis", "cache", "inbound dedup", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}
	return handlers.NewHealthHandler(p.Logger, checkers...)
}

func provideAuthHandler(log *slog.Logger, operators *operator.Service, cfg config.Config) (*handlers.AuthHandler, error) {
	return handlers.NewAuthHandler(log, operators, cfg.Auth)
}

func provideOperatorsHandler(log *slog.Logger, operators *operator.Service) *handlers.OperatorsHandler {
	return handlers.NewOperatorsHandler(log, operators)
}

func provideGroupsHandler(log *slog.Logger, groups *group.Resolver, users *identity.Resolver) *handlers.GroupsHandler {
	return handlers.NewGroupsHandler(log, groups, users)
}

func provideMessagesHandler(log *slog.Logger, groups *group.Resolver, messages *message.Service, attempts *delivery.PgStore, processor *pipeline.Processor) *handlers.MessagesHandler {
	return handlers.NewMessagesHandler(log, groups, messages, attempts, processor)
}

func provideMediaHandler(log *slog.Logger, groups *group.Resolver, messages *message.Service, mediaService *media.Service) *handlers.MediaHandler {
	return handlers.NewMediaHandler(log, groups, messages, mediaService)
}

func provideLiveHandler(log *slog.Logger, hub *broadcast.Hub, groups *group.Resolver, operators *operator.Service) *handlers.LiveHandler {
	return handlers.NewLiveHandler(log, hub, groups, operators)
}

type webhookHandlers struct {
	fx.Out
	Handlers []server.Handler `group:"server_handlers,flatten"`
}

// provideWebhookHandlers mounts the webhook of every configured channel.
func provideWebhookHandlers(log *slog.Logger, cfg config.Config, processor *pipeline.Processor) webhookHandlers {
	var out webhookHandlers
	if wa := cfg.Channel.WhatsApp; wa.AppSecret != "" {
		out.Handlers = append(out.Handlers, whatsapp.NewWebhookHandler(log, wa.AppSecret, wa.VerifyToken, processor))
	}
	if rl := cfg.Channel.Relay; rl.SigningSecret != "" {
		out.Handlers = append(out.Handlers, relay.NewWebhookHandler(log, rl.SigningSecret, processor))
	}
	return out
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

// wireListeners connects components that call back into each other.
func wireListeners(groups *group.Resolver, hub *broadcast.Hub, dispatcher *delivery.Dispatcher, processor *pipeline.Processor) {
	groups.AddListener(hub)
	dispatcher.SetFailureReporter(processor)
}

func startScheduleService(lc fx.Lifecycle, logger *slog.Logger, scheduleService *schedule.Service, sweeper *delivery.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Resume deliveries interrupted by the previous shutdown before
			// waiting for the first tick.
			go func() {
				if n, err := sweeper.Sweep(context.Background()); err != nil {
					logger.Warn("startup sweep failed", slog.Any("error", err))
				} else if n > 0 {
					logger.Info("startup sweep resolved attempts", slog.Int("count", n))
				}
			}()
			scheduleService.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error { return scheduleService.Stop(ctx) },
	})
}

func startProcessor(lc fx.Lifecycle, processor *pipeline.Processor) {
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return processor.Wait(ctx) }})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting concierge", slog.String("addr", cfg.Server.Addr), slog.String("channel", cfg.Channel.Type))
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
