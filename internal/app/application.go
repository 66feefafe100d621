package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"collabgate/internal/admission"
	"collabgate/internal/api"
	"collabgate/internal/auth"
	"collabgate/internal/broadcast"
	"collabgate/internal/broker"
	"collabgate/internal/config"
	"collabgate/internal/database"
	"collabgate/internal/hub"
	"collabgate/internal/logging"
	"collabgate/internal/presence"
	"collabgate/internal/session"
	"collabgate/internal/store"
	"collabgate/internal/websocket"
	pkgdatabase "collabgate/pkg/database"
	"collabgate/pkg/interfaces"
)

// Application coordinates all system components
// Component initialization follows strict dependency order:
// Store → Database → Admission → Registry → Broadcast → Session → Hub → HTTP
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	instanceID string

	store      interfaces.Store
	relay      broker.MessageBroker
	dbManager  *database.Manager
	admission  *admission.Controller
	registry   *websocket.Registry
	messageHub *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server
}

// NewApplication creates a new application instance with all components initialized.
// A nil logger is built from cfg.Logging.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if logger == nil {
		var err error
		logger, err = logging.New(*cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
	}

	app := &Application{
		config:     cfg,
		logger:     logger,
		instanceID: uuid.NewString(),
	}
	if err := app.build(); err != nil {
		app.closeResources()
		return nil, err
	}
	return app, nil
}

func (app *Application) build() error {
	cfg := app.config
	logger := app.logger.With(zap.String("instance_id", app.instanceID))
	policy := store.Policy{
		MaxRetries:      cfg.Store.Retry.MaxRetries,
		InitialInterval: cfg.Store.Retry.InitialInterval,
		MaxInterval:     cfg.Store.Retry.MaxInterval,
	}

	// STEP 1: shared store and cross-instance relay
	redisClient, err := app.openStore()
	if err != nil {
		return err
	}
	if err := app.openRelay(redisClient); err != nil {
		return err
	}

	// STEP 2: session metadata
	dbManager, err := database.NewManager(databaseConfig(cfg), logger.Named("database"))
	if err != nil {
		return fmt.Errorf("failed to initialize database manager: %w", err)
	}
	app.dbManager = dbManager

	// STEP 3: admission
	var limiter admission.Limiter
	switch cfg.Admission.Limiter {
	case "unlimited":
		limiter = admission.NewUnlimitedLimiter()
	default:
		limiter = admission.NewStoreLimiter(app.store, policy)
	}
	app.admission = admission.NewController(admissionLimits(cfg.Admission), cfg.WebSocket.MaxConnections, limiter, nil, logger.Named("admission"))

	// STEP 4: connection registry
	app.registry = websocket.NewRegistry(app.store, policy, websocket.RegistryOptions{
		InstanceID:       app.instanceID,
		ConnectionTTL:    cfg.WebSocket.ConnectionTTL,
		HeartbeatTimeout: cfg.WebSocket.HeartbeatTimeout,
		SweepInterval:    cfg.WebSocket.SweepInterval,
		MaxConnections:   cfg.WebSocket.MaxConnections,
	}, logger.Named("registry"))
	app.admission.SetConnectionCounter(app.registry)

	// STEP 5: presence, broadcast and session coordination
	tracker := presence.NewTracker(app.store, policy, cfg.Presence.ExpiryWindow, logger.Named("presence"))
	broadcaster := broadcast.NewBroadcaster(app.store, policy, app.relay, broadcast.Options{
		MaxEvents:  cfg.Broadcast.MaxEvents,
		MaxAge:     cfg.Broadcast.MaxAge,
		InstanceID: app.instanceID,
		Topic:      cfg.Broker.Topic,
	}, logger.Named("broadcast"))
	coordinator := session.NewCoordinator(dbManager, app.store, policy, app.registry, broadcaster, tracker, session.Options{
		ReplayOnJoin: cfg.Broadcast.ReplayOnJoin,
		SeatTTL:      cfg.Session.SeatTTL,
	}, logger.Named("session"))

	// STEP 6: protocol hub
	app.messageHub = hub.NewHub(app.registry, coordinator, tracker, broadcaster, app.admission, hub.Options{
		PresenceCleanupInterval: cfg.Presence.CleanupInterval,
		RevalidateInterval:      cfg.Session.RevalidateInterval,
		SeatRefreshInterval:     cfg.Session.SeatTTL / 3,
	}, logger.Named("hub"))

	// STEP 7: HTTP surface
	validator := auth.NewValidator(auth.Options{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	}, app.store, logger.Named("auth"))

	wsHandler := websocket.NewHandler(app.registry, app.admission, validator, app.messageHub, websocket.HandlerOptions{
		TokenQueryParam:   cfg.Auth.TokenQueryParam,
		AllowedOrigins:    cfg.WebSocket.AllowedOrigins,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval,
		Connection: websocket.ConnectionOptions{
			SendBuffer:        cfg.WebSocket.SendBuffer,
			WriteTimeout:      cfg.WebSocket.WriteTimeout,
			MessagesPerSecond: cfg.WebSocket.MessagesPerSecond,
			MessageBurst:      cfg.WebSocket.MessageBurst,
		},
	}, logger.Named("websocket"))

	deps := api.Dependencies{
		Admission: app.admission,
		Presence:  tracker,
		Events:    broadcaster,
		Registry:  app.registry,
		Store:     app.store,
		Database:  dbManager,
	}
	if cfg.Metrics.Enabled {
		deps.MetricsPath = cfg.Metrics.Path
	}
	app.apiServer = api.NewServer(deps, logger.Named("api"))
	app.apiServer.Router().Handle(cfg.WebSocket.Path, wsHandler)

	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return nil
}

func (app *Application) openStore() (*redis.Client, error) {
	cfg := app.config.Store
	if cfg.Type != "redis" {
		app.store = store.NewMemoryStore(cfg.SweepInterval)
		return nil, nil
	}

	client, err := store.NewRedisClient(context.Background(), store.RedisOptions{
		Address:     cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		PoolTimeout: cfg.Redis.PoolTimeout,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis store: %w", err)
	}
	app.store = store.NewRedisStore(client)
	return client, nil
}

func (app *Application) openRelay(redisClient *redis.Client) error {
	cfg := app.config.Broker
	switch cfg.Type {
	case "local":
		app.relay = broker.NewLocalBroker()
	case "redis":
		app.relay = broker.NewRedisBroker(redisClient, app.logger.Named("broker"))
	case "kafka":
		relay, err := broker.NewKafkaBroker(cfg.Kafka.Brokers, cfg.Kafka.GroupID, app.instanceID, app.logger.Named("broker"))
		if err != nil {
			return fmt.Errorf("failed to connect to kafka: %w", err)
		}
		app.relay = relay
	}
	return nil
}

func databaseConfig(cfg *config.Config) *pkgdatabase.Config {
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.WriteTimeout = cfg.Database.Timeout
	return dbConfig
}

func admissionLimits(cfg *config.AdmissionConfig) admission.Limits {
	return admission.Limits{
		ConcurrentPerKind: lo.MapKeys(cfg.ConcurrentPerKind, func(_ int, kind string) admission.Kind {
			return admission.Kind(kind)
		}),
		UserPerMinute:       cfg.UserPerMinute,
		UserPerHour:         cfg.UserPerHour,
		ContentBytesPerHour: cfg.ContentBytesPerHour,
		SessionConcurrent:   cfg.SessionConcurrent,
		MaxSessionDuration:  cfg.MaxSessionDuration,
		GlobalConcurrent:    cfg.GlobalConcurrent,
	}
}

// Start begins application execution
// Hub starts first to handle messages, then HTTP server accepts connections
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("Starting collabgate",
		zap.String("addr", app.httpServer.Addr),
		zap.String("instance_id", app.instanceID),
		zap.String("store", app.config.Store.Type),
		zap.String("broker", app.config.Broker.Type),
	)

	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.messageHub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info("collabgate started")
		return nil
	case <-ctx.Done():
		_ = app.messageHub.Stop()
		return ctx.Err()
	}
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Hub → Relay → Database → Store
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("Shutting down collabgate")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Warn("Message hub shutdown error", zap.Error(err))
	}
	app.closeResources()

	app.logger.Info("collabgate shutdown complete")
	_ = app.logger.Sync()
	return nil
}

func (app *Application) closeResources() {
	if app.relay != nil {
		if err := app.relay.Close(); err != nil {
			app.logger.Warn("Broker shutdown error", zap.Error(err))
		}
	}
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			app.logger.Warn("Database shutdown error", zap.Error(err))
		}
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Warn("Store shutdown error", zap.Error(err))
		}
	}
}

// GetAddr returns the server address for external connections
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}

// Handler returns the combined API and WebSocket handler.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Sessions returns the SQLite session provider, for seeding and operations.
func (app *Application) Sessions() *database.Manager {
	return app.dbManager
}

// InstanceID identifies this gateway process in the shared store and relay.
func (app *Application) InstanceID() string {
	return app.instanceID
}
