package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/ukydev/trackhub/internal/archive"
	"github.com/ukydev/trackhub/internal/auth"
	"github.com/ukydev/trackhub/internal/bus"
	"github.com/ukydev/trackhub/internal/config"
	"github.com/ukydev/trackhub/internal/db"
	"github.com/ukydev/trackhub/internal/geocode"
	"github.com/ukydev/trackhub/internal/handlers"
	"github.com/ukydev/trackhub/internal/hub"
	"github.com/ukydev/trackhub/internal/middleware"
	"github.com/ukydev/trackhub/internal/models"
	"github.com/ukydev/trackhub/internal/notify"
	"github.com/ukydev/trackhub/internal/protocol"
	"github.com/ukydev/trackhub/internal/realtime"
	"github.com/ukydev/trackhub/internal/session"
	"github.com/ukydev/trackhub/internal/trip"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var envFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trackhub",
		Short: "trackhub - live GPS tracker hub",
		Long: `Ingests telemetry from GPS trackers over TCP, keeps a live state per
device, raises alerts, segments trips and pushes updates to viewers over
WebSocket.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Path to an env file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

func loadConfig() *config.Config {
	cfg := config.Load(envFile)
	cfg.ConfigureLogging()
	return cfg
}

// serveCmd runs the device listener and the viewer channel
func serveCmd() *cobra.Command {
	var store, deviceAddr, httpAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the device listener and the HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if cmd.Flags().Changed("store") {
				cfg.Store = store
			}
			if cmd.Flags().Changed("device-addr") {
				cfg.DeviceAddr = deviceAddr
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTPAddr = httpAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&store, "store", "mongo", "Repository backend (mongo or memory)")
	cmd.Flags().StringVar(&deviceAddr, "device-addr", ":5023", "TCP address for trackers")
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "HTTP address for viewers")
	return cmd
}

// tokenCmd issues a viewer token signed with JWT_SECRET
func tokenCmd() *cobra.Command {
	var userID, username, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a viewer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			user := &models.User{Username: username, Role: models.Role(role), IsActive: true}
			if !models.IsValidRole(user.Role) {
				return fmt.Errorf("unknown role %q", role)
			}
			if userID == "" {
				user.ID = primitive.NewObjectID()
			} else {
				id, err := primitive.ObjectIDFromHex(userID)
				if err != nil {
					return fmt.Errorf("invalid user id %q: %w", userID, err)
				}
				user.ID = id
			}

			token, err := auth.NewService(cfg.JWTSecret, cfg.JWTExpiration).GenerateToken(user)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "User id (hex object id, generated when empty)")
	cmd.Flags().StringVar(&username, "username", "viewer", "User name")
	cmd.Flags().StringVar(&role, "role", string(models.RoleViewer), "Role: admin, manager, operator, viewer or customer")
	return cmd
}

// backend is the primary store and what must be released with it.
type backend struct {
	repos  *db.Repositories
	outbox notify.Outbox
	close  func()
}

func openStore(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Store {
	case "memory":
		store := db.NewMemoryStore()
		log.Warn("using in-memory store, nothing survives a restart")
		return &backend{repos: store.Repositories(), outbox: store, close: func() {}}, nil

	case "mongo":
		client, err := db.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		database := client.Database(cfg.MongoDB)
		if err := db.EnsureIndexes(ctx, database); err != nil {
			log.WithError(err).Warn("failed to ensure indexes")
		}
		b := &backend{
			repos: db.NewMongoRepositories(database),
			close: func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := client.Disconnect(ctx); err != nil {
					log.WithError(err).Warn("mongo disconnect failed")
				}
			},
		}
		if cfg.OutboxStore == "mongo" {
			b.outbox = &db.MongoOutboxCollection{Collection: database.Collection(db.OutboxCollectionName)}
		}
		log.WithField("database", cfg.MongoDB).Info("connected to mongo")
		return b, nil

	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func newDispatcher(cfg *config.Config, outbox notify.Outbox) *notify.Dispatcher {
	var mailer notify.Mailer
	if cfg.SMTPHost != "" {
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else {
		log.Info("SMTP_HOST not set, email notifications disabled")
	}

	var sms notify.SMSSender
	if cfg.SMSGatewayURL != "" {
		sms = notify.NewHTTPGateway(cfg.SMSGatewayURL, cfg.SMSGatewayKey, cfg.SMSSender)
	} else {
		log.Info("SMS_GATEWAY_URL not set, SMS notifications disabled")
	}
	return notify.NewDispatcher(mailer, sms, outbox)
}

// newGeocoder returns nil when no API key is configured.
func newGeocoder(ctx context.Context, cfg *config.Config) (session.Geocoder, func()) {
	if cfg.GoogleMapsKey == "" {
		log.Info("GOOGLE_MAPS_API_KEY not set, alert locations disabled")
		return nil, func() {}
	}

	var client *redis.Client
	if cfg.RedisAddr != "" {
		var err error
		client, err = geocode.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, geocoding without cache")
			client = nil
		}
	}
	closer := func() {}
	if client != nil {
		closer = func() { _ = client.Close() }
	}
	return geocode.NewCached(geocode.NewGoogle(cfg.GoogleMapsKey), client, cfg.GeocodeTTL), closer
}

// newArchive returns nil when no DSN is configured or the database is down.
func newArchive(ctx context.Context, cfg *config.Config) (*archive.Writer, func()) {
	if cfg.ArchiveDSN == "" {
		return nil, func() {}
	}
	store, err := archive.NewTimescaleStore(ctx, cfg.ArchiveDSN)
	if err != nil {
		log.WithError(err).Warn("telemetry archive unavailable")
		return nil, func() {}
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.WithError(err).Warn("failed to ensure archive schema")
	}
	return archive.NewWriter(store, cfg.ArchiveQueueSize, cfg.ArchiveBatchSize, cfg.ArchiveFlush), store.Close
}

func newBus(cfg *config.Config) bus.Bus {
	if cfg.MQTTBroker == "" {
		log.Info("MQTT_BROKER not set, using in-process signals")
		return bus.NewLocal()
	}
	b, err := bus.NewMQTT(bus.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
		Prefix:   cfg.MQTTPrefix,
	})
	if err != nil {
		log.WithError(err).Warn("mqtt unavailable, using in-process signals")
		return bus.NewLocal()
	}
	return b
}

func sessionConfig(cfg *config.Config, repos *db.Repositories, codec protocol.Codec) session.Config {
	return session.Config{
		Repos: repos,
		Codec: codec,
		Timeouts: session.Timeouts{
			Ghost: cfg.GhostTimeout,
			Off:   cfg.OffTimeout,
		},
		Trip: trip.Config{
			MaxStop:         cfg.TripMaxStop,
			MinMoveDuration: cfg.TripMinMove,
			MinMoveMileage:  cfg.TripMinMileage,
			TickInterval:    cfg.TripTickInterval,
		},
		ParkLimit:   cfg.ParkLimit,
		MailboxSize: cfg.MailboxSize,
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.close()

	pending := protocol.NewPending(cfg.CorrelationTTL)
	codec := protocol.NewASCIICodec(pending)
	viewers := realtime.NewHub(nil)
	dispatcher := newDispatcher(cfg, store.outbox)

	geocoder, closeGeocoder := newGeocoder(ctx, cfg)
	defer closeGeocoder()
	writer, closeArchive := newArchive(ctx, cfg)
	defer closeArchive()

	sessions := sessionConfig(cfg, store.repos, codec)
	sessions.Broadcaster = viewers
	sessions.Notifier = dispatcher
	sessions.Geocoder = geocoder
	if writer != nil {
		sessions.Archive = writer
	}

	h := hub.New(hub.Config{
		Session:       sessions,
		Codecs:        protocol.NewRegistry(codec),
		Pending:       pending,
		SweepInterval: cfg.SweepInterval,
	})
	defer h.Close()
	viewers.SetProvider(h)

	signals := newBus(cfg)
	defer signals.Close()
	if err := h.Subscribe(signals); err != nil {
		return fmt.Errorf("subscribe signals: %w", err)
	}
	if _, err := h.Bootstrap(ctx); err != nil {
		log.WithError(err).Error("bootstrap failed, sessions start on first frame")
	}

	authService := auth.NewService(cfg.JWTSecret, cfg.JWTExpiration)
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set, using the development secret")
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(h, viewers, authService, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	devices := hub.NewDeviceServer(h, cfg.DeviceIdleTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		viewers.Run(gctx)
		return nil
	})
	g.Go(func() error {
		h.Run(gctx)
		return nil
	})
	g.Go(func() error {
		dispatcher.Run(gctx, cfg.EmailRetry)
		return nil
	})
	if writer != nil {
		g.Go(func() error {
			writer.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return devices.ListenAndServe(gctx, cfg.DeviceAddr)
	})
	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("shutting down")
	return err
}

func newRouter(control handlers.Controller, viewers *realtime.Hub, authService *auth.Service, origins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	allowed := origins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	h := handlers.NewControlHandler(control)
	authMiddleware := middleware.NewAuthMiddleware(authService)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.With(authMiddleware.RequirePermission("view_telemetry")).
			Get("/ws", realtime.HandleWebSocket(viewers, realtime.NewUpgrader(origins)))
		r.With(authMiddleware.RequirePermission("toggle_relay")).
			Post("/api/pairings/{id}/relay", h.SetRelay)
		r.With(authMiddleware.RequirePermission("ack_alerts")).
			Post("/api/pairings/{id}/ack", h.AckAlerts)
	})

	return r
}
