package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AssilM/CarnetDeSante-sub003/internal/config"
	"github.com/AssilM/CarnetDeSante-sub003/internal/domain/scheduling"
	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/auth"
	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/db"
	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/middleware"
	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/notification"
	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/telemetry"
	"github.com/AssilM/CarnetDeSante-sub003/internal/platform/validation"
	"github.com/AssilM/CarnetDeSante-sub003/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal-server",
		Short: "Patient portal appointment API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			target, _ := cmd.Flags().GetInt("to")

			ctx := cmd.Context()
			migrator, closeFn, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer closeFn()

			var count int
			if target > 0 {
				count, err = migrator.UpTo(ctx, target)
			} else {
				count, err = migrator.Up(ctx)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	upCmd.Flags().Int("to", 0, "Stop after this version")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			migrator, closeFn, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func openMigrator(ctx context.Context, dir string) (*db.Migrator, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2, MinConns: 1})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrationsFS(dir)), pool.Close, nil
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// tokenCmd mints a bearer token for local testing.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}
			tok, err := auth.SignToken([]byte(cfg.AuthSigningKey), cfg.AuthIssuer, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject (user id)")
	cmd.Flags().StringSlice("role", []string{auth.RolePatient}, "Role claim, repeatable")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if cfg != nil {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil && lvl != zerolog.NoLevel {
			logger = logger.Level(lvl)
		}
	}
	return logger
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.IsDev() {
		logger.Warn().Msg("running in development mode: unauthenticated requests act as admin")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, telemetry.TelemetryConfig{
		ServiceName:    "portal-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		TracingEnabled: cfg.TracingEnabled,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown failed")
		}
	}()

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		TimeZone: cfg.TimeZone,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics := telemetry.NewCollector("portal")
	srv, err := newServer(cfg, logger, pool, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}
	go srv.limiter.Run(ctx, time.Minute)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer srv.close(logger)
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

type server struct {
	echo    *echo.Echo
	limiter *middleware.Limiter
	closers []func() error
}

func (s *server) close(logger zerolog.Logger) {
	for _, c := range s.closers {
		if err := c(); err != nil {
			logger.Error().Err(err).Msg("failed to release server resource")
		}
	}
}

// newServer assembles the HTTP surface. pool may be nil in tests that never
// reach the database.
func newServer(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, metrics *telemetry.Collector) (*server, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(telemetry.TracingMiddleware(telemetry.Tracer()))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	limiter := middleware.NewLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           cfg.RateLimitTTL,
	})

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(limiter))
	apiV1.Use(middleware.Audit(logger, nil))

	channel, closeChannel := notificationChannel(cfg, logger.With().Str("component", "notification").Logger())
	notices := notification.NewDispatcher(channel, nil, 0)

	svc := scheduling.NewService(
		scheduling.NewAppointmentRepoPG(pool),
		scheduling.NewAvailabilityRepoPG(pool),
		scheduling.NewPGTransactor(db.NewTxRunner(pool)),
		scheduling.WithLogger(logger.With().Str("component", "scheduling").Logger()),
		scheduling.WithMetrics(metrics),
		scheduling.WithTracer(telemetry.Tracer()),
		scheduling.WithLocation(loc),
		scheduling.WithFullContainment(cfg.RequireFullContainment),
		scheduling.WithNotifier(appointmentNotifier{dispatcher: notices}),
	)
	scheduling.NewHandler(svc, logger).RegisterRoutes(apiV1)
	notification.NewHandler(notices).RegisterRoutes(apiV1.Group("", auth.RequireRole(auth.RoleAdmin)))

	return &server{echo: e, limiter: limiter, closers: []func() error{closeChannel}}, nil
}

// notificationChannel publishes to Kafka behind a circuit breaker when
// brokers are configured and logs notices otherwise.
func notificationChannel(cfg *config.Config, logger zerolog.Logger) (notification.Channel, func() error) {
	if len(cfg.NotifyKafkaBrokers) == 0 {
		return notification.NewLogChannel(logger), func() error { return nil }
	}
	w := notification.NewKafkaWriter(cfg.NotifyKafkaBrokers, cfg.NotifyKafkaTopic)
	ch := notification.NewBreakerChannel(notification.NewKafkaChannel(w), notification.BreakerConfig{
		Name:   "kafka:" + cfg.NotifyKafkaTopic,
		Logger: logger,
	})
	logger.Info().Strs("brokers", cfg.NotifyKafkaBrokers).Str("topic", cfg.NotifyKafkaTopic).Msg("publishing notices to kafka")
	return ch, w.Close
}

// appointmentNotifier adapts the notice dispatcher to scheduling.Notifier.
// The patient hears about every change; the doctor only about bookings and
// cancellations.
type appointmentNotifier struct {
	dispatcher *notification.Dispatcher
}

var eventTemplates = map[scheduling.Event]string{
	scheduling.EventBooked:      notification.TemplateBooked,
	scheduling.EventRescheduled: notification.TemplateRescheduled,
	scheduling.EventConfirmed:   notification.TemplateConfirmed,
	scheduling.EventCancelled:   notification.TemplateCancelled,
}

func (n appointmentNotifier) AppointmentChanged(ctx context.Context, ev scheduling.Event, a *scheduling.Appointment) error {
	tpl, ok := eventTemplates[ev]
	if !ok {
		return nil
	}

	id := strconv.FormatInt(a.ID, 10)
	data := map[string]string{
		"appointment_id": id,
		"date":           a.Date.String(),
		"time":           fmt.Sprintf("%02d:%02d", a.StartTime.Hour(), a.StartTime.Minute()),
		"duration":       strconv.Itoa(a.Duration),
	}
	meta := map[string]string{"appointment_id": id, "event": string(ev)}

	recipients := []string{fmt.Sprintf("patient:%d", a.PatientID)}
	if ev == scheduling.EventBooked || ev == scheduling.EventCancelled {
		recipients = append(recipients, fmt.Sprintf("doctor:%d", a.DoctorID))
	}

	var errs []error
	for _, to := range recipients {
		if _, err := n.dispatcher.Send(ctx, tpl, to, data, meta); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}
