package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/followup-payments/api"
	"github.com/frahmantamala/followup-payments/internal"
	"github.com/frahmantamala/followup-payments/internal/auth"
	"github.com/frahmantamala/followup-payments/internal/core/events"
	"github.com/frahmantamala/followup-payments/internal/mpesa"
	"github.com/frahmantamala/followup-payments/internal/payment"
	paymentPostgres "github.com/frahmantamala/followup-payments/internal/payment/postgres"
	paymentPostgrest "github.com/frahmantamala/followup-payments/internal/payment/postgrest"
	"github.com/frahmantamala/followup-payments/internal/transport"
	"github.com/frahmantamala/followup-payments/internal/transport/rest"
)

var requestLogging bool

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server that initiates payments and receives gateway callbacks`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startHTTPServer()
	},
}

func init() {
	httpServerCmd.Flags().BoolVar(&requestLogging, "log-requests", false, "log filtered request and response bodies")
}

type Dependencies struct {
	Config   *internal.Config
	DB       *sqlx.DB
	Repo     payment.RepositoryAPI
	Service  *payment.Service
	EventBus *events.EventBus
	Router   *chi.Mux
	Checkers map[string]rest.Checker
	Logger   *slog.Logger
}

func (d *Dependencies) Close() {
	if d.EventBus != nil {
		d.EventBus.Wait()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			d.Logger.Error("database close error", "error", err)
		}
	}
}

func startHTTPServer() error {
	deps, err := initializeDependencies(context.Background())
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	if err := setupRoutes(deps); err != nil {
		return err
	}

	cfg := deps.Config.Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	deps.Logger.Info("starting HTTP server",
		"address", addr,
		"storage", deps.Config.Storage.Driver,
		"callback_url", deps.Config.Mpesa.CallbackURL())

	server := &http.Server{
		Addr:              addr,
		Handler:           deps.Router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("received signal, shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	deps.Logger.Info("server stopped")
	return nil
}

func setupRoutes(deps *Dependencies) error {
	if _, err := api.Load(context.Background()); err != nil {
		return err
	}

	base := transport.NewBaseHandler(deps.Logger)

	routerCfg := rest.RouterConfig{
		PaymentHandler: payment.NewHandler(base, deps.Service),
		WebhookHandler: payment.NewWebhookHandler(base, deps.Service),
		Checkers:       deps.Checkers,
		OpenAPI:        api.Document(),
		RequestLogging: requestLogging,
		Logger:         deps.Logger,
	}
	if secret := deps.Config.Security.JWTSecret; secret != "" {
		routerCfg.TokenValidator = auth.NewJWTVerifier(secret, deps.Config.Security.JWTIssuer)
	} else {
		deps.Logger.Warn("security.jwt_secret is empty, payment routes are unauthenticated")
	}

	rest.RegisterAllRoutes(deps.Router, routerCfg)
	return nil
}

func initializeDependencies(ctx context.Context) (*Dependencies, error) {
	config, err := loadValidatedConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	lg := initLogger(config)

	deps := &Dependencies{
		Config:   config,
		Logger:   lg,
		Router:   chi.NewRouter(),
		Checkers: map[string]rest.Checker{},
	}

	if err := initRepository(ctx, deps); err != nil {
		return nil, err
	}

	deps.EventBus = events.NewEventBus(lg)
	if config.Events.AuditEnabled {
		payment.NewEventHandler(lg).RegisterEventHandlers(deps.EventBus)
	}

	deps.Service = payment.NewService(deps.Repo, newMpesaClient(config, lg), deps.EventBus, lg)
	return deps, nil
}

// initRepository wires the transaction store chosen by storage.driver.
func initRepository(ctx context.Context, deps *Dependencies) error {
	cfg := deps.Config

	if cfg.Storage.Driver == "postgrest" {
		repo := paymentPostgrest.NewTransactionRepository(paymentPostgrest.Config{
			BaseURL: cfg.Storage.URL,
			APIKey:  cfg.Storage.APIKey,
			Table:   cfg.Storage.Table,
			Timeout: cfg.Storage.Timeout,
		}, deps.Logger)
		deps.Repo = repo
		deps.Checkers["record_store"] = rest.CheckerFunc(func(ctx context.Context) error {
			_, err := repo.GetByCheckoutRequestID(ctx, "healthcheck")
			if errors.Is(err, payment.ErrTransactionNotFound) {
				return nil
			}
			return err
		})
		return nil
	}

	db, err := initDB(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	gdb, err := openGorm(db, cfg.Database.Driver)
	if err != nil {
		_ = db.Close()
		return err
	}

	deps.DB = db
	deps.Repo = paymentPostgres.NewTransactionRepository(gdb)
	deps.Checkers[cfg.Database.Driver] = db
	return nil
}

func sqlDriverName(driver string) string {
	if driver == "mysql" {
		return "mysql"
	}
	return "pgx"
}

// initDB initializes the database connection
func initDB(ctx context.Context, cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	driver := sqlDriverName(cfg.Driver)

	dbConn, err := sqlx.ConnectContext(ctx, driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.PingContext(ctx); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return dbConn, nil
}

// openGorm layers gorm over the already open pool.
func openGorm(db *sqlx.DB, driver string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.New(mysql.Config{Conn: db.DB})
	default:
		dialector = postgres.New(postgres.Config{Conn: db.DB})
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}
	return gdb, nil
}

func newMpesaClient(cfg *internal.Config, lg *slog.Logger) *mpesa.Client {
	m := cfg.Mpesa
	return mpesa.NewClient(mpesa.Config{
		BaseURL:         m.BaseURL,
		ConsumerKey:     m.ConsumerKey,
		ConsumerSecret:  m.ConsumerSecret,
		ShortCode:       m.ShortCode,
		Passkey:         m.Passkey,
		PartyB:          m.PartyB,
		TransactionType: m.TransactionType,
		CallbackURL:     m.CallbackURL(),
		Location:        m.Location(),
		Timeout:         m.RequestTimeout,
		TokenExpiryLead: m.TokenExpiryLead,
	}, lg)
}
