package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	// Africa/Nairobi must resolve on hosts without a zoneinfo database
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Mpesa         MpesaConfig         `mapstructure:"mpesa"`
	Poller        PollerConfig        `mapstructure:"poller"`
	Sandbox       SandboxConfig       `mapstructure:"sandbox"`
	Security      SecurityConfig      `mapstructure:"security"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Events        EventsConfig        `mapstructure:"events"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"omitempty,oneof=postgres mysql"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

// StorageConfig selects where transactions live. "gorm" uses the SQL
// database above, "postgrest" talks to a hosted record store over HTTP.
type StorageConfig struct {
	Driver  string        `mapstructure:"driver" validate:"omitempty,oneof=gorm postgrest"`
	URL     string        `mapstructure:"url" validate:"required_if=Driver postgrest"`
	APIKey  string        `mapstructure:"api_key"`
	Table   string        `mapstructure:"table"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MpesaConfig struct {
	BaseURL         string        `mapstructure:"base_url" validate:"required,url"`
	ConsumerKey     string        `mapstructure:"consumer_key" validate:"required"`
	ConsumerSecret  string        `mapstructure:"consumer_secret" validate:"required"`
	ShortCode       string        `mapstructure:"short_code" validate:"required,numeric"`
	Passkey         string        `mapstructure:"passkey" validate:"required"`
	PartyB          string        `mapstructure:"party_b" validate:"omitempty,numeric"`
	TransactionType string        `mapstructure:"transaction_type" validate:"omitempty,oneof=CustomerPayBillOnline CustomerBuyGoodsOnline"`
	CallbackBaseURL string        `mapstructure:"callback_base_url" validate:"required,url"`
	CallbackPath    string        `mapstructure:"callback_path"`
	TimeZone        string        `mapstructure:"time_zone"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	TokenExpiryLead time.Duration `mapstructure:"token_expiry_lead"`
}

type PollerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=0"`
}

type SandboxConfig struct {
	Port           int           `mapstructure:"port"`
	MaxWorkers     int           `mapstructure:"max_workers"`
	JobQueueSize   int           `mapstructure:"job_queue_size"`
	CallbackDelay  time.Duration `mapstructure:"callback_delay"`
	SuccessRate    float64       `mapstructure:"success_rate" validate:"min=0,max=1"`
	ConsumerKey    string        `mapstructure:"consumer_key"`
	ConsumerSecret string        `mapstructure:"consumer_secret"`
}

type SecurityConfig struct {
	// JWTSecret enables bearer auth on the client-facing payment routes when set.
	JWTSecret string `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}

type EventsConfig struct {
	AuditEnabled bool `mapstructure:"audit_enabled"`
}

// ----------------- DEFAULTS -----------------

// ApplyDefaults fills zero values with the service defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "gorm"
	}
	if c.Storage.Table == "" {
		c.Storage.Table = "transactions"
	}
	if c.Storage.Timeout == 0 {
		c.Storage.Timeout = 10 * time.Second
	}
	if c.Mpesa.TransactionType == "" {
		c.Mpesa.TransactionType = "CustomerPayBillOnline"
	}
	if c.Mpesa.CallbackPath == "" {
		c.Mpesa.CallbackPath = "/api/v1/payments/callback"
	}
	if c.Mpesa.TimeZone == "" {
		c.Mpesa.TimeZone = "Africa/Nairobi"
	}
	if c.Mpesa.RequestTimeout == 0 {
		c.Mpesa.RequestTimeout = 30 * time.Second
	}
	if c.Mpesa.TokenExpiryLead == 0 {
		c.Mpesa.TokenExpiryLead = time.Minute
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = 5 * time.Second
	}
	if c.Poller.MaxAttempts == 0 {
		c.Poller.MaxAttempts = 30
	}
	if c.Sandbox.Port == 0 {
		c.Sandbox.Port = 8090
	}
	if c.Sandbox.MaxWorkers == 0 {
		c.Sandbox.MaxWorkers = 4
	}
	if c.Sandbox.JobQueueSize == 0 {
		c.Sandbox.JobQueueSize = 100
	}
	if c.Sandbox.CallbackDelay == 0 {
		c.Sandbox.CallbackDelay = 3 * time.Second
	}
	if c.Sandbox.SuccessRate == 0 {
		c.Sandbox.SuccessRate = 0.9
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "text"
	}
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

// LoadConfigFromEnv builds the configuration for container deployments where
// no config file is mounted.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("PORT", 8080),
			BaseURL:           getEnv("BASE_URL", ""),
			AllowedOrigins:    getEnv("ALLOWED_ORIGINS", ""),
			ReadHeaderTimeout: getEnvAsDuration("READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout:   getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "postgres"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DATABASE_URL", ""),
		},
		Storage: StorageConfig{
			Driver:  getEnv("STORAGE_DRIVER", "gorm"),
			URL:     getEnv("STORAGE_URL", ""),
			APIKey:  getEnv("STORAGE_API_KEY", ""),
			Table:   getEnv("STORAGE_TABLE", "transactions"),
			Timeout: getEnvAsDuration("STORAGE_TIMEOUT", 10*time.Second),
		},
		Mpesa: MpesaConfig{
			BaseURL:         getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			ConsumerKey:     getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:  getEnv("MPESA_CONSUMER_SECRET", ""),
			ShortCode:       getEnv("MPESA_SHORT_CODE", ""),
			Passkey:         getEnv("MPESA_PASSKEY", ""),
			PartyB:          getEnv("MPESA_PARTY_B", ""),
			TransactionType: getEnv("MPESA_TRANSACTION_TYPE", "CustomerPayBillOnline"),
			CallbackBaseURL: getEnv("MPESA_CALLBACK_BASE_URL", ""),
			CallbackPath:    getEnv("MPESA_CALLBACK_PATH", "/api/v1/payments/callback"),
			TimeZone:        getEnv("MPESA_TIME_ZONE", "Africa/Nairobi"),
			RequestTimeout:  getEnvAsDuration("MPESA_REQUEST_TIMEOUT", 30*time.Second),
			TokenExpiryLead: getEnvAsDuration("MPESA_TOKEN_EXPIRY_LEAD", time.Minute),
		},
		Poller: PollerConfig{
			Interval:    getEnvAsDuration("POLLER_INTERVAL", 5*time.Second),
			MaxAttempts: getEnvAsInt("POLLER_MAX_ATTEMPTS", 30),
		},
		Sandbox: SandboxConfig{
			Port:           getEnvAsInt("SANDBOX_PORT", 8090),
			MaxWorkers:     getEnvAsInt("SANDBOX_MAX_WORKERS", 4),
			JobQueueSize:   getEnvAsInt("SANDBOX_JOB_QUEUE_SIZE", 100),
			CallbackDelay:  getEnvAsDuration("SANDBOX_CALLBACK_DELAY", 3*time.Second),
			SuccessRate:    getEnvAsFloat("SANDBOX_SUCCESS_RATE", 0.9),
			ConsumerKey:    getEnv("SANDBOX_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("SANDBOX_CONSUMER_SECRET", ""),
		},
		Security: SecurityConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			JWTIssuer: getEnv("JWT_ISSUER", ""),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
		Events: EventsConfig{
			AuditEnabled: getEnvAsBool("EVENTS_AUDIT_ENABLED", true),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// CallbackURL is the absolute URL the gateway posts results to.
func (c *MpesaConfig) CallbackURL() string {
	return strings.TrimRight(c.CallbackBaseURL, "/") + "/" + strings.TrimLeft(c.CallbackPath, "/")
}

// Location resolves the gateway time zone, falling back to EAT.
func (c *MpesaConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.FixedZone("EAT", 3*60*60)
	}
	return loc
}

// ----------------- VALIDATION -----------------

var structValidator = validator.New()

func (c *Config) Validate() error {
	var errs []string

	if err := structValidator.Struct(c); err != nil {
		errs = append(errs, err.Error())
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(c.Storage.Driver); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Mpesa.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("mpesa config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout > 0 && c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate(storageDriver string) error {
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	if storageDriver != "postgrest" && c.Source == "" {
		return errors.New("source is required when storage driver is gorm")
	}
	return nil
}

func (c *MpesaConfig) Validate() error {
	u, err := url.Parse(c.CallbackBaseURL)
	if err != nil {
		return fmt.Errorf("invalid callback_base_url: %w", err)
	}
	if u.Scheme != "https" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		return errors.New("callback_base_url must use https outside local development")
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid time_zone %q: %w", c.TimeZone, err)
	}
	return nil
}
