package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/ride-dispatch/internal/auth"
)

// LoadDotEnv copies variables from the given files (default ./.env) into the
// environment without overriding ones already set. Missing files are fine.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var errs []error
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", f, err))
		}
	}
	return errors.Join(errs...)
}

// ServerConfig captures all tunable parameters for the matching server.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	StripeKey string
	Currency  string

	// JWTSecret turns on HS256 bearer verification. Empty means the bearer
	// token is taken as the user id.
	JWTSecret string
	JWTIssuer string

	// PushEndpoint receives events for users with no open event channel.
	PushEndpoint string
	PushKey      string

	OSRMEndpoint     string
	GoogleMapsAPIKey string
	ETACacheTTL      time.Duration

	DefaultSpeedMps float64
	MatcherTopN     int
	OfferTimeout    time.Duration
	CancellationFee float64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		Currency:        "usd",
		JWTIssuer:       "ride-dispatch",
		ETACacheTTL:     30 * time.Second,
		DefaultSpeedMps: 10,
		MatcherTopN:     8,
		OfferTimeout:    15 * time.Second,
		CancellationFee: 5,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.StripeKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	setStringFromEnv(&cfg.Currency, "PAYMENT_CURRENCY")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setDurationFromEnv(&cfg.OfferTimeout, "MATCHER_OFFER_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.CancellationFee, "CANCELLATION_FEE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_OFFER_TIMEOUT must be > 0"))
	}
	if cfg.CancellationFee < 0 {
		errs = append(errs, fmt.Errorf("CANCELLATION_FEE must be >= 0"))
	}
	if cfg.OSRMEndpoint != "" && cfg.GoogleMapsAPIKey != "" {
		errs = append(errs, fmt.Errorf("set only one of OSRM_ENDPOINT and GOOGLE_MAPS_API_KEY"))
	}

	return cfg, errors.Join(errs...)
}

// ClientConfig is shared by the rider and driver binaries. Flags override it.
type ClientConfig struct {
	ServerURL string
	WSURL     string
	Token     string

	SearchTimeout    time.Duration
	CancelAckTimeout time.Duration
	LocationInterval time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration

	RedisAddr     string
	RedisPassword string

	LogLevel string
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:        "http://localhost:8080",
		SearchTimeout:    60 * time.Second,
		CancelAckTimeout: 10 * time.Second,
		LocationInterval: 5 * time.Second,
		MinBackoff:       500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		LogLevel:         "info",
	}
}

func LoadClientConfig() (ClientConfig, error) {
	cfg := defaultClientConfig()
	var errs []error

	setStringFromEnv(&cfg.ServerURL, "DISPATCH_SERVER_URL")
	setStringFromEnv(&cfg.WSURL, "DISPATCH_WS_URL")
	cfg.Token = strings.TrimSpace(os.Getenv("DISPATCH_TOKEN"))

	setDurationFromEnv(&cfg.SearchTimeout, "SEARCH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.CancelAckTimeout, "CANCEL_ACK_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.LocationInterval, "LOCATION_INTERVAL", &errs)
	setDurationFromEnv(&cfg.MinBackoff, "RECONNECT_MIN_BACKOFF", &errs)
	setDurationFromEnv(&cfg.MaxBackoff, "RECONNECT_MAX_BACKOFF", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	return cfg, errors.Join(errs...)
}

// Validate is run after flags are applied.
func (c ClientConfig) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, fmt.Errorf("server url is required"))
	}
	if c.Token == "" {
		errs = append(errs, fmt.Errorf("token is required"))
	}
	if c.SearchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("search timeout must be > 0"))
	}
	if c.CancelAckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("cancel ack timeout must be > 0"))
	}
	if c.LocationInterval <= 0 {
		errs = append(errs, fmt.Errorf("location interval must be > 0"))
	}
	if c.MaxBackoff < c.MinBackoff {
		errs = append(errs, fmt.Errorf("max backoff must be >= min backoff"))
	}
	return errors.Join(errs...)
}

// UserID is the identity the client announces in join-room.
func (c ClientConfig) UserID() string { return auth.Subject(c.Token) }

// EventURL is WSURL, or the server URL with a ws scheme and /ws path.
func (c ClientConfig) EventURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	u := strings.TrimSuffix(c.ServerURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
