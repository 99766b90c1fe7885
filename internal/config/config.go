package config // package config loads application configuration from environment variables

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/iliyamo/saas-auth/internal/autherr"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable; nested structs group the Redis, rate limit and
// cache settings.
type Config struct {
	Env    string `env:"APP_ENV" envDefault:"development"`
	Port   string `env:"APP_PORT" envDefault:"8080"`
	// AppURL is the public origin used for the OAuth return address.  It is
	// not required at startup: sign-in attempts without it fail with a
	// configuration error page instead.
	AppURL string `env:"APP_URL"`

	AuthServiceURL string   `env:"AUTH_SERVICE_URL"`
	AuthPublicKey  string   `env:"AUTH_SERVICE_PUBLIC_KEY"`
	AuthSecretKey  string   `env:"AUTH_SERVICE_SECRET_KEY"`
	OAuthProviders []string `env:"OAUTH_PROVIDERS" envSeparator:"," envDefault:"google,github"`

	DBDriver   string `env:"DB_DRIVER" envDefault:"mysql"`
	DBUser     string `env:"DB_USER"`
	DBPass     string `env:"DB_PASS"`
	DBHost     string `env:"DB_HOST"`
	DBPort     string `env:"DB_PORT" envDefault:"3306"`
	DBName     string `env:"DB_NAME"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/saas-auth.db"`

	RabbitMQURL     string `env:"RABBITMQ_URL"`
	AuthEventsQueue string `env:"AUTH_EVENTS_QUEUE" envDefault:"auth.events"`
	AuditLogPath    string `env:"AUTH_AUDIT_LOG" envDefault:"logs/auth.log"`

	ProtectedPrefixes    []string `env:"GUARD_PROTECTED_PREFIXES" envSeparator:"," envDefault:"/dashboard"`
	AuthPages            []string `env:"GUARD_AUTH_PAGES" envSeparator:"," envDefault:"/login,/register"`
	SubscriptionPrefixes []string `env:"GUARD_SUBSCRIPTION_PREFIXES" envSeparator:"," envDefault:"/dashboard/premium"`
	// SubscriptionPolicy is "fail-open" or "fail-closed".
	SubscriptionPolicy string `env:"GUARD_SUBSCRIPTION_POLICY" envDefault:"fail-open"`

	CallbackParamAttempts int           `env:"CALLBACK_PARAM_ATTEMPTS" envDefault:"1"`
	CallbackParamDelay    time.Duration `env:"CALLBACK_PARAM_DELAY" envDefault:"2s"`
	ReconcileAttempts     int           `env:"RECONCILE_ATTEMPTS" envDefault:"3"`
	ReconcileDelay        time.Duration `env:"RECONCILE_DELAY" envDefault:"500ms"`

	VerifierTTL time.Duration `env:"PKCE_VERIFIER_TTL" envDefault:"10m"`
	SessionTTL  time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	// GraceSecret signs post-callback grace tokens.  Empty disables them.
	GraceSecret string        `env:"GRACE_TOKEN_SECRET"`
	GraceTTL    time.Duration `env:"GRACE_TOKEN_TTL" envDefault:"30s"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	OTelEndpoint string `env:"OTEL_EXPORTER_ENDPOINT"`

	Redis             RedisConfig
	RateLimit         RateLimitConfig
	SubscriptionCache CacheConfig
}

// IsProduction reports whether cookies must be Secure and logs JSON.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

// Load reads a .env file when present, then parses the environment.  A
// missing or invalid required setting is returned as a configuration
// error; the caller is expected to exit.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, autherr.Configuration("Server configuration error", fmt.Errorf("parsing config: %w", err))
	}
	cfg.RateLimit.normalize()
	if err := cfg.validate(); err != nil {
		return nil, autherr.Configuration("Server configuration error", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.AuthServiceURL) == "" {
		errs = append(errs, errors.New("AUTH_SERVICE_URL is required"))
	}
	if strings.TrimSpace(c.AuthPublicKey) == "" {
		errs = append(errs, errors.New("AUTH_SERVICE_PUBLIC_KEY is required"))
	}

	switch c.DBDriver {
	case "mysql":
		for key, v := range map[string]string{"DB_USER": c.DBUser, "DB_HOST": c.DBHost, "DB_NAME": c.DBName} {
			if v == "" {
				errs = append(errs, fmt.Errorf("%s is required for the mysql driver", key))
			}
		}
	case "sqlite":
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be mysql or sqlite, got %q", c.DBDriver))
	}

	switch strings.ToLower(c.SubscriptionPolicy) {
	case "fail-open", "open", "fail-closed", "closed":
	default:
		errs = append(errs, fmt.Errorf("GUARD_SUBSCRIPTION_POLICY must be fail-open or fail-closed, got %q", c.SubscriptionPolicy))
	}

	// the verifier lives for one sign-in attempt
	if c.VerifierTTL <= 0 || c.VerifierTTL > 10*time.Minute {
		errs = append(errs, fmt.Errorf("PKCE_VERIFIER_TTL must be within (0, 10m], got %s", c.VerifierTTL))
	}
	if c.CallbackParamAttempts < 1 || c.ReconcileAttempts < 1 {
		errs = append(errs, errors.New("CALLBACK_PARAM_ATTEMPTS and RECONCILE_ATTEMPTS must be at least 1"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	return errors.Join(errs...)
}
