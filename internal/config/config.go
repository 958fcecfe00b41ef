package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Registry  RegistryConfig
	Stores    StoresConfig
	Redis     RedisConfig
	Resolver  ResolverConfig
	Provision ProvisionConfig
	JWT       JWTConfig
	Server    ServerConfig
}

// RegistryConfig holds connection settings for the shared registry database.
type RegistryConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// StoresConfig holds settings for the per-tenant physical stores. All tenant
// databases live on the same Postgres host; each tenant owns its own database
// named by its registry entry.
type StoresConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	SSLMode  string

	// MaxConnsPerTenant bounds each tenant's pool. Pools never grow past it;
	// callers wait up to AcquireTimeout instead.
	MaxConnsPerTenant int
	AcquireTimeout    time.Duration
	// IdleTenantTTL is how long a tenant's pool may sit without a checkout
	// before the sweeper closes it.
	IdleTenantTTL time.Duration
	SweepInterval time.Duration
	// OpenAttempts / OpenBackoff bound the retry loop when opening a
	// tenant's store fails.
	OpenAttempts int
	OpenBackoff  time.Duration
}

// RedisConfig holds Redis connection settings (resolver cache + event bus).
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// ResolverConfig holds tenant resolution settings.
type ResolverConfig struct {
	// BaseDomain is the suffix stripped from request hosts to obtain the
	// routing key, e.g. "example.com" for "acme.example.com".
	BaseDomain string
	CacheTTL   time.Duration
	// StaleAfter is the age past which a cache entry must be revalidated
	// against the registry before a mutation-class request trusts it.
	StaleAfter time.Duration
}

// ProvisionConfig holds provisioning worker settings.
type ProvisionConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
	// BaseBackoff doubles per failed attempt, capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// RetentionWindow is how long a retired tenant's store is kept before
	// destruction.
	RetentionWindow time.Duration
}

// JWTConfig holds admin API authentication settings.
type JWTConfig struct {
	Secret string //nolint:gosec // G117: JWT signing secret config
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	// TenantRateLimit / TenantRateBurst bound data-plane requests per tenant.
	TenantRateLimit float64
	TenantRateBurst int
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production, sensitive
// values (JWT secret, DB passwords) must be set explicitly.
func Load() (*Config, error) {
	registryPort, err := getEnvInt("SWITCHYARD_REGISTRY_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	registryMaxConns, err := getEnvInt("SWITCHYARD_REGISTRY_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	storePort, err := getEnvInt("SWITCHYARD_STORE_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	storeMaxConns, err := getEnvInt("SWITCHYARD_STORE_MAX_CONNS_PER_TENANT", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	acquireTimeout, err := getEnvDuration("SWITCHYARD_STORE_ACQUIRE_TIMEOUT", 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	idleTenantTTL, err := getEnvDuration("SWITCHYARD_STORE_IDLE_TENANT_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	sweepInterval, err := getEnvDuration("SWITCHYARD_STORE_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	openAttempts, err := getEnvInt("SWITCHYARD_STORE_OPEN_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	openBackoff, err := getEnvDuration("SWITCHYARD_STORE_OPEN_BACKOFF", 250*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("SWITCHYARD_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cacheTTL, err := getEnvDuration("SWITCHYARD_RESOLVER_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	staleAfter, err := getEnvDuration("SWITCHYARD_RESOLVER_STALE_AFTER", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	pollInterval, err := getEnvDuration("SWITCHYARD_PROVISION_POLL_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxAttempts, err := getEnvInt("SWITCHYARD_PROVISION_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	baseBackoff, err := getEnvDuration("SWITCHYARD_PROVISION_BASE_BACKOFF", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxBackoff, err := getEnvDuration("SWITCHYARD_PROVISION_MAX_BACKOFF", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	retention, err := getEnvDuration("SWITCHYARD_PROVISION_RETENTION_WINDOW", 30*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("SWITCHYARD_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("SWITCHYARD_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateLimit, err := getEnvFloat("SWITCHYARD_SERVER_TENANT_RATE_LIMIT", 100)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateBurst, err := getEnvInt("SWITCHYARD_SERVER_TENANT_RATE_BURST", 200)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("SWITCHYARD_CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg := &Config{
		Registry: RegistryConfig{
			Host:     getEnv("SWITCHYARD_REGISTRY_HOST", "localhost"),
			Port:     registryPort,
			User:     getEnv("SWITCHYARD_REGISTRY_USER", "switchyard"),
			Password: getEnv("SWITCHYARD_REGISTRY_PASSWORD", ""),
			DBName:   getEnv("SWITCHYARD_REGISTRY_DB", "switchyard_registry"),
			SSLMode:  getEnv("SWITCHYARD_REGISTRY_SSLMODE", "disable"),
			MaxConns: registryMaxConns,
		},
		Stores: StoresConfig{
			Host:              getEnv("SWITCHYARD_STORE_HOST", "localhost"),
			Port:              storePort,
			User:              getEnv("SWITCHYARD_STORE_USER", "switchyard"),
			Password:          getEnv("SWITCHYARD_STORE_PASSWORD", ""),
			SSLMode:           getEnv("SWITCHYARD_STORE_SSLMODE", "disable"),
			MaxConnsPerTenant: storeMaxConns,
			AcquireTimeout:    acquireTimeout,
			IdleTenantTTL:     idleTenantTTL,
			SweepInterval:     sweepInterval,
			OpenAttempts:      openAttempts,
			OpenBackoff:       openBackoff,
		},
		Redis: RedisConfig{
			Addr:     getEnv("SWITCHYARD_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("SWITCHYARD_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Resolver: ResolverConfig{
			BaseDomain: getEnv("SWITCHYARD_BASE_DOMAIN", ""),
			CacheTTL:   cacheTTL,
			StaleAfter: staleAfter,
		},
		Provision: ProvisionConfig{
			PollInterval:    pollInterval,
			MaxAttempts:     maxAttempts,
			BaseBackoff:     baseBackoff,
			MaxBackoff:      maxBackoff,
			RetentionWindow: retention,
		},
		JWT: JWTConfig{
			Secret: getEnv("SWITCHYARD_JWT_SECRET", ""),
		},
		Server: ServerConfig{
			Addr:            getEnv("SWITCHYARD_SERVER_ADDR", ":8080"),
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			CORSOrigins:     corsOrigins,
			TenantRateLimit: rateLimit,
			TenantRateBurst: rateBurst,
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.Resolver.BaseDomain == "" {
		return errors.New("SWITCHYARD_BASE_DOMAIN is required")
	}
	if strings.Contains(c.Resolver.BaseDomain, "://") {
		return errors.New("SWITCHYARD_BASE_DOMAIN must be a bare domain, not a URL")
	}

	// JWT secret is required (no insecure default).
	if c.JWT.Secret == "" {
		return errors.New("SWITCHYARD_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("SWITCHYARD_JWT_SECRET must be at least 32 characters")
	}

	if c.Registry.SSLMode == "disable" {
		log.Warn().Msg("SWITCHYARD_REGISTRY_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	// Bounds checks.
	if c.Registry.Port < 1 || c.Registry.Port > 65535 {
		return fmt.Errorf("SWITCHYARD_REGISTRY_PORT must be 1-65535, got %d", c.Registry.Port)
	}
	if c.Stores.Port < 1 || c.Stores.Port > 65535 {
		return fmt.Errorf("SWITCHYARD_STORE_PORT must be 1-65535, got %d", c.Stores.Port)
	}
	if c.Registry.MaxConns < 1 {
		return fmt.Errorf("SWITCHYARD_REGISTRY_MAX_CONNS must be >= 1, got %d", c.Registry.MaxConns)
	}
	if c.Stores.MaxConnsPerTenant < 1 {
		return fmt.Errorf("SWITCHYARD_STORE_MAX_CONNS_PER_TENANT must be >= 1, got %d", c.Stores.MaxConnsPerTenant)
	}
	if c.Stores.AcquireTimeout <= 0 {
		return fmt.Errorf("SWITCHYARD_STORE_ACQUIRE_TIMEOUT must be positive, got %s", c.Stores.AcquireTimeout)
	}
	if c.Stores.OpenAttempts < 1 {
		return fmt.Errorf("SWITCHYARD_STORE_OPEN_ATTEMPTS must be >= 1, got %d", c.Stores.OpenAttempts)
	}
	if c.Resolver.CacheTTL <= 0 {
		return fmt.Errorf("SWITCHYARD_RESOLVER_CACHE_TTL must be positive, got %s", c.Resolver.CacheTTL)
	}
	if c.Resolver.StaleAfter <= 0 || c.Resolver.StaleAfter > c.Resolver.CacheTTL {
		return fmt.Errorf("SWITCHYARD_RESOLVER_STALE_AFTER must be positive and <= cache TTL, got %s", c.Resolver.StaleAfter)
	}
	if c.Provision.MaxAttempts < 1 {
		return fmt.Errorf("SWITCHYARD_PROVISION_MAX_ATTEMPTS must be >= 1, got %d", c.Provision.MaxAttempts)
	}
	if c.Provision.BaseBackoff <= 0 || c.Provision.MaxBackoff < c.Provision.BaseBackoff {
		return fmt.Errorf("provision backoff bounds invalid: base %s, max %s", c.Provision.BaseBackoff, c.Provision.MaxBackoff)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("SWITCHYARD_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("SWITCHYARD_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.TenantRateLimit <= 0 || c.Server.TenantRateBurst < 1 {
		return fmt.Errorf("tenant rate limit bounds invalid: limit %g, burst %d", c.Server.TenantRateLimit, c.Server.TenantRateBurst)
	}

	return nil
}

// DSN returns the connection string for the registry database.
func (c *RegistryConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// StoreDSN returns the connection string for one tenant's physical store.
func (c *StoresConfig) StoreDSN(storeName string) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, storeName, c.SSLMode,
	)
}

// AdminDSN returns the connection string for the maintenance database on the
// store host, used to create and drop tenant databases.
func (c *StoresConfig) AdminDSN() string {
	return c.StoreDSN("postgres")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
