package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tally/internal/model"
)

// ActionCost is the fixed-ratio formula for one metered action type:
// cost = Base + PerUnit * ceil(units / UnitSize).
type ActionCost struct {
	Base     int64
	PerUnit  int64
	UnitSize int64
}

type Config struct {
	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string
	NatsHost  string
	NatsPort  string

	ApiPort    string
	ApiEnabled string
	JWTSecret  string

	// Guard policy.
	RateLimitHour     int
	RateLimitDay      int
	DedupWindow       time.Duration
	ResourceCooldown  time.Duration
	IdempotencyWindow time.Duration
	GuardFailOpen     bool

	// Tier policy table, resolved once at account creation. Creation
	// applies Free/Welcome; the monthly-reset job applies the full grant.
	Tiers       map[string]model.Grant
	DefaultTier string

	// Purchase verification.
	Catalog          map[string]int64
	PurchaseCacheTTL time.Duration

	// Metered action cost table.
	Costs map[string]ActionCost

	// Retention cleanup and reconciliation sweep.
	RetentionDays    int
	CleanupBatchSize int
	SweepParallelism int
}

// New loads and validates configuration from environment variables.
// HTTP API is optional: if TALLY_API_ENABLED != "true", ApiAddr()
// returns an error and the HTTP server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:  os.Getenv("TALLY_POSTGRES_USER"),
		DBPass:  os.Getenv("TALLY_POSTGRES_PASSWORD"),
		DBHost:  os.Getenv("TALLY_POSTGRES_HOST"),
		DBPort:  os.Getenv("TALLY_POSTGRES_PORT"),
		DBName:  os.Getenv("TALLY_POSTGRES_DB"),
		SSLMode: os.Getenv("TALLY_POSTGRES_SSLMODE"),

		RedisHost: os.Getenv("TALLY_REDIS_HOST"),
		RedisPort: os.Getenv("TALLY_REDIS_PORT"),
		NatsHost:  os.Getenv("TALLY_NATS_HOST"),
		NatsPort:  os.Getenv("TALLY_NATS_PORT"),

		ApiPort:    os.Getenv("TALLY_API_PORT"),
		ApiEnabled: os.Getenv("TALLY_API_ENABLED"),
		JWTSecret:  os.Getenv("TALLY_JWT_SECRET"),

		RateLimitHour:     getEnvInt("TALLY_RATE_LIMIT_HOUR", 12),
		RateLimitDay:      getEnvInt("TALLY_RATE_LIMIT_DAY", 60),
		DedupWindow:       getEnvDuration("TALLY_DEDUP_WINDOW", 60*time.Second),
		ResourceCooldown:  getEnvDuration("TALLY_RESOURCE_COOLDOWN", 10*time.Second),
		IdempotencyWindow: getEnvDuration("TALLY_IDEMPOTENCY_WINDOW", 60*time.Second),
		GuardFailOpen:     getEnvBool("TALLY_GUARD_FAIL_OPEN", true),

		DefaultTier: getEnvStr("TALLY_DEFAULT_TIER", "default"),

		PurchaseCacheTTL: getEnvDuration("TALLY_PURCHASE_CACHE_TTL", 24*time.Hour),

		RetentionDays:    getEnvInt("TALLY_RETENTION_DAYS", 90),
		CleanupBatchSize: getEnvInt("TALLY_CLEANUP_BATCH_SIZE", 500),
		SweepParallelism: getEnvInt("TALLY_SWEEP_PARALLELISM", 4),
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: TALLY_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: TALLY_REDIS_HOST/PORT")
	}

	var err error
	cfg.Tiers, err = parseTiers(getEnvStr("TALLY_TIERS",
		"default=20:20:100,premium=50:50:500"))
	if err != nil {
		return nil, fmt.Errorf("TALLY_TIERS: %w", err)
	}
	if _, ok := cfg.Tiers[cfg.DefaultTier]; !ok {
		return nil, fmt.Errorf("default tier %q not present in TALLY_TIERS", cfg.DefaultTier)
	}

	cfg.Catalog, err = parseCatalog(getEnvStr("TALLY_PRODUCT_CATALOG",
		"tokens_50=50,tokens_120=120,tokens_300=300"))
	if err != nil {
		return nil, fmt.Errorf("TALLY_PRODUCT_CATALOG: %w", err)
	}

	cfg.Costs, err = parseCosts(getEnvStr("TALLY_ACTION_COSTS",
		"flashcards=1:1:100,quiz=2:1:50,audio_summary=0:1:60,explain=1:0:1"))
	if err != nil {
		return nil, fmt.Errorf("TALLY_ACTION_COSTS: %w", err)
	}

	if cfg.ApiEnabled == "true" && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("TALLY_JWT_SECRET is required when TALLY_API_ENABLED=true")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	if c.NatsHost == "" || c.NatsPort == "" {
		return ""
	}
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if TALLY_API_ENABLED != "true" — callers should skip
// starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("TALLY_API_PORT is required when TALLY_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (TALLY_API_ENABLED != true)")
}

// GrantFor resolves the policy grant for a tier, falling back to the
// default tier for unknown values. Returns the resolved tier name.
func (c *Config) GrantFor(tier string) (string, model.Grant) {
	if g, ok := c.Tiers[tier]; ok {
		return tier, g
	}
	return c.DefaultTier, c.Tiers[c.DefaultTier]
}

// Retention returns the cleanup cutoff window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// parseTiers parses "name=free:welcome:monthly,..." into the tier table.
func parseTiers(s string) (map[string]model.Grant, error) {
	out := make(map[string]model.Grant)
	for _, part := range strings.Split(s, ",") {
		name, spec, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("malformed tier %q", part)
		}
		nums, err := splitInts(spec, 3)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", name, err)
		}
		out[name] = model.Grant{Free: nums[0], Welcome: nums[1], Monthly: nums[2]}
	}
	return out, nil
}

// parseCatalog parses "product_id=tokens,..." into the product catalog.
func parseCatalog(s string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, part := range strings.Split(s, ",") {
		id, spec, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("malformed product %q", part)
		}
		n, err := strconv.ParseInt(spec, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("product %q: token grant must be a positive integer", id)
		}
		out[id] = n
	}
	return out, nil
}

// parseCosts parses "action=base:perunit:unitsize,..." into the cost table.
func parseCosts(s string) (map[string]ActionCost, error) {
	out := make(map[string]ActionCost)
	for _, part := range strings.Split(s, ",") {
		name, spec, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("malformed action cost %q", part)
		}
		nums, err := splitInts(spec, 3)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", name, err)
		}
		if nums[2] <= 0 {
			return nil, fmt.Errorf("action %q: unit size must be positive", name)
		}
		out[name] = ActionCost{Base: nums[0], PerUnit: nums[1], UnitSize: nums[2]}
	}
	return out, nil
}

func splitInts(s string, n int) ([]int64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d colon-separated integers, got %q", n, s)
	}
	out := make([]int64, n)
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad integer %q", p)
		}
		out[i] = v
	}
	return out, nil
}

func getEnvStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
