// Package config reads the agent configuration from the environment and optional .env files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"claim-swarm/common"
	"claim-swarm/internal/capacity"
	"claim-swarm/internal/filter"
)

// ErrNoAccounts is returned when no account has both an email and a password.
var ErrNoAccounts = errors.New("no accounts configured")

const (
	StrategyUI     = "ui"
	StrategyDirect = "direct"

	DetectionFeed = "feed"
	DetectionPage = "page"

	CapacityPage = "page"
	CapacityHTML = "html"
)

// Account is one set of site credentials. IDs start at 1; lower ids are filled first.
type Account struct {
	ID       int
	Email    string
	Password string
}

// Kafka names the broker and topics. An empty Broker disables publishing.
type Kafka struct {
	Broker        string
	OutcomesTopic string
	EventsTopic   string
	GroupID       string
}

// Audit configures the Postgres audit log. An empty DSN disables it.
type Audit struct {
	DSN           string
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	DedupeWindow  time.Duration
}

// Config is everything cmd/agent needs.
type Config struct {
	TargetURL   string
	LoginURL    string
	FeedURL     string
	CapacityURL string
	ClaimURL    string
	NoJobsText  string

	Accounts []Account
	Filter   filter.Rules
	Caps     capacity.Caps

	PollInterval     time.Duration
	BurstInterval    time.Duration
	BurstGrace       time.Duration
	FanOut           int
	FloodCeiling     int
	CheckOnly        bool
	ClaimStrategy    string
	DetectionMode    string
	CapacitySource   string
	FeedMaxPages     int
	RunDuration      time.Duration
	ShutdownGrace    time.Duration
	AttemptTimeout   time.Duration
	ReconcileTimeout time.Duration
	TokenTTL         time.Duration
	DirectRPS        float64

	ProxyURL  string
	ProxyPool string

	Kafka       Kafka
	RedisAddr   string
	StatusTTL   time.Duration
	StatusEvery time.Duration
	Audit       Audit
	MetricsAddr string
	LogLevel    string
	Headless    bool
	SessionDir  string
	EventBuffer int
}

// LoadEnvFiles loads ENV_FILE if set, otherwise .env.local then .env. Missing files are
// ignored and variables already in the environment are never overwritten.
func LoadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// Load reads env files and the environment and validates the result.
func Load() (Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return Config{}, err
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables, applying defaults.
func FromEnv() Config {
	target := strings.TrimRight(common.GetEnv("TARGET_URL", ""), "/")
	cfg := Config{
		TargetURL:   target,
		LoginURL:    common.GetEnv("LOGIN_URL", ""),
		FeedURL:     common.GetEnv("FEED_URL", ""),
		CapacityURL: common.GetEnv("CAPACITY_URL", target),
		ClaimURL:    common.GetEnv("CLAIM_URL", ""),
		NoJobsText:  common.GetEnv("NO_JOBS_TEXT", "Looks like all tasks were picked up before you"),

		Accounts: accountsFromEnv(),
		Filter: filter.Rules{
			MinPriceSingle:        common.ParseFloat(os.Getenv("MIN_PRICE_SINGLE"), 25),
			MinPriceVariation:     common.ParseFloat(os.Getenv("MIN_PRICE_VARIATION"), 6),
			ExcludeKeywords:       common.SplitList(os.Getenv("EXCLUDE_KEYWORDS")),
			ExcludeHighComplexity: common.ParseBool(os.Getenv("EXCLUDE_HIGH_COMPLEXITY"), false),
			HighComplexityPattern: common.GetEnv("HIGH_COMPLEXITY_PATTERN", filter.DefaultHighComplexityPattern),
		},
		Caps: capacity.Caps{
			Single:  common.ParseInt(os.Getenv("CAP_SINGLE"), 0),
			Grouped: common.ParseInt(os.Getenv("CAP_GROUPED"), 0),
		},

		PollInterval:     common.ParseDuration(os.Getenv("POLL_INTERVAL"), 20*time.Second),
		BurstInterval:    common.ParseDuration(os.Getenv("BURST_INTERVAL"), time.Second),
		BurstGrace:       common.ParseDuration(os.Getenv("BURST_GRACE"), time.Minute),
		FanOut:           common.ParseInt(os.Getenv("FAN_OUT"), 5),
		FloodCeiling:     common.ParseInt(os.Getenv("FLOOD_CEILING"), 20),
		CheckOnly:        common.ParseBool(os.Getenv("CHECK_ONLY"), false),
		ClaimStrategy:    strings.ToLower(common.GetEnv("CLAIM_STRATEGY", StrategyUI)),
		DetectionMode:    strings.ToLower(common.GetEnv("DETECTION_MODE", DetectionFeed)),
		CapacitySource:   strings.ToLower(common.GetEnv("CAPACITY_SOURCE", CapacityPage)),
		FeedMaxPages:     common.ParseInt(os.Getenv("FEED_MAX_PAGES"), 3),
		RunDuration:      common.ParseDuration(os.Getenv("RUN_DURATION"), 6*time.Hour),
		ShutdownGrace:    common.ParseDuration(os.Getenv("SHUTDOWN_GRACE"), 30*time.Second),
		AttemptTimeout:   common.ParseDuration(os.Getenv("ATTEMPT_TIMEOUT"), 45*time.Second),
		ReconcileTimeout: common.ParseDuration(os.Getenv("RECONCILE_TIMEOUT"), 30*time.Second),
		TokenTTL:         common.ParseDuration(os.Getenv("TOKEN_TTL"), time.Minute),
		DirectRPS:        common.ParseFloat(os.Getenv("DIRECT_RPS"), 5),

		ProxyURL:  common.GetEnv("PROXY_URL", ""),
		ProxyPool: common.GetEnv("PROXY_POOL", ""),

		Kafka: Kafka{
			Broker:        common.GetEnv("KAFKA_BROKER", ""),
			OutcomesTopic: common.GetEnv("KAFKA_OUTCOMES_TOPIC", "claims.outcomes"),
			EventsTopic:   common.GetEnv("KAFKA_EVENTS_TOPIC", "claims.events"),
			GroupID:       common.GetEnv("KAFKA_GROUP_ID", "claim-graph-writer"),
		},
		RedisAddr:   common.GetEnv("REDIS_ADDR", ""),
		StatusTTL:   common.ParseDuration(os.Getenv("STATUS_TTL"), 24*time.Hour),
		StatusEvery: common.ParseDuration(os.Getenv("STATUS_INTERVAL"), 5*time.Second),
		Audit: Audit{
			DSN:           common.GetEnv("PG_DSN", ""),
			Table:         common.GetEnv("AUDIT_TABLE", "claim_audit"),
			BatchSize:     common.ParseInt(os.Getenv("AUDIT_BATCH_SIZE"), 25),
			FlushInterval: common.ParseDuration(os.Getenv("AUDIT_FLUSH_INTERVAL"), time.Second),
			DedupeWindow:  common.ParseDuration(os.Getenv("AUDIT_DEDUPE_WINDOW"), 6*time.Hour),
		},
		MetricsAddr: common.GetEnv("METRICS_ADDR", ":9090"),
		LogLevel:    common.GetEnv("LOG_LEVEL", "info"),
		Headless:    common.ParseBool(os.Getenv("HEADLESS"), true),
		SessionDir:  common.GetEnv("SESSION_DIR", ".sessions"),
		EventBuffer: common.ParseInt(os.Getenv("EVENT_BUFFER"), 1024),
	}
	if cfg.FeedURL == "" && target != "" {
		cfg.FeedURL = target + "/feed.json"
	}
	if cfg.ClaimURL == "" && target != "" {
		cfg.ClaimURL = target + "/{id}/claim"
	}
	return cfg
}

// accountsFromEnv reads ACCOUNT_<n>_EMAIL/PASSWORD for n in 1..ACCOUNTS. With ACCOUNTS
// unset, CG_EMAIL/CG_PASSWORD configure a single account.
func accountsFromEnv() []Account {
	n := common.ParseInt(os.Getenv("ACCOUNTS"), 0)
	if n <= 0 {
		email, password := os.Getenv("CG_EMAIL"), os.Getenv("CG_PASSWORD")
		if email == "" || password == "" {
			return nil
		}
		return []Account{{ID: 1, Email: email, Password: password}}
	}
	var out []Account
	for i := 1; i <= n; i++ {
		email := os.Getenv(fmt.Sprintf("ACCOUNT_%d_EMAIL", i))
		password := os.Getenv(fmt.Sprintf("ACCOUNT_%d_PASSWORD", i))
		if email == "" || password == "" {
			continue
		}
		out = append(out, Account{ID: i, Email: email, Password: password})
	}
	return out
}

// AccountIDs lists the configured ids in ascending order.
func (c Config) AccountIDs() []int {
	ids := make([]int, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		ids = append(ids, a.ID)
	}
	return ids
}

// ListingURL is where jobs are shown; detail pages live under it.
func (c Config) ListingURL() string {
	return c.TargetURL
}

// Validate rejects configurations the agent cannot run with.
func (c Config) Validate() error {
	if len(c.Accounts) == 0 {
		return ErrNoAccounts
	}
	if c.TargetURL == "" {
		return errors.New("TARGET_URL is required")
	}
	if _, err := url.ParseRequestURI(c.TargetURL); err != nil {
		return fmt.Errorf("invalid TARGET_URL: %w", err)
	}
	if c.LoginURL == "" {
		return errors.New("LOGIN_URL is required")
	}
	switch c.ClaimStrategy {
	case StrategyUI, StrategyDirect:
	default:
		return fmt.Errorf("unknown CLAIM_STRATEGY %q", c.ClaimStrategy)
	}
	switch c.DetectionMode {
	case DetectionFeed, DetectionPage:
	default:
		return fmt.Errorf("unknown DETECTION_MODE %q", c.DetectionMode)
	}
	switch c.CapacitySource {
	case CapacityPage, CapacityHTML:
	default:
		return fmt.Errorf("unknown CAPACITY_SOURCE %q", c.CapacitySource)
	}
	if c.FanOut < 1 {
		return fmt.Errorf("FAN_OUT must be positive, got %d", c.FanOut)
	}
	if c.FloodCeiling < 1 {
		return fmt.Errorf("FLOOD_CEILING must be positive, got %d", c.FloodCeiling)
	}
	if c.PollInterval <= 0 || c.BurstInterval <= 0 {
		return errors.New("poll intervals must be positive")
	}
	if _, err := filter.NewEngine(c.Filter); err != nil {
		return err
	}
	return nil
}
