package settled

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settled.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	PoolsPath     string          `yaml:"pools"`
	PoliciesPath  string          `yaml:"policies"`
	PauseOnStart  bool            `yaml:"pause"`
	Database      DatabaseConfig  `yaml:"database"`
	Vaults        VaultConfig     `yaml:"vaults"`
	Roles         RoleConfig      `yaml:"roles"`
	Auction       AuctionConfig   `yaml:"auction"`
	Yield         YieldConfig     `yaml:"yield"`
	Staking       StakingConfig   `yaml:"staking"`
	Transfer      TransferConfig  `yaml:"transfer"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Schedule      ScheduleConfig  `yaml:"schedule"`
	Export        ExportConfig    `yaml:"export"`
	Logging       LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig selects the ledger backend. A Postgres DSN selects Postgres;
// Path opens a SQLite file. The schema is migrated on open.
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
	Path   string `yaml:"path"`
}

// VaultConfig names the accounts transfers are paid from.
type VaultConfig struct {
	Escrow   string `yaml:"escrow"`
	Treasury string `yaml:"treasury"`
	Staking  string `yaml:"staking"`
}

// RoleConfig names the accounts credited for non-creator payout roles.
type RoleConfig struct {
	DAO      string `yaml:"dao"`
	Platform string `yaml:"platform"`
	Referrer string `yaml:"referrer"`
}

// AuctionConfig tunes the auction registry.
type AuctionConfig struct {
	AllowSelfBid bool `yaml:"allow_self_bid"`
}

// YieldConfig tunes the yield ledger.
type YieldConfig struct {
	Cooldown Duration `yaml:"cooldown"`
}

// StakingConfig tunes the stake pool aggregator.
type StakingConfig struct {
	Parallelism int `yaml:"parallelism"`
}

// TransferConfig points at the external transfer capability.
type TransferConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	APIKey         string   `yaml:"api_key"`
	APIKeyFile     string   `yaml:"api_key_file"`
	APIKeyEnv      string   `yaml:"api_key_env"`
	Timeout        Duration `yaml:"timeout"`
	RetryBudget    int      `yaml:"retry_budget"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
}

// AuthConfig configures JWT verification for the API.
type AuthConfig struct {
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	ScopeClaim     string   `yaml:"scope_claim"`
	ClockSkew      Duration `yaml:"clock_skew"`
	// StreamOrigins lists websocket origin patterns accepted by the event stream.
	StreamOrigins []string `yaml:"stream_origins"`
}

// RateLimitConfig bounds request rates per caller.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// ScheduleConfig holds cron specs for background jobs. An empty spec
// disables the job.
type ScheduleConfig struct {
	Accrual    string `yaml:"accrual"`
	Sweep      string `yaml:"sweep"`
	Export     string `yaml:"export"`
	DisableAll bool   `yaml:"disable"`
}

// ExportConfig configures the compliance export.
type ExportConfig struct {
	Directory string `yaml:"directory"`
	Parquet   bool   `yaml:"parquet"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := cfg.Transfer.normalise(); err != nil {
		return cfg, fmt.Errorf("transfer: %w", err)
	}
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Vaults.Escrow == "" {
		cfg.Vaults.Escrow = "escrow"
	}
	if cfg.Vaults.Treasury == "" {
		cfg.Vaults.Treasury = "treasury"
	}
	if cfg.Vaults.Staking == "" {
		cfg.Vaults.Staking = "stake-vault"
	}
	if cfg.Yield.Cooldown.Duration == 0 {
		cfg.Yield.Cooldown.Duration = 7 * 24 * time.Hour
	}
	if cfg.Staking.Parallelism <= 0 {
		cfg.Staking.Parallelism = 4
	}
	if cfg.Transfer.Timeout.Duration == 0 {
		cfg.Transfer.Timeout.Duration = 10 * time.Second
	}
	if cfg.Transfer.RetryBudget <= 0 {
		cfg.Transfer.RetryBudget = 3
	}
	if cfg.Transfer.ConfirmTimeout.Duration == 0 {
		cfg.Transfer.ConfirmTimeout.Duration = 10 * time.Minute
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 50
	}
	if !cfg.Schedule.DisableAll {
		if cfg.Schedule.Accrual == "" {
			cfg.Schedule.Accrual = "@every 1h"
		}
		if cfg.Schedule.Sweep == "" {
			cfg.Schedule.Sweep = "@every 30s"
		}
		if cfg.Schedule.Export == "" && cfg.Export.Directory != "" {
			cfg.Schedule.Export = "0 2 * * *"
		}
	}
}

func validateConfig(cfg Config) error {
	if cfg.Database.DSN == "" && cfg.Database.Path == "" {
		return fmt.Errorf("database dsn or path must be configured")
	}
	if strings.TrimSpace(cfg.Transfer.Endpoint) == "" {
		return fmt.Errorf("transfer endpoint must be configured")
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac_secret must be configured")
	}
	if len(cfg.Auth.HMACSecret) < 32 {
		return fmt.Errorf("auth hmac_secret must be at least 32 bytes")
	}
	if strings.TrimSpace(cfg.Roles.DAO) == "" || strings.TrimSpace(cfg.Roles.Platform) == "" {
		return fmt.Errorf("roles.dao and roles.platform must be configured")
	}
	if cfg.Yield.Cooldown.Duration < 0 {
		return fmt.Errorf("yield cooldown must be non-negative")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit must be non-negative")
	}
	for name, spec := range map[string]string{
		"accrual": cfg.Schedule.Accrual,
		"sweep":   cfg.Schedule.Sweep,
		"export":  cfg.Schedule.Export,
	} {
		if spec == "" {
			continue
		}
		if _, err := scheduleParser.Parse(spec); err != nil {
			return fmt.Errorf("schedule.%s: %w", name, err)
		}
	}
	if cfg.Schedule.Export != "" && cfg.Export.Directory == "" {
		return fmt.Errorf("export.directory must be configured when the export job is scheduled")
	}
	return nil
}

// secret resolves an inline value, an environment variable, or a file.
func secret(inline, env, file string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if env = strings.TrimSpace(env); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return "", fmt.Errorf("environment variable %s is empty", env)
		}
		return value, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func (d *DatabaseConfig) normalise() error {
	dsn, err := secret(d.DSN, d.DSNEnv, "")
	if err != nil {
		return err
	}
	d.DSN = dsn
	d.Path = strings.TrimSpace(d.Path)
	return nil
}

func (t *TransferConfig) normalise() error {
	t.Endpoint = strings.TrimSpace(t.Endpoint)
	key, err := secret(t.APIKey, t.APIKeyEnv, t.APIKeyFile)
	if err != nil {
		return fmt.Errorf("api key: %w", err)
	}
	t.APIKey = key
	return nil
}

func (a *AuthConfig) normalise() error {
	value, err := secret(a.HMACSecret, a.HMACSecretEnv, a.HMACSecretFile)
	if err != nil {
		return fmt.Errorf("hmac secret: %w", err)
	}
	a.HMACSecret = value
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}

// LedgerDSN returns the DSN handed to the ledger store.
func (d DatabaseConfig) LedgerDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return d.Path
}
