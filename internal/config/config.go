package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Consensus    ConsensusConfig    `yaml:"consensus" mapstructure:"consensus"`
	Dedup        DedupConfig        `yaml:"dedup" mapstructure:"dedup"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Lock         LockConfig         `yaml:"lock" mapstructure:"lock"`
	Signals      SignalsConfig      `yaml:"signals" mapstructure:"signals"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ConsensusConfig configures field arbitration.
type ConsensusConfig struct {
	AutoAssignThreshold float64     `yaml:"auto_assign_threshold" mapstructure:"auto_assign_threshold"`
	AutoConsensus       bool        `yaml:"auto_consensus" mapstructure:"auto_consensus"`
	SingleSourceCap     float64     `yaml:"single_source_cap" mapstructure:"single_source_cap"`
	ConflictPenalty     float64     `yaml:"conflict_penalty" mapstructure:"conflict_penalty"`
	AuthoritativeTrust  float64     `yaml:"authoritative_trust" mapstructure:"authoritative_trust"`
	TrustFile           string      `yaml:"trust_file" mapstructure:"trust_file"`
	Decay               DecayConfig `yaml:"decay" mapstructure:"decay"`
}

// DecayConfig selects the recency decay curve applied to evidence weight.
// Curve is one of "none", "exponential" or "linear".
type DecayConfig struct {
	Curve        string  `yaml:"curve" mapstructure:"curve"`
	HalfLifeDays float64 `yaml:"half_life_days" mapstructure:"half_life_days"`
	HorizonDays  float64 `yaml:"horizon_days" mapstructure:"horizon_days"`
	Floor        float64 `yaml:"floor" mapstructure:"floor"`
}

// DedupConfig configures the duplicate candidate sweep.
type DedupConfig struct {
	MinSignatureSize     int     `yaml:"min_signature_size" mapstructure:"min_signature_size"`
	CommonMediaCap       int     `yaml:"common_media_cap" mapstructure:"common_media_cap"`
	GeoRadiusMeters      float64 `yaml:"geo_radius_meters" mapstructure:"geo_radius_meters"`
	SessionWindowMinutes int     `yaml:"session_window_minutes" mapstructure:"session_window_minutes"`
	DateSlackDays        int     `yaml:"date_slack_days" mapstructure:"date_slack_days"`
	GroupLimit           int     `yaml:"group_limit" mapstructure:"group_limit"`
}

// OrchestratorConfig configures job leasing and source health.
type OrchestratorConfig struct {
	WorkerID          string `yaml:"worker_id" mapstructure:"worker_id"`
	LeaseTimeoutSecs  int    `yaml:"lease_timeout_secs" mapstructure:"lease_timeout_secs"`
	MaxAttempts       int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	PollIntervalMs    int    `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	FailingThreshold  int    `yaml:"failing_threshold" mapstructure:"failing_threshold"`
	StaleAfterHours   int    `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	ReapIntervalSecs  int    `yaml:"reap_interval_secs" mapstructure:"reap_interval_secs"`
	Parallelism       int    `yaml:"parallelism" mapstructure:"parallelism"`
	RetryBackoffMs    int    `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RetryMaxBackoffMs int    `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	BreakerThreshold  int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// LockConfig selects the per-key lock backend used to serialize recomputation.
type LockConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"`
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr"`
	TTLMs     int    `yaml:"ttl_ms" mapstructure:"ttl_ms"`
}

// SignalsConfig configures the fact signal resolver.
type SignalsConfig struct {
	FreshDays int `yaml:"fresh_days" mapstructure:"fresh_days"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CONSENSUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("consensus.auto_assign_threshold", 70)
	v.SetDefault("consensus.auto_consensus", true)
	v.SetDefault("consensus.single_source_cap", 60)
	v.SetDefault("consensus.conflict_penalty", 0.25)
	v.SetDefault("consensus.decay.curve", "none")
	v.SetDefault("consensus.decay.half_life_days", 365)
	v.SetDefault("consensus.decay.horizon_days", 730)
	v.SetDefault("consensus.decay.floor", 0.2)
	v.SetDefault("dedup.min_signature_size", 10)
	v.SetDefault("dedup.common_media_cap", 5)
	v.SetDefault("dedup.geo_radius_meters", 250)
	v.SetDefault("dedup.session_window_minutes", 120)
	v.SetDefault("dedup.date_slack_days", 1)
	v.SetDefault("dedup.group_limit", 50)
	v.SetDefault("orchestrator.lease_timeout_secs", 900)
	v.SetDefault("orchestrator.max_attempts", 3)
	v.SetDefault("orchestrator.poll_interval_ms", 1000)
	v.SetDefault("orchestrator.failing_threshold", 3)
	v.SetDefault("orchestrator.stale_after_hours", 48)
	v.SetDefault("orchestrator.reap_interval_secs", 60)
	v.SetDefault("orchestrator.parallelism", 4)
	v.SetDefault("orchestrator.retry_backoff_ms", 30000)
	v.SetDefault("orchestrator.retry_max_backoff_ms", 3600000)
	v.SetDefault("orchestrator.breaker_threshold", 5)
	v.SetDefault("orchestrator.breaker_reset_secs", 300)
	v.SetDefault("lock.driver", "local")
	v.SetDefault("lock.ttl_ms", 5000)
	v.SetDefault("signals.fresh_days", 7)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that defaults cannot express.
func (c *Config) Validate() error {
	switch c.Consensus.Decay.Curve {
	case "", "none", "exponential", "linear":
	default:
		return eris.Errorf("config: unknown decay curve %q", c.Consensus.Decay.Curve)
	}
	if c.Consensus.AutoAssignThreshold < 0 || c.Consensus.AutoAssignThreshold > 100 {
		return eris.Errorf("config: auto_assign_threshold %.1f outside [0,100]", c.Consensus.AutoAssignThreshold)
	}
	switch c.Lock.Driver {
	case "", "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return eris.New("config: lock.redis_addr is required for the redis lock driver")
		}
	default:
		return eris.Errorf("config: unknown lock driver %q", c.Lock.Driver)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
