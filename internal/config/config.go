// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "PINECONE"

	localPrefix = "/local"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendMySQL    = "mysql"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds all application configuration.
type Config struct {
	ParamPrefix string
	// Secrets stands in for Parameter Store when ParamPrefix is empty. Keys
	// are parameter names relative to the prefix, e.g. "open-ai-token".
	Secrets   map[string]string
	AWSRegion string
	Logging   LoggingConfig
	Store     StoreConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Buffer    BufferConfig
	Delivery  DeliveryConfig
	Pacing    PacingConfig
	Flow      FlowConfig
	Intent    IntentConfig
	Memory    MemoryConfig
	Summary   SummaryConfig
	Persona   PersonaConfig
	Knowledge string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type StoreConfig struct {
	Backend string
	Table   string
	MySQL   MySQLConfig
}

type MySQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig enables the cross-process dispatch lease when Addr is set.
type RedisConfig struct {
	Addr     string
	DB       int
	LeaseTTL time.Duration
}

type LLMConfig struct {
	Provider       string
	Model          string
	EmbeddingModel string
	BaseURL        string
	Temperature    float64
}

type BufferConfig struct {
	Window      time.Duration
	Tick        time.Duration
	Workers     int
	TaskTimeout time.Duration
}

type DeliveryConfig struct {
	Tick       time.Duration
	MaxPerTick int
}

type PacingConfig struct {
	BaseProbability float64
	GrowthRate      float64
	TypingPerChar   time.Duration
	// Seed of zero seeds from the clock.
	Seed int64
}

type FlowConfig struct {
	CacheSize     int
	CacheTTL      time.Duration
	HistoryLimit  int
	OracleFailure string
	MaxAttempts   int
}

type IntentConfig struct {
	MaxAttempts int
}

type MemoryConfig struct {
	Enabled         bool
	TopicThreshold  float64
	ForgetThreshold float64
	TopTopics       int
	TopPerTopic     int
}

type SummaryConfig struct {
	TokenLimit  int
	MaxPartials int
}

type PersonaConfig struct {
	Prompt        string
	FallbackReply string
	ReplyTokenTTL time.Duration
	HistoryRows   int
	HistoryTurns  int
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("aws_region", "")
	v.SetDefault("param_prefix", "")
	v.SetDefault("store.backend", BackendDynamoDB)
	v.SetDefault("store.table", "pinecone-agent")
	v.SetDefault("store.mysql.max_open_conns", 10)
	v.SetDefault("store.mysql.max_idle_conns", 5)
	v.SetDefault("store.mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lease_ttl", 5*time.Minute)
	v.SetDefault("llm.provider", ProviderOpenAI)
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.embedding_model", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("buffer.window", 5*time.Second)
	v.SetDefault("buffer.tick", time.Second)
	v.SetDefault("buffer.workers", 16)
	v.SetDefault("buffer.task_timeout", 2*time.Minute)
	v.SetDefault("delivery.tick", time.Second)
	v.SetDefault("delivery.max_per_tick", 100)
	v.SetDefault("pacing.base_probability", 0.2)
	v.SetDefault("pacing.growth_rate", 0.25)
	v.SetDefault("pacing.typing_per_char", 1300*time.Millisecond)
	v.SetDefault("pacing.seed", 0)
	v.SetDefault("flow.cache_size", 1024)
	v.SetDefault("flow.cache_ttl", 30*time.Minute)
	v.SetDefault("flow.history_limit", 10)
	v.SetDefault("flow.oracle_failure", "defer")
	v.SetDefault("oracle.max_attempts", 3)
	v.SetDefault("intent.max_attempts", 3)
	v.SetDefault("memory.enabled", true)
	v.SetDefault("memory.topic_threshold", 0.8)
	v.SetDefault("memory.forget_threshold", 0.1)
	v.SetDefault("memory.top_topics", 3)
	v.SetDefault("memory.top_per_topic", 3)
	v.SetDefault("summary.token_limit", 1000)
	v.SetDefault("summary.max_partials", 4)
	v.SetDefault("persona.prompt", "")
	v.SetDefault("persona.fallback_reply", "")
	v.SetDefault("persona.reply_token_ttl", time.Minute)
	v.SetDefault("persona.history_rows", 50)
	v.SetDefault("persona.history_turns", 10)
	v.SetDefault("knowledge.path", "configs/knowledge.yaml")
}

// Init prepares v the way every command uses it: defaults, PINECONE_*
// environment variables, a .env file when present and an optional config
// file.
func Init(v *viper.Viper, configFile string) error {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	configFile = strings.TrimSpace(configFile)
	if configFile == "" {
		return nil
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", configFile, err)
	}
	return nil
}

// Load reads a Config from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ParamPrefix: strings.TrimSpace(v.GetString("param_prefix")),
		Secrets:     v.GetStringMapString("secrets"),
		AWSRegion:   strings.TrimSpace(v.GetString("aws_region")),
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(strings.TrimSpace(v.GetString("store.backend"))),
			Table:   strings.TrimSpace(v.GetString("store.table")),
			MySQL: MySQLConfig{
				MaxOpenConns:    v.GetInt("store.mysql.max_open_conns"),
				MaxIdleConns:    v.GetInt("store.mysql.max_idle_conns"),
				ConnMaxLifetime: v.GetDuration("store.mysql.conn_max_lifetime"),
			},
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(v.GetString("redis.addr")),
			DB:       v.GetInt("redis.db"),
			LeaseTTL: v.GetDuration("redis.lease_ttl"),
		},
		LLM: LLMConfig{
			Provider:       strings.ToLower(strings.TrimSpace(v.GetString("llm.provider"))),
			Model:          strings.TrimSpace(v.GetString("llm.model")),
			EmbeddingModel: strings.TrimSpace(v.GetString("llm.embedding_model")),
			BaseURL:        strings.TrimSpace(v.GetString("llm.base_url")),
			Temperature:    v.GetFloat64("llm.temperature"),
		},
		Buffer: BufferConfig{
			Window:      v.GetDuration("buffer.window"),
			Tick:        v.GetDuration("buffer.tick"),
			Workers:     v.GetInt("buffer.workers"),
			TaskTimeout: v.GetDuration("buffer.task_timeout"),
		},
		Delivery: DeliveryConfig{
			Tick:       v.GetDuration("delivery.tick"),
			MaxPerTick: v.GetInt("delivery.max_per_tick"),
		},
		Pacing: pacingConfig(v),
		Flow: FlowConfig{
			CacheSize:     v.GetInt("flow.cache_size"),
			CacheTTL:      v.GetDuration("flow.cache_ttl"),
			HistoryLimit:  v.GetInt("flow.history_limit"),
			OracleFailure: v.GetString("flow.oracle_failure"),
			MaxAttempts:   v.GetInt("oracle.max_attempts"),
		},
		Intent: IntentConfig{
			MaxAttempts: v.GetInt("intent.max_attempts"),
		},
		Memory: MemoryConfig{
			Enabled:         v.GetBool("memory.enabled"),
			TopicThreshold:  v.GetFloat64("memory.topic_threshold"),
			ForgetThreshold: v.GetFloat64("memory.forget_threshold"),
			TopTopics:       v.GetInt("memory.top_topics"),
			TopPerTopic:     v.GetInt("memory.top_per_topic"),
		},
		Summary: SummaryConfig{
			TokenLimit:  v.GetInt("summary.token_limit"),
			MaxPartials: v.GetInt("summary.max_partials"),
		},
		Persona: PersonaConfig{
			Prompt:        v.GetString("persona.prompt"),
			FallbackReply: v.GetString("persona.fallback_reply"),
			ReplyTokenTTL: v.GetDuration("persona.reply_token_ttl"),
			HistoryRows:   v.GetInt("persona.history_rows"),
			HistoryTurns:  v.GetInt("persona.history_turns"),
		},
		Knowledge: strings.TrimSpace(v.GetString("knowledge.path")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadPacing reads only the pacing section, for commands that need nothing
// else.
func LoadPacing(v *viper.Viper) (PacingConfig, error) {
	c := pacingConfig(v)
	if err := c.Validate(); err != nil {
		return PacingConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func pacingConfig(v *viper.Viper) PacingConfig {
	return PacingConfig{
		BaseProbability: v.GetFloat64("pacing.base_probability"),
		GrowthRate:      v.GetFloat64("pacing.growth_rate"),
		TypingPerChar:   v.GetDuration("pacing.typing_per_char"),
		Seed:            v.GetInt64("pacing.seed"),
	}
}

func (c PacingConfig) Validate() error {
	var errs []error
	if c.BaseProbability <= 0 || c.BaseProbability > 1 {
		errs = append(errs, errors.New("pacing.base_probability must be in (0, 1]"))
	}
	if c.GrowthRate < 0 {
		errs = append(errs, errors.New("pacing.growth_rate must be >= 0"))
	}
	return errors.Join(errs...)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendDynamoDB:
		if c.Store.Table == "" {
			errs = append(errs, errors.New("store.table cannot be empty for the dynamodb backend"))
		}
	case BackendMySQL:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of dynamodb, mysql", c.Store.Backend))
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not one of openai, gemini", c.LLM.Provider))
	}
	if c.ParamPrefix == "" && len(c.Secrets) == 0 {
		errs = append(errs, errors.New("either param_prefix or secrets must be set"))
	}
	if c.Buffer.Window <= 0 {
		errs = append(errs, errors.New("buffer.window must be > 0"))
	}
	if c.Buffer.Tick <= 0 {
		errs = append(errs, errors.New("buffer.tick must be > 0"))
	}
	if c.Buffer.Workers <= 0 {
		errs = append(errs, errors.New("buffer.workers must be > 0"))
	}
	if c.Delivery.Tick <= 0 {
		errs = append(errs, errors.New("delivery.tick must be > 0"))
	}
	if err := c.Pacing.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Flow.OracleFailure)) {
	case "", "defer", "fallback":
	default:
		errs = append(errs, fmt.Errorf("flow.oracle_failure %q is not one of defer, fallback", c.Flow.OracleFailure))
	}
	if c.Knowledge == "" {
		errs = append(errs, errors.New("knowledge.path cannot be empty"))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SecretPrefix is the parameter prefix secrets are resolved under.
func (c *Config) SecretPrefix() string {
	if c.ParamPrefix == "" {
		return localPrefix
	}
	return strings.TrimRight(c.ParamPrefix, "/")
}

// StaticSecrets returns the configured secrets keyed by full parameter name.
func (c *Config) StaticSecrets() map[string]string {
	out := make(map[string]string, len(c.Secrets))
	for name, v := range c.Secrets {
		out[localPrefix+"/"+strings.Trim(name, "/")] = v
	}
	return out
}
