package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"pinecone-agent/handler"
	"pinecone-agent/internal/config"
	"pinecone-agent/internal/domain"
	"pinecone-agent/internal/flow"
	"pinecone-agent/internal/integrations/gemini"
	"pinecone-agent/internal/integrations/openai"
	"pinecone-agent/internal/integrations/paramstore"
	"pinecone-agent/internal/knowledge"
	"pinecone-agent/internal/lock"
	"pinecone-agent/internal/memory"
	"pinecone-agent/internal/pacing"
	"pinecone-agent/internal/repository"
	"pinecone-agent/internal/repository/sqlstore"
	"pinecone-agent/internal/scheduler"
	"pinecone-agent/internal/usecase"
)

// rowStore is everything the service needs from a storage backend. Both
// repository.Client and sqlstore.Store implement it.
type rowStore interface {
	handler.Inbox
	scheduler.Inbox
	scheduler.Outbox
	usecase.Store
	flow.StateStore
	memory.Store
}

type llmClient interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
	Embed(ctx context.Context, text string) ([]float64, error)
}

// components builds and owns the process-wide clients.
type components struct {
	cfg     *config.Config
	logger  *slog.Logger
	secrets paramstore.Getter
	closers []func() error

	awsCfg    aws.Config
	awsLoaded bool
}

func newComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{cfg: cfg, logger: logger}
	if cfg.ParamPrefix == "" {
		logger.Info("using static secrets from configuration")
		c.secrets = paramstore.Static(cfg.StaticSecrets())
		return c, nil
	}
	awsCfg, err := c.aws(ctx)
	if err != nil {
		return nil, err
	}
	ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("create SSM client: %w", err)
	}
	c.secrets = ps
	return c, nil
}

func (c *components) aws(ctx context.Context) (aws.Config, error) {
	if c.awsLoaded {
		return c.awsCfg, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if c.cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(c.cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	c.awsCfg, c.awsLoaded = awsCfg, true
	return awsCfg, nil
}

// store opens the configured backend. kb may be nil when no live tables are
// read.
func (c *components) store(ctx context.Context, kb *knowledge.Base) (rowStore, error) {
	switch c.cfg.Store.Backend {
	case config.BackendMySQL:
		dsn, err := paramstore.Token(ctx, c.secrets, c.cfg.SecretPrefix()+"/mysql-dsn")
		if err != nil {
			return nil, fmt.Errorf("resolve MySQL DSN: %w", err)
		}
		var opts []sqlstore.Option
		if kb != nil {
			for table, cols := range kb.Tables() {
				opts = append(opts, sqlstore.WithLiveTable(table, cols...))
			}
		}
		st, err := sqlstore.Open(ctx, dsn, sqlstore.PoolConfig{
			MaxOpenConns:    c.cfg.Store.MySQL.MaxOpenConns,
			MaxIdleConns:    c.cfg.Store.MySQL.MaxIdleConns,
			ConnMaxLifetime: c.cfg.Store.MySQL.ConnMaxLifetime,
		}, opts...)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, st.Close)
		return st, nil
	default:
		awsCfg, err := c.aws(ctx)
		if err != nil {
			return nil, err
		}
		st, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), c.cfg.Store.Table)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

func (c *components) llm() (llmClient, error) {
	prefix := c.cfg.SecretPrefix()
	switch c.cfg.LLM.Provider {
	case config.ProviderGemini:
		client, err := gemini.NewClient(c.secrets, prefix,
			gemini.WithModel(c.cfg.LLM.Model),
			gemini.WithEmbeddingModel(c.cfg.LLM.EmbeddingModel),
			gemini.WithTemperature(float32(c.cfg.LLM.Temperature)),
		)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		opts := []openai.Option{
			openai.WithModel(c.cfg.LLM.Model),
			openai.WithEmbeddingModel(c.cfg.LLM.EmbeddingModel),
			openai.WithTemperature(c.cfg.LLM.Temperature),
		}
		if c.cfg.LLM.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.cfg.LLM.BaseURL))
		}
		client, err := openai.NewClient(c.secrets, prefix, opts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// redisLock returns the Redis lease lock when Redis is configured, nil
// otherwise.
func (c *components) redisLock(ctx context.Context) (*lock.Redis, error) {
	if c.cfg.Redis.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: c.cfg.Redis.Addr, DB: c.cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", c.cfg.Redis.Addr, err)
	}
	c.closers = append(c.closers, rdb.Close)
	return lock.NewRedis(rdb, lock.WithLeaseTTL(c.cfg.Redis.LeaseTTL))
}

func (c *components) pacer() *pacing.Simulator {
	return newPacer(c.cfg.Pacing)
}

func newPacer(pc config.PacingConfig) *pacing.Simulator {
	seed := pc.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return pacing.New(rand.New(rand.NewSource(seed)),
		pacing.WithBaseProbability(pc.BaseProbability),
		pacing.WithGrowthRate(pc.GrowthRate),
		pacing.WithTypingPerChar(pc.TypingPerChar),
	)
}

func (c *components) persona() string {
	if c.cfg.Persona.Prompt != "" {
		return c.cfg.Persona.Prompt
	}
	return usecase.DefaultPersona
}

func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}
