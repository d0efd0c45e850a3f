package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"pinecone-agent/internal/flow"
	"pinecone-agent/internal/integrations/line"
	"pinecone-agent/internal/intent"
	"pinecone-agent/internal/knowledge"
	"pinecone-agent/internal/lock"
	"pinecone-agent/internal/memory"
	"pinecone-agent/internal/oracle"
	"pinecone-agent/internal/scheduler"
	"pinecone-agent/internal/usecase"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the buffering scheduler and the outbound delivery loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, v)
		},
	}
}

func serve(ctx context.Context, v *viper.Viper) error {
	cfg, logger, err := loadConfig(v)
	if err != nil {
		return err
	}
	comp, err := newComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := comp.Close(); err != nil {
			logger.Warn("close components", "err", err)
		}
	}()

	kb, err := knowledge.Load(cfg.Knowledge)
	if err != nil {
		return err
	}
	store, err := comp.store(ctx, kb)
	if err != nil {
		return err
	}
	llm, err := comp.llm()
	if err != nil {
		return err
	}

	judge, err := oracle.New(llm, oracle.WithMaxAttempts(cfg.Flow.MaxAttempts), oracle.WithLogger(logger))
	if err != nil {
		return err
	}
	classifier, err := intent.New(llm, kb.Labels(), intent.WithMaxAttempts(cfg.Intent.MaxAttempts), intent.WithLogger(logger))
	if err != nil {
		return err
	}
	gen, err := flow.NewGenerator(llm, comp.persona())
	if err != nil {
		return err
	}
	policy, err := flow.ParseOracleFailure(cfg.Flow.OracleFailure)
	if err != nil {
		return err
	}
	shared, err := comp.redisLock(ctx)
	if err != nil {
		return err
	}
	var userLock flow.Locker = lock.NewLocal()
	if shared != nil {
		userLock = shared
	}
	engine, err := flow.NewEngine(store, judge, classifier, kb, gen,
		flow.WithCache(cfg.Flow.CacheSize, cfg.Flow.CacheTTL),
		flow.WithHistoryLimit(cfg.Flow.HistoryLimit),
		flow.WithOracleFailure(policy),
		flow.WithLocker(userLock),
		flow.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	deps := usecase.Deps{
		Store:   store,
		Flow:    engine,
		Intents: classifier,
		LLM:     llm,
		Pacer:   comp.pacer(),
	}
	if cfg.Memory.Enabled {
		mgr, err := memory.NewManager(store, llm, classifier,
			memory.WithTopicThreshold(cfg.Memory.TopicThreshold),
			memory.WithForgetThreshold(cfg.Memory.ForgetThreshold),
			memory.WithTopK(cfg.Memory.TopTopics, cfg.Memory.TopPerTopic),
			memory.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		sum, err := memory.NewSummarizer(llm, llm,
			memory.WithTokenLimit(cfg.Summary.TokenLimit),
			memory.WithMaxPartials(cfg.Summary.MaxPartials),
		)
		if err != nil {
			return err
		}
		deps.Memory, deps.Summarizer = mgr, sum
	}

	svc, err := usecase.NewReplyService(deps, comp.persona(),
		usecase.WithLogger(logger),
		usecase.WithHistory(cfg.Persona.HistoryRows, cfg.Persona.HistoryTurns),
		usecase.WithReplyTokenTTL(cfg.Persona.ReplyTokenTTL),
		usecase.WithFallbackReply(cfg.Persona.FallbackReply),
	)
	if err != nil {
		return err
	}

	schedOpts := []scheduler.Option{
		scheduler.WithWindow(cfg.Buffer.Window),
		scheduler.WithTick(cfg.Buffer.Tick),
		scheduler.WithWorkers(cfg.Buffer.Workers),
		scheduler.WithTaskTimeout(cfg.Buffer.TaskTimeout),
		scheduler.WithLogger(logger),
	}
	if shared != nil {
		schedOpts = append(schedOpts, scheduler.WithLocker(shared))
	}
	sched, err := scheduler.New(store, svc, schedOpts...)
	if err != nil {
		return err
	}
	defer sched.Close()

	sender, err := line.NewClient(comp.secrets, cfg.SecretPrefix())
	if err != nil {
		return fmt.Errorf("create LINE client: %w", err)
	}
	deliverer, err := scheduler.NewDeliverer(store, sender,
		scheduler.WithDeliveryTick(cfg.Delivery.Tick),
		scheduler.WithMaxPerTick(cfg.Delivery.MaxPerTick),
		scheduler.WithDeliveryLogger(logger),
	)
	if err != nil {
		return err
	}

	logger.Info("serving",
		"backend", cfg.Store.Backend,
		"provider", cfg.LLM.Provider,
		"window", cfg.Buffer.Window,
		"workers", cfg.Buffer.Workers,
		"memory", cfg.Memory.Enabled,
		"shared_lock", shared != nil,
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return deliverer.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
