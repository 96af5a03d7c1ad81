package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"mining-settlement/config"
	"mining-settlement/ownership"
	"mining-settlement/payhash"
	"mining-settlement/settlement"
	"mining-settlement/util"
)

type Server struct {
	cfg      *config.Config
	postgres *Postgres
	redis    *Redis

	provider  *Provider
	resolver  *ownership.Resolver
	harvester *Harvester
	flusher   *payhash.Flusher
	rotator   *payhash.Rotator
	machines  map[string]*settlement.Machine

	scheduler *Scheduler
	debugger  *Debugger
}

// NewServer connects the stores and builds every component. Nothing runs until Start.
func NewServer(cfg *config.Config) (*Server, error) {
	postgres, err := NewPostgres(cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if err := postgres.CreateSchema(context.Background()); err != nil {
		postgres.Close()
		return nil, fmt.Errorf("unable to create schema: %w", err)
	}
	redis, err := NewRedis(cfg.Redis)
	if err != nil {
		postgres.Close()
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		postgres:  postgres,
		redis:     redis,
		provider:  NewProvider(cfg.Provider),
		machines:  make(map[string]*settlement.Machine),
		scheduler: NewScheduler(cfg.Threads),
	}

	s.resolver = ownership.NewResolver(postgres, ownership.Config{
		Prefix:         cfg.Ownership.WorkerPrefix,
		AllowSynthetic: cfg.Ownership.AllowSynthetic,
		MaxStaleness:   util.MustParseDuration(cfg.Ownership.MaxStaleness),
		CacheSize:      cfg.Ownership.CacheSize,
		CacheTTL:       util.MustParseDuration(cfg.Ownership.CacheTTL),
	})

	bucketSize := util.MustParseDuration(cfg.Payhash.BucketSize)
	buffer := payhash.NewBuffer(redis.Client, redis.Prefix)
	accumulator := payhash.NewAccumulator(payhash.AccumulatorConfig{
		BucketSize:     bucketSize,
		Interval:       util.MustParseDuration(cfg.Harvester.Interval),
		UnitDivisor:    cfg.Payhash.UnitDivisor,
		RequireTrusted: cfg.Payhash.RequireTrusted,
	}, buffer, s.resolver)
	s.flusher = payhash.NewFlusher(buffer, postgres, bucketSize, cfg.Payhash.FlushRetries)
	s.rotator = payhash.NewRotator(postgres, cfg.Payhash.PartitionsAhead, cfg.Payhash.RetentionDays)

	var accounts []*config.Account
	for _, a := range cfg.Accounts {
		if a.Enabled {
			accounts = append(accounts, a)
		}
	}
	s.harvester = NewHarvester(HarvesterConfig{
		RateField:   cfg.Harvester.RateField,
		MaxShareAge: util.MustParseDuration(cfg.Harvester.MaxShareAge),
		CacheTTL:    util.MustParseDuration(cfg.Provider.CacheTTL),
		Scale:       cfg.Settlement.Scale,
		Parallelism: cfg.Threads,
	}, s.provider, postgres, accumulator, accounts)

	s.buildMachines()
	return s, nil
}

func (s *Server) buildMachines() {
	cfg := s.cfg
	rates := settlement.NewRateCache(settlement.StaticRates(cfg.Rates.Static),
		util.MustParseDuration(cfg.Rates.TTL), util.ParseDurationOr(cfg.Rates.MaxStale, 15*time.Minute))
	distributor := settlement.NewDistributor(settlement.DistributorConfig{
		Currency:            cfg.Distribution.PayoutCurrency,
		Scale:               cfg.Distribution.PayoutScale,
		PlatformUserId:      cfg.Distribution.PlatformUserID,
		SystemUsers:         []int64{cfg.Settlement.AdminUserID, cfg.Settlement.UnclaimedUserID},
		UserShare:           cfg.Distribution.UserShare,
		ReferralRate:        cfg.Distribution.ReferralRate,
		ActivationThreshold: cfg.Distribution.ActivationThreshold,
		ReferralMonthlyCap:  cfg.Distribution.ReferralMonthlyCap,
		DiscountRate:        cfg.Distribution.DiscountRate,
		DiscountDays:        cfg.Distribution.DiscountDays,
		DiscountCap:         cfg.Distribution.DiscountCap,
		TelemetryLookback:   util.MustParseDuration(cfg.Distribution.TelemetryLookback),
	}, rates)
	alerter := settlement.NewLogAlerter(cfg.Alerting.WebhookURL)
	reconciler := settlement.NewReconciler(s.postgres, alerter, cfg.Payhash.UnitDivisor,
		cfg.Alerting.MaxDeviation, cfg.Alerting.MaxUnclaimedRatio)
	deps := settlement.Deps{
		DB:          s.postgres,
		Aggregator:  payhash.NewAggregator(s.postgres),
		Owners:      s.resolver,
		Distributor: distributor,
		Reconciler:  reconciler,
		Alerter:     alerter,
		Throttle:    settlement.NewThrottle(util.MustParseDuration(cfg.Alerting.LogThrottle)),
	}
	machineCfg := settlement.MachineConfig{
		MaxWindowsPerRun:  cfg.Settlement.MaxWindowsPerRun,
		MaxRunTime:        util.MustParseDuration(cfg.Settlement.MaxRunTime),
		Cooldown:          util.MustParseDuration(cfg.Settlement.Cooldown),
		MaxAttempts:       cfg.Settlement.MaxAttempts,
		MissingPolicy:     cfg.Settlement.MissingPolicy,
		AdminUserId:       cfg.Settlement.AdminUserID,
		SinkUserId:        cfg.Settlement.UnclaimedUserID,
		ResidueToLastUser: cfg.Settlement.RemainderPolicy == config.RemainderLastUser,
		FallbackFamily:    cfg.Settlement.UsesTelemetryFallback,
	}

	delay := util.MustParseDuration(cfg.Settlement.SettleDelay)
	lookback := util.MustParseDuration(cfg.Settlement.Lookback)
	tolerance := util.MustParseDuration(cfg.Settlement.SnapshotTolerance)
	sources := []settlement.IncomeSource{
		settlement.NewPaymentSource(delay),
		settlement.NewHourlyDeltaSource(delay, lookback, tolerance),
		settlement.NewDailyDeltaSource(delay, lookback, tolerance),
	}
	for _, source := range sources {
		accounts := cfg.AccountsFor(source.Cadence())
		if len(accounts) == 0 {
			continue
		}
		s.machines[source.Cadence()] = settlement.NewMachine(machineCfg, source, accounts, deps)
	}
}

// Machine returns the settlement machine of a cadence, nil when no account uses it.
func (s *Server) Machine(cadence string) *settlement.Machine {
	return s.machines[cadence]
}

// Rotate creates upcoming payhash partitions and drops expired ones.
func (s *Server) Rotate(ctx context.Context) (payhash.RotateResult, error) {
	return s.rotator.Rotate(ctx, time.Now())
}

// Prepare refreshes the whitelist and makes sure today's partitions exist.
func (s *Server) Prepare(ctx context.Context) error {
	if _, err := s.Rotate(ctx); err != nil {
		return fmt.Errorf("unable to rotate partitions: %w", err)
	}
	if err := s.resolver.Refresh(ctx); err != nil {
		return fmt.Errorf("unable to load worker whitelist: %w", err)
	}
	return nil
}

func (s *Server) Start() error {
	if err := s.Prepare(context.Background()); err != nil {
		return err
	}

	if s.cfg.Debugger.Enabled {
		s.debugger = NewDebugger(s.cfg.Debugger.Listen)
	}

	s.scheduler.Add(&Task{
		Name:     "whitelist",
		Interval: util.MustParseDuration(s.cfg.Ownership.RefreshInterval),
		Run:      s.resolver.Refresh,
	})
	if s.cfg.Harvester.Enabled {
		s.scheduler.Add(&Task{
			Name:     "poll",
			Interval: util.MustParseDuration(s.cfg.Harvester.Interval),
			Run: func(ctx context.Context) error {
				_, err := s.harvester.Poll(ctx)
				return err
			},
		})
		s.scheduler.Add(&Task{
			Name:     "snapshot",
			Interval: util.MustParseDuration(s.cfg.Harvester.SnapshotInterval),
			Run:      s.harvester.SyncSnapshots,
		})
	}
	s.scheduler.Add(&Task{
		Name:     "flush",
		Interval: util.MustParseDuration(s.cfg.Payhash.FlushInterval),
		Run: func(ctx context.Context) error {
			stats, err := s.flusher.Flush(ctx, time.Now())
			if stats.Buckets > 0 {
				log.Debugf("Flushed %d buckets, %d rows, %d failed", stats.Buckets, stats.Rows, stats.Failed)
			}
			return err
		},
	})
	s.scheduler.Add(&Task{
		Name:     "partitions",
		Interval: util.MustParseDuration(s.cfg.Payhash.RotateInterval),
		Run: func(ctx context.Context) error {
			res, err := s.Rotate(ctx)
			if len(res.Created)+len(res.Dropped) > 0 {
				log.Infof("Rotated partitions, created %d, dropped %d", len(res.Created), len(res.Dropped))
			}
			return err
		},
	})

	intervals := map[string]string{
		config.CadencePayment:     s.cfg.Settlement.PaymentInterval,
		config.CadenceHourlyDelta: s.cfg.Settlement.HourlyInterval,
		config.CadenceDailyDelta:  s.cfg.Settlement.DailyInterval,
	}
	for cadence, machine := range s.machines {
		machine := machine
		s.scheduler.Add(&Task{
			Name:     "settle_" + cadence,
			Interval: util.MustParseDuration(intervals[cadence]),
			Run: func(ctx context.Context) error {
				_, err := machine.Run(ctx)
				if errors.Is(err, settlement.ErrBusy) {
					return nil
				}
				return err
			},
		})
	}

	s.scheduler.Start()
	return nil
}

func (s *Server) Close() {
	if s.scheduler != nil {
		s.scheduler.Close()
	}
	if s.debugger != nil {
		s.debugger.Close()
	}

	// 关闭前写回已结束的桶
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.flusher.Flush(ctx, time.Now()); err != nil {
		log.Errorf("Final flush failed: %v", err)
	}

	if err := s.redis.Close(); err != nil {
		log.Errorf("Unable to close redis: %v", err)
	}
	s.postgres.Close()
}
