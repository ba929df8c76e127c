package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowd/internal/crosschain"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/network"
	"github.com/mbd888/escrowd/internal/scheduler"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/settlement"
	"github.com/mbd888/escrowd/migrations"
)

func (s *Server) initResolver() error {
	var routes []network.Route
	if s.cfg.BridgeRoutesFile != "" {
		loaded, err := network.LoadRoutes(s.cfg.BridgeRoutesFile)
		if err != nil {
			return fmt.Errorf("load bridge routes: %w", err)
		}
		routes = loaded
		s.logger.Info("loaded bridge routes", "file", s.cfg.BridgeRoutesFile, "routes", len(routes))
	}

	resolver, err := network.NewResolver(network.Config{
		Fallback: network.Tag(s.cfg.FallbackNetwork),
		Strict:   s.cfg.StrictNetworkClassification,
		Routes:   routes,
	})
	if err != nil {
		return fmt.Errorf("network resolver: %w", err)
	}
	s.resolver = resolver
	return nil
}

// initStorage opens Postgres when DATABASE_URL is set, otherwise the engine
// runs on in-memory stores.
func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		s.escrowStore = escrow.NewMemoryStore()
		s.crossChainStore = crosschain.NewMemoryStore()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db

	if s.cfg.AutoMigrate {
		if err := migrate(ctx, db); err != nil {
			return fmt.Errorf("auto-migrate: %w", err)
		}
		s.logger.Info("database migrations applied")
	}

	s.escrowStore = escrow.NewPostgresStore(db)
	s.crossChainStore = crosschain.NewPostgresStore(db)
	s.health.Register("database", health.DBChecker(db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// migrate applies the embedded goose migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (s *Server) initRedis(ctx context.Context) error {
	if s.cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPassword,
		DB:       s.cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	s.health.Register("redis", health.RedisChecker(client))
	s.logger.Info("using redis for sweep coordination", "addr", s.cfg.RedisAddr)
	return nil
}

// initSettlement builds the per-network executor router. Executors passed
// with WithExecutor win; then one EVM executor per configured RPC URL; in
// development every remaining network gets an in-memory executor.
func (s *Server) initSettlement() error {
	router := settlement.NewRouter(s.cfg.SettlementTimeout)

	for name, ex := range s.executors {
		router.Register(name, ex)
	}

	if s.cfg.OperatorPrivateKey != "" {
		names := make([]string, 0, len(s.cfg.RPCURLs))
		for name := range s.cfg.RPCURLs {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if _, taken := s.executors[name]; taken {
				continue
			}
			tag, err := network.ParseTag(name)
			if err != nil || !network.IsEVM(tag) {
				return fmt.Errorf("RPC_URLS: %s is not an EVM network", name)
			}
			ex, err := settlement.NewEVMExecutor(settlement.EVMConfig{
				Network:        name,
				RPCURL:         s.cfg.RPCURLs[name],
				PrivateKey:     s.cfg.OperatorPrivateKey,
				ChainID:        s.cfg.ChainIDs[name],
				WaitForReceipt: s.cfg.WaitForReceipts,
			})
			if err != nil {
				return fmt.Errorf("settlement executor for %s: %w", name, err)
			}
			router.Register(name, ex)
			s.executors[name] = ex
			s.closers = append(s.closers, func() { _ = ex.Close() })
			s.logger.Info("settlement executor ready", "network", name, "operator", ex.Address())
		}
	}

	if s.cfg.IsDevelopment() {
		for _, tag := range network.Supported() {
			if _, taken := s.executors[string(tag)]; taken {
				continue
			}
			ex := settlement.NewMemoryExecutor(string(tag))
			router.Register(string(tag), ex)
			s.executors[string(tag)] = ex
		}
		s.logger.Warn("in-memory settlement executors active, no funds move on chain")
	}

	if len(s.executors) == 0 {
		s.logger.Warn("no settlement executors configured, deadline releases will fail")
	}
	s.settlement = router
	return nil
}

func (s *Server) initEngine() error {
	machine := escrow.NewMachine(escrow.Policy{
		FinalApprovalWindow: s.cfg.FinalApprovalWindow,
		DisputeWindow:       s.cfg.DisputeWindow,
		ServiceFeeBps:       s.cfg.ServiceFeeBps,
	})
	s.escrowService = escrow.NewService(s.escrowStore, machine, s.resolver).
		WithSettler(s.settlement)

	provider, err := s.bridgeProvider()
	if err != nil {
		return err
	}
	s.orchestrator = crosschain.NewOrchestrator(s.escrowService, s.crossChainStore, s.resolver, provider).
		WithConfirmer(&lenientConfirmer{router: s.settlement, known: s.executors, logger: s.logger})
	return nil
}

func (s *Server) bridgeProvider() (crosschain.Provider, error) {
	if s.cfg.BridgeAPIURL == "" {
		s.logger.Info("BRIDGE_API_URL not set, quoting bridges from the static route table")
		return crosschain.NewStaticProvider(s.resolver), nil
	}
	if !s.cfg.IsDevelopment() {
		if err := security.ValidateEndpointURL(s.cfg.BridgeAPIURL, s.cfg.IsProduction()); err != nil {
			return nil, fmt.Errorf("BRIDGE_API_URL: %w", err)
		}
	}
	return crosschain.NewHTTPProvider(crosschain.HTTPProviderConfig{
		BaseURL: s.cfg.BridgeAPIURL,
		APIKey:  s.cfg.BridgeAPIKey,
		RPS:     s.cfg.BridgeRPS,
	}), nil
}

func (s *Server) initScheduler() error {
	s.sweeper = scheduler.NewSweeper(s.escrowStore, s.escrowService, s.settlement).
		WithConfirmer(s.settlement).
		WithBridges(s.resolver).
		WithBatchSize(s.cfg.SweepBatchSize)

	if s.redis != nil {
		s.sweeper.WithLocker(scheduler.NewRedisLocker(s.redis), scheduler.DefaultLockKey, scheduler.DefaultLockTTL)
		s.asynqTrigger = scheduler.NewAsynqTrigger(asynq.RedisClientOpt{
			Addr:     s.cfg.RedisAddr,
			Password: s.cfg.RedisPassword,
			DB:       s.cfg.RedisDB,
		}, s.cfg.SweepSchedule, s.sweeper, s.logger)
		return nil
	}

	timer, err := scheduler.NewTimer(s.sweeper, s.cfg.SweepSchedule, s.logger)
	if err != nil {
		return fmt.Errorf("sweep timer: %w", err)
	}
	s.sweepTimer = timer
	return nil
}

// lenientConfirmer checks step references on networks the router settles
// and accepts references on networks it has no executor for, such as the
// non-EVM side of a cross-chain deal.
type lenientConfirmer struct {
	router *settlement.Router
	known  map[string]settlement.Executor
	logger *slog.Logger
}

func (c *lenientConfirmer) Confirm(ctx context.Context, network, txRef string) (bool, error) {
	if _, ok := c.known[network]; !ok {
		c.logger.Warn("no executor to confirm reference, accepting it", "network", network, "tx_ref", txRef)
		return true, nil
	}
	ok, err := c.router.Confirm(ctx, network, txRef)
	if errors.Is(err, settlement.ErrNoExecutor) {
		return true, nil
	}
	return ok, err
}
