package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/workescrow/internal/chain"
	"github.com/mbd888/workescrow/internal/config"
	"github.com/mbd888/workescrow/internal/escrow"
	"github.com/mbd888/workescrow/internal/events"
	"github.com/mbd888/workescrow/internal/milestone"
	"github.com/mbd888/workescrow/internal/provision"
	"github.com/mbd888/workescrow/internal/reconcile"
	"github.com/mbd888/workescrow/internal/syncutil"
	"github.com/mbd888/workescrow/internal/txledger"
)

// keyPrefix namespaces every Redis key this service writes.
const keyPrefix = "workescrow"

// Deps is the wired object graph shared by the HTTP server and the
// one-shot reconcile command.
type Deps struct {
	DB        *sql.DB       // nil when running in memory
	Redis     *redis.Client // nil without REDIS_URL
	Gateway   *chain.Gateway
	Publisher events.Publisher

	Milestones milestone.Store
	Jobs       milestone.JobStore
	Ledger     *txledger.Writer
	Locker     syncutil.Locker
	Repairs    reconcile.Queue

	Escrow      *escrow.Service
	Provisioner *provision.Provisioner
	Reconciler  *reconcile.Reconciler
	Arbiter     *chain.Signer // nil without ARBITER_PRIVATE_KEY
}

// DepsOption adjusts wiring before it happens.
type DepsOption func(*depsOptions)

type depsOptions struct {
	chainOpts []chain.Option
	stream    events.Publisher
}

// WithStream adds a publisher that receives every transition alongside the
// broker, e.g. the WebSocket hub.
func WithStream(p events.Publisher) DepsOption {
	return func(o *depsOptions) { o.stream = p }
}

// WithChainOptions passes options to the chain gateway, e.g. a fake client.
func WithChainOptions(opts ...chain.Option) DepsOption {
	return func(o *depsOptions) { o.chainOpts = append(o.chainOpts, opts...) }
}

// OpenDeps connects to every configured backend and wires the services.
// Unset backends fall back to in-process implementations.
func OpenDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...DepsOption) (d *Deps, err error) {
	var o depsOptions
	for _, opt := range opts {
		opt(&o)
	}

	d = &Deps{}
	defer func() {
		if err != nil {
			d.Close(logger)
		}
	}()

	gw, err := chain.New(chain.Config{
		RPCURL:              cfg.RPCURL,
		ChainID:             cfg.ChainID,
		FactoryAddress:      cfg.FactoryAddress,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		RPCRateLimit:        cfg.RPCRateLimit,
	}, append([]chain.Option{chain.WithLogger(logger)}, o.chainOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create chain gateway: %w", err)
	}
	d.Gateway = gw

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var ledgerStore txledger.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		d.DB = db
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store := milestone.NewPostgresStore(db)
		d.Milestones, d.Jobs = store, store
		ledgerStore = txledger.NewPostgresStore(db)
		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store := milestone.NewMemoryStore()
		d.Milestones, d.Jobs = store, store
		ledgerStore = txledger.NewMemoryStore()
		logger.Info("using in-memory storage (data will not persist)")
	}
	d.Ledger = txledger.NewWriter(ledgerStore, logger)

	// Locks and the repair queue live in Redis when there is more than one
	// process to coordinate.
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		d.Redis = redis.NewClient(redisOpts)
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		d.Repairs = reconcile.NewRedisQueue(d.Redis, keyPrefix)
		logger.Info("repair queue in redis")
	} else {
		d.Repairs = reconcile.NewMemoryQueue()
	}
	if cfg.LockBackend == "redis" {
		d.Locker = syncutil.NewRedisLocker(d.Redis, keyPrefix+":lock", syncutil.WithLockLogger(logger))
	} else {
		d.Locker = syncutil.NewKeyedMutex()
	}
	logger.Info("milestone locks", "backend", cfg.LockBackend)

	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			return nil, err
		}
		d.Publisher = pub
		logger.Info("publishing transitions", "exchange", events.Exchange)
	} else {
		d.Publisher = events.NopPublisher{}
	}
	if o.stream != nil {
		d.Publisher = events.Fanout{d.Publisher, o.stream}
	}

	if cfg.ArbiterPrivateKey != "" {
		if d.Arbiter, err = chain.NewSigner(cfg.ArbiterPrivateKey); err != nil {
			return nil, fmt.Errorf("ARBITER_PRIVATE_KEY: %w", err)
		}
	}
	var deployer *chain.Signer
	if cfg.DeployerPrivateKey != "" {
		if deployer, err = chain.NewSigner(cfg.DeployerPrivateKey); err != nil {
			return nil, fmt.Errorf("DEPLOYER_PRIVATE_KEY: %w", err)
		}
	}
	if !cfg.CanProvision() {
		logger.Warn("escrow provisioning disabled: FACTORY_ADDRESS, FEE_RECIPIENT and DEPLOYER_PRIVATE_KEY are all required")
	}

	d.Escrow = escrow.NewService(gw, d.Milestones, d.Jobs, d.Ledger).
		WithLocker(d.Locker).
		WithRepairQueue(d.Repairs).
		WithPublisher(d.Publisher).
		WithStrictContentHash(cfg.StrictContentHash).
		WithLogger(logger)
	if d.Arbiter != nil {
		d.Escrow.WithArbiter(d.Arbiter)
	}

	d.Provisioner = provision.New(gw, d.Milestones, d.Jobs, d.Ledger, deployer, provisionConfig(cfg, d.Arbiter)).
		WithLocker(d.Locker).
		WithRepairQueue(d.Repairs).
		WithPublisher(d.Publisher).
		WithLogger(logger)

	d.Reconciler = reconcile.New(gw, d.Milestones, d.Ledger, d.Repairs, d.Locker, logger).
		WithPublisher(d.Publisher)

	return d, nil
}

func provisionConfig(cfg *config.Config, arbiter *chain.Signer) provision.Config {
	arbiterAddr := cfg.ArbiterAddress
	if arbiterAddr == "" && arbiter != nil {
		arbiterAddr = arbiter.Address().Hex()
	}
	return provision.Config{
		Arbiter:      arbiterAddr,
		FeeRecipient: cfg.FeeRecipient,
		PaymentToken: cfg.PaymentToken,
		Fees: provision.Fees{
			PlatformBps:   uint64(cfg.PlatformFeeBps),
			BuyerBps:      uint64(cfg.BuyerFeeBps),
			VendorBps:     uint64(cfg.VendorFeeBps),
			DisputeBps:    uint64(cfg.DisputeFeeBps),
			RewardRateBps: uint64(cfg.RewardRateBps),
		},
		MaxFeeBps: uint64(cfg.MaxFeeBps),
	}
}

// Close releases every connection Deps opened. Safe on a partially built
// value.
func (d *Deps) Close(logger *slog.Logger) error {
	var errs []error
	if d.Publisher != nil {
		if err := d.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if d.Gateway != nil {
		_ = d.Gateway.Close()
	}
	err := errors.Join(errs...)
	if err != nil && logger != nil {
		logger.Error("error closing dependencies", "error", err)
	}
	return err
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
