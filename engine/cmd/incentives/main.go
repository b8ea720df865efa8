package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/malbeclabs/incentives/engine/pkg/metrics"
	"github.com/malbeclabs/incentives/engine/pkg/notify"
	"github.com/malbeclabs/incentives/engine/pkg/pgstore"
	"github.com/malbeclabs/incentives/engine/pkg/referral"
	"github.com/malbeclabs/incentives/engine/pkg/registry"
	"github.com/malbeclabs/incentives/engine/pkg/rewards"
	"github.com/malbeclabs/incentives/engine/pkg/server"
	"github.com/malbeclabs/incentives/engine/pkg/tokenledger"
	"github.com/malbeclabs/incentives/engine/pkg/treasury"
	"github.com/malbeclabs/incentives/utils/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:9090"

	storeMemory   = "memory"
	storePostgres = "postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// stores bundles the persistence backends selected at startup.
type stores struct {
	rewards  rewards.Store
	referral referral.Store
	configs  incentive.ConfigStore
	registry interface {
		incentive.IdentityRegistry
		server.Registrar
	}
	ready func(ctx context.Context) error
	close func()
}

func run() error {
	// A missing .env is fine; the environment may be set by the supervisor.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to serve the API on (or set INCENTIVES_LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to serve prometheus metrics on, empty to disable (or set INCENTIVES_METRICS_ADDR env var)")
	storeFlag := flag.String("store", storeMemory, "state backend: memory or postgres (or set INCENTIVES_STORE env var)")

	// Treasury
	poolAccountFlag := flag.String("pool-account", "incentives-pool", "ledger account holding the reward pool (or set INCENTIVES_POOL_ACCOUNT env var)")
	lowBalanceFlag := flag.Int64("low-balance-threshold", 0, "alert when the pool holds fewer whole tokens than this, 0 disables (or set INCENTIVES_LOW_BALANCE_THRESHOLD env var)")
	initialPoolFlag := flag.Int64("initial-pool", 0, "whole tokens credited to the pool of the in-process token ledger at startup")

	// Access control
	adminsFlag := flag.StringSlice("admins", nil, "callers granted the admin role (or set INCENTIVES_ADMINS env var)")
	calculatorsFlag := flag.StringSlice("calculators", nil, "callers granted the reward-calculator role (or set INCENTIVES_CALCULATORS env var)")
	distributorsFlag := flag.StringSlice("distributors", nil, "callers granted the distributor role (or set INCENTIVES_DISTRIBUTORS env var)")
	apiTokensFlag := flag.String("api-tokens", "", "caller=sha256hex pairs resolving bearer tokens (or set INCENTIVES_API_TOKENS env var)")
	operatorsFlag := flag.StringSlice("operators", nil, "operator ids registered at startup (or set INCENTIVES_OPERATORS env var)")
	usersFlag := flag.StringSlice("users", nil, "user ids registered at startup (or set INCENTIVES_USERS env var)")

	// HTTP
	corsOriginsFlag := flag.StringSlice("cors-origins", nil, "allowed CORS origins (or set INCENTIVES_CORS_ORIGINS env var)")
	rateLimitFlag := flag.Int("rate-limit", 600, "requests per minute allowed per caller (or set INCENTIVES_RATE_LIMIT env var)")
	rateBurstFlag := flag.Int("rate-burst", 50, "request burst allowed per caller (or set INCENTIVES_RATE_BURST env var)")

	// Alerts
	slackWebhookFlag := flag.String("slack-webhook-url", "", "slack incoming webhook for treasury alerts (or set SLACK_WEBHOOK_URL env var)")
	slackChannelFlag := flag.String("slack-channel", "", "slack channel override for treasury alerts (or set SLACK_CHANNEL env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "run postgres migrations and exit")
	migrateDownFlag := flag.Bool("migrate-down", false, "roll back the latest postgres migration and exit")
	migrateStatusFlag := flag.Bool("migrate-status", false, "show postgres migration status and exit")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	overrideString(listenAddrFlag, "INCENTIVES_LISTEN_ADDR")
	overrideString(metricsAddrFlag, "INCENTIVES_METRICS_ADDR")
	overrideString(storeFlag, "INCENTIVES_STORE")
	overrideString(poolAccountFlag, "INCENTIVES_POOL_ACCOUNT")
	overrideString(apiTokensFlag, "INCENTIVES_API_TOKENS")
	overrideString(slackWebhookFlag, "SLACK_WEBHOOK_URL")
	overrideString(slackChannelFlag, "SLACK_CHANNEL")
	overrideList(adminsFlag, "INCENTIVES_ADMINS")
	overrideList(calculatorsFlag, "INCENTIVES_CALCULATORS")
	overrideList(distributorsFlag, "INCENTIVES_DISTRIBUTORS")
	overrideList(operatorsFlag, "INCENTIVES_OPERATORS")
	overrideList(usersFlag, "INCENTIVES_USERS")
	overrideList(corsOriginsFlag, "INCENTIVES_CORS_ORIGINS")
	if err := overrideInt64(lowBalanceFlag, "INCENTIVES_LOW_BALANCE_THRESHOLD"); err != nil {
		return err
	}
	if err := overrideInt(rateLimitFlag, "INCENTIVES_RATE_LIMIT"); err != nil {
		return err
	}
	if err := overrideInt(rateBurstFlag, "INCENTIVES_RATE_BURST"); err != nil {
		return err
	}

	// Execute commands
	if *migrateFlag || *migrateDownFlag || *migrateStatusFlag {
		pgCfg := pgstore.ConfigFromEnv()
		if err := pgCfg.Validate(); err != nil {
			return fmt.Errorf("invalid postgres config: %w", err)
		}
		ctx := context.Background()
		switch {
		case *migrateFlag:
			return pgstore.MigrateUp(ctx, log, pgCfg.ConnString())
		case *migrateDownFlag:
			return pgstore.MigrateDown(ctx, log, pgCfg.ConnString())
		default:
			return pgstore.MigrateStatus(ctx, log, pgCfg.ConnString())
		}
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Release:     version,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStores(ctx, log, *storeFlag)
	if err != nil {
		return err
	}
	defer st.close()

	participants := append(registry.Operators(*operatorsFlag...), registry.Users(*usersFlag...)...)
	for _, p := range participants {
		if err := st.registry.Register(ctx, p); err != nil {
			return fmt.Errorf("failed to register participant %s: %w", p.ID, err)
		}
	}

	auth := incentive.NewRoleAuthorizer(map[string][]incentive.Role{})
	grant(auth, incentive.RoleAdmin, *adminsFlag)
	grant(auth, incentive.RoleRewardCalculator, *calculatorsFlag)
	grant(auth, incentive.RoleDistributor, *distributorsFlag)

	hashes, err := server.ParseTokenHashes(*apiTokensFlag)
	if err != nil {
		return fmt.Errorf("invalid api tokens: %w", err)
	}
	if len(hashes) == 0 {
		log.Warn("no api tokens configured, every request is anonymous")
	}

	var notifier notify.Notifier = notify.NewLog(log)
	if *slackWebhookFlag != "" {
		notifier, err = notify.NewSlack(notify.SlackConfig{
			Logger:     log,
			WebhookURL: *slackWebhookFlag,
			Channel:    *slackChannelFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create slack notifier: %w", err)
		}
	}

	// The external token ledger is reached through incentive.TokenLedger; the
	// binary ships the in-process implementation.
	tokens := tokenledger.NewMemory()
	cfg, err := st.configs.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load incentive config: %w", err)
	}
	if *initialPoolFlag > 0 {
		tokens.Credit(cfg.RewardToken, *poolAccountFlag, incentive.Tokens(*initialPoolFlag))
	}

	tr, err := treasury.New(treasury.Config{
		Logger:              log,
		Ledger:              tokens,
		Configs:             st.configs,
		Authorizer:          auth,
		PoolAccount:         *poolAccountFlag,
		Notifier:            notifier,
		LowBalanceThreshold: incentive.Tokens(*lowBalanceFlag),
	})
	if err != nil {
		return fmt.Errorf("failed to create treasury: %w", err)
	}
	rewardsLedger, err := rewards.NewLedger(rewards.Config{
		Logger:     log,
		Store:      st.rewards,
		Configs:    st.configs,
		Registry:   st.registry,
		Authorizer: auth,
		Payer:      tr,
	})
	if err != nil {
		return fmt.Errorf("failed to create rewards ledger: %w", err)
	}
	referralLedger, err := referral.NewLedger(referral.Config{
		Logger:     log,
		Store:      st.referral,
		Configs:    st.configs,
		Registry:   st.registry,
		Authorizer: auth,
		Payer:      tr,
	})
	if err != nil {
		return fmt.Errorf("failed to create referral ledger: %w", err)
	}
	admin, err := incentive.NewAdmin(incentive.AdminConfig{
		Logger:     log,
		Configs:    st.configs,
		Authorizer: auth,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:      log,
		ListenAddr:  *listenAddrFlag,
		Rewards:     rewardsLedger,
		Referral:    referralLedger,
		Treasury:    tr,
		Admin:       admin,
		Registrar:   st.registry,
		Authorizer:  auth,
		Auth:        server.NewTokenAuth(hashes),
		Ready:       st.ready,
		CORSOrigins: *corsOriginsFlag,
		RateLimit:   rate.Every(time.Minute / time.Duration(max(*rateLimitFlag, 1))),
		RateBurst:   *rateBurstFlag,
		Version:     version,
		Commit:      commit,
		Date:        date,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("starting incentives engine", "version", version, "commit", commit, "store", *storeFlag)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		g.Go(func() error {
			return serveMetrics(ctx, log, *metricsAddrFlag)
		})
	}
	err = g.Wait()
	tr.WaitAlerts()
	if err != nil {
		return err
	}
	log.Info("incentives engine stopped")
	return nil
}

func openStores(ctx context.Context, log *slog.Logger, kind string) (*stores, error) {
	switch kind {
	case storeMemory:
		log.Warn("using in-memory store, state is lost on restart")
		reg := registry.NewMemory()
		return &stores{
			rewards:  rewards.NewMemoryStore(),
			referral: referral.NewMemoryStore(),
			configs:  incentive.NewMemoryConfigStore(incentive.DefaultConfig()),
			registry: reg,
			close:    func() {},
		}, nil
	case storePostgres:
		pgCfg := pgstore.ConfigFromEnv()
		db, err := pgstore.Open(ctx, log, pgCfg)
		if err != nil {
			return nil, err
		}
		return &stores{
			rewards:  pgstore.NewRewardsStore(db),
			referral: pgstore.NewReferralStore(db),
			configs:  pgstore.NewConfigStore(db),
			registry: pgstore.NewRegistry(db),
			ready:    db.Ping,
			close:    db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store %q: want %s or %s", kind, storeMemory, storePostgres)
	}
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func grant(auth *incentive.RoleAuthorizer, role incentive.Role, callers []string) {
	for _, caller := range callers {
		if caller = strings.TrimSpace(caller); caller != "" {
			auth.Grant(caller, role)
		}
	}
}

func overrideString(p *string, env string) {
	if v := os.Getenv(env); v != "" {
		*p = v
	}
}

func overrideList(p *[]string, env string) {
	if v := os.Getenv(env); v != "" {
		*p = strings.Split(v, ",")
	}
}

func overrideInt(p *int, env string) error {
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		*p = n
	}
	return nil
}

func overrideInt64(p *int64, env string) error {
	if v := os.Getenv(env); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		*p = n
	}
	return nil
}
