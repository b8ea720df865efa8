package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/malbeclabs/incentives/engine/pkg/metrics"
	"github.com/malbeclabs/incentives/engine/pkg/referral"
	"github.com/malbeclabs/incentives/engine/pkg/rewards"
	"github.com/malbeclabs/incentives/engine/pkg/treasury"
	"golang.org/x/time/rate"
)

// Registrar adds participants to the identity registry.
type Registrar interface {
	Register(ctx context.Context, p incentive.Participant) error
}

type Config struct {
	Logger     *slog.Logger
	ListenAddr string

	Rewards  *rewards.Ledger
	Referral *referral.Ledger
	Treasury *treasury.Treasury
	Admin    *incentive.Admin
	// Registrar enables participant registration by admins. Optional.
	Registrar  Registrar
	Authorizer incentive.Authorizer
	// Auth resolves bearer tokens to callers.
	Auth *TokenAuth

	// Ready reports whether dependencies such as the database are reachable.
	// Optional.
	Ready func(ctx context.Context) error

	CORSOrigins []string
	RateLimit   rate.Limit
	RateBurst   int

	Version string
	Commit  string
	Date    string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Rewards == nil {
		return errors.New("rewards ledger is required")
	}
	if cfg.Referral == nil {
		return errors.New("referral ledger is required")
	}
	if cfg.Treasury == nil {
		return errors.New("treasury is required")
	}
	if cfg.Admin == nil {
		return errors.New("admin is required")
	}
	if cfg.Registrar != nil && cfg.Authorizer == nil {
		return errors.New("authorizer is required with a registrar")
	}
	if cfg.Auth == nil {
		return errors.New("token auth is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Every(time.Minute / 600)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 50
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return nil
}

// Server is the HTTP API of the incentives engine.
type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	limiter *RateLimiter
	srv     *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		router:  chi.NewRouter(),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/version", s.handleVersion)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.cfg.Auth.Middleware)
		r.Use(RateLimitMiddleware(s.limiter))

		r.Route("/rewards", func(r chi.Router) {
			r.Post("/", s.handleCalculateReward)
			r.Get("/stats", s.handleRewardStats)
			r.Post("/batch/distribute", s.handleBatchDistribute)
			r.Get("/{id}", s.handleGetReward)
			r.Post("/{id}/distribute", s.handleDistributeReward)
		})
		r.Route("/operators/{operator}", func(r chi.Router) {
			r.Get("/", s.handleGetOperator)
			r.Get("/rewards", s.handleRewardHistory)
			r.Get("/slashes", s.handleSlashHistory)
			r.Put("/performance", s.handleUpdatePerformance)
			r.Post("/slash", s.handleSlash)
		})
		r.Post("/slashes/batch", s.handleBatchSlash)

		r.Route("/referral", func(r chi.Router) {
			r.Get("/stats", s.handleReferralStats)
			r.Get("/tiers", s.handleRewardTiers)
			r.Put("/tiers/{tier}", s.handleUpdateRewardTier)
			r.Post("/codes", s.handleGenerateCode)
			r.Get("/codes/{code}", s.handleGetCode)
			r.Delete("/codes/{code}", s.handleDeactivateCode)
			r.Post("/apply", s.handleApplyCode)
			r.Post("/verify", s.handleVerifyReferrals)
			r.Get("/relationships/{referee}", s.handleGetRelationship)
			r.Get("/referrers/{referrer}", s.handleReferrerStats)
			r.Get("/referrers/{referrer}/code", s.handleReferralCodeOf)
			r.Get("/referrers/{referrer}/claims", s.handleListClaims)
			r.Get("/claims/{index}", s.handleGetClaim)
			r.Post("/claims/{index}", s.handleClaimReward)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/config", s.handleGetConfig)
			r.Put("/config/referral", s.handleUpdateReferralConfig)
			r.Put("/config/reward-interval", s.handleSetRewardInterval)
			r.Post("/pause", s.handlePause)
			r.Post("/unpause", s.handleUnpause)
			r.Post("/participants", s.handleRegisterParticipant)
		})

		r.Route("/treasury", func(r chi.Router) {
			r.Get("/", s.handleTreasury)
			r.Post("/fund", s.handleFund)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/emergency-withdraw", s.handleEmergencyWithdraw)
			r.Put("/token", s.handleSetRewardToken)
		})
	})
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("server: listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
