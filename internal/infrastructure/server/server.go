package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/psa-spm/internal/api/http"
	"github.com/GriffinCanCode/psa-spm/internal/api/middleware"
	"github.com/GriffinCanCode/psa-spm/internal/domain/spm"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/config"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/logging"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/tracing"
)

const shutdownTimeout = 5 * time.Second

// Deps are the components the admin server reports on. Metrics, Tracer and
// Breaker are optional.
type Deps struct {
	SPM     *spm.SPM
	Metrics *monitoring.Metrics
	Tracer  *tracing.Tracer
	Breaker *resilience.Breaker
	Logger  *logging.Logger
}

// Server is the admin HTTP server
type Server struct {
	router *gin.Engine
	http   *http.Server
	logger *logging.Logger
}

// NewServer builds the admin router
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.SPM == nil {
		return nil, errors.New("admin server needs a partition manager")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	if deps.Tracer != nil {
		router.Use(tracing.HTTPMiddleware(deps.Tracer, managerTags(deps.SPM)))
	}
	if deps.Metrics != nil {
		router.Use(monitoring.Middleware(deps.Metrics))
	}
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))

	var guard gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))

		// resets tear down every partition, so they share one small budget
		guard = middleware.GlobalRateLimit(middleware.RateLimitConfig{RequestsPerSecond: 1, Burst: 2})
	}

	handlers := apihttp.NewHandlers(deps.SPM, deps.Metrics, deps.Breaker, logger)
	handlers.Register(router, guard)

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(monitoring.Handler(deps.Metrics)))
	}

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              cfg.Admin.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}, nil
}

// managerTags records which boot served an admin request and the state the
// manager was left in
func managerTags(mgr *spm.SPM) tracing.Annotator {
	return func(_ *gin.Context, span *tracing.Span) {
		span.SetTag("spm.boot_id", mgr.BootID().String())
		span.SetTag("spm.state", mgr.State().String())
	}
}

// Handler returns the router, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting admin server", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down admin server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}
