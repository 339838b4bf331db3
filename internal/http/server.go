package http

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/cors"

	"expenses/internal/core"
	"expenses/internal/log"
	"expenses/internal/middleware/ratelimit"
	"expenses/internal/middleware/security"
	"expenses/internal/middleware/trace"
	"expenses/internal/services"
)

// IdempotencyKeyHeader lets a client name a create so retries are safe.
const IdempotencyKeyHeader = "Idempotency-Key"

// ReplayedHeader is set to "true" on a create answered from an earlier request.
const ReplayedHeader = "Idempotent-Replayed"

// ExpenseLedger is the service the handlers drive.
type ExpenseLedger interface {
	CreateExpense(ctx context.Context, req services.CreateRequest) (services.CreateResult, error)
	ListExpenses(ctx context.Context, filter core.ListFilter) ([]core.Expense, error)
}

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the HTTP surface settings.
type Config struct {
	AllowedOrigins     []string
	RateLimitPerMinute int // 0 disables rate limiting
	MaxBodyBytes       int64
}

type Server struct {
	http.Server
	ledger       ExpenseLedger
	db           Pinger
	logger       *log.Logger
	rateLimiter  *ratelimit.Limiter
	trace        *trace.Middleware
	maxBodyBytes int64
	started      time.Time
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, ledger ExpenseLedger, db Pinger, logger *log.Logger, cfg Config) *Server {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		ledger:       ledger,
		db:           db,
		logger:       logger.WithComponent(log.ComponentHTTP),
		trace:        trace.NewMiddleware(extractClientIP),
		maxBodyBytes: cfg.MaxBodyBytes,
		started:      time.Now(),
	}

	var create http.Handler = http.HandlerFunc(s.handleCreateExpense)
	if cfg.RateLimitPerMinute > 0 {
		s.rateLimiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.RateLimitPerMinute})
		create = s.rateLimiter.Middleware(extractClientIP, s.writeRateLimited)(create)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /expenses", create)
	mux.HandleFunc("GET /expenses", s.handleListExpenses)
	mux.HandleFunc("/expenses", func(w http.ResponseWriter, r *http.Request) {
		MethodNotAllowedError("GET, POST").Write(w)
	})
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", IdempotencyKeyHeader, trace.RequestIDHeader},
		ExposedHeaders: []string{trace.RequestIDHeader, ReplayedHeader},
		MaxAge:         600,
	}).Handler(mux)

	var handler http.Handler = corsHandler
	handler = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(handler)
	handler = log.Middleware(logger, trace.GetRequestID)(handler)
	handler = s.trace.Middleware(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Shutdown stops background work and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return s.Server.Shutdown(ctx)
}

func (s *Server) writeRateLimited(w http.ResponseWriter, r *http.Request) {
	s.logger.WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, extractClientIP(r),
		log.FieldPath, r.URL.Path)
	TooManyRequestsError().Write(w)
}
