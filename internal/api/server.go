package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dialflow/dialflow/internal/action"
	"github.com/dialflow/dialflow/internal/api/middleware"
	"github.com/dialflow/dialflow/internal/call"
	"github.com/dialflow/dialflow/internal/catalog"
	"github.com/dialflow/dialflow/internal/config"
	"github.com/dialflow/dialflow/internal/dial"
	"github.com/dialflow/dialflow/internal/ivr"
	"github.com/dialflow/dialflow/internal/pbx"
	"github.com/dialflow/dialflow/internal/push"
	"github.com/dialflow/dialflow/internal/trunk"
)

// PBXClient is the slice of the PBX control plane the HTTP layer drives:
// originating new channels, hanging them up, and everything a channel
// session needs while it runs.
type PBXClient interface {
	ivr.PBXControl
	DialEndpoint(trunkID, number string) string
	Originate(ctx context.Context, p pbx.OriginateParams) error
}

// Deps carries everything the HTTP surface serves. Ctx is the process root
// context; channel sessions created by call handlers inherit it so they
// outlive the creating request.
type Deps struct {
	Ctx       context.Context
	Cfg       *config.Config
	Logger    *slog.Logger
	Trunks    *trunk.Store
	TrunkMgmt *trunk.Manager
	Calls     *call.Store
	Queue     *dial.Queue
	Push      *push.Registry
	Sessions  *ivr.Registry
	Engine    *action.Engine
	Validator *action.Validator
	Catalog   *catalog.Catalog
	Reloader  *catalog.Fetcher // nil when no catalog URL is configured
	PBX       PBXClient
	Metrics   http.Handler // nil disables the endpoint
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	ctx       context.Context
	cfg       *config.Config
	logger    *slog.Logger
	trunks    *trunk.Store
	trunkMgmt *trunk.Manager
	calls     *call.Store
	queue     *dial.Queue
	push      *push.Registry
	sessions  *ivr.Registry
	engine    *action.Engine
	validator *action.Validator
	catalog   *catalog.Catalog
	reloader  *catalog.Fetcher
	pbx       PBXClient
	metrics   http.Handler
	limiter   *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		ctx:       deps.Ctx,
		cfg:       deps.Cfg,
		logger:    deps.Logger.With("subsystem", "api"),
		trunks:    deps.Trunks,
		trunkMgmt: deps.TrunkMgmt,
		calls:     deps.Calls,
		queue:     deps.Queue,
		push:      deps.Push,
		sessions:  deps.Sessions,
		engine:    deps.Engine,
		validator: deps.Validator,
		catalog:   deps.Catalog,
		reloader:  deps.Reloader,
		pbx:       deps.PBX,
		metrics:   deps.Metrics,
		limiter:   middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the server's background helpers. The listener itself is owned
// by the caller.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))

	// Client-facing API. Rate limited; the PBX-facing surfaces below are
	// not, a throttled action fetch would break a live call.
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))

		r.Route("/trunks", func(r chi.Router) {
			r.Post("/assign", s.handleAssignTrunk)
			r.Post("/release", s.handleReleaseTrunk)
		})

		r.Route("/calls", func(r chi.Router) {
			r.Post("/create", s.handleCreateCall)
			r.Get("/queue/stats", s.handleQueueStats)
			r.Post("/{id}/destroy", s.handleDestroyCall)
		})
	})

	// Trunk provisioning proxy toward the per-server management agents.
	r.Route("/trunk", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))

		r.Post("/add", s.handleAddTrunk)
		r.Delete("/delete/{trunkID}", s.handleDeleteTrunk)
		r.Get("/list", s.handleListTrunks)
	})

	// Dialogue scripts fetched by channel sessions on behalf of the PBX.
	r.Route("/action", func(r chi.Router) {
		r.Get("/debug/campaigns", s.handleDebugCampaigns)
		r.Post("/debug/reload", s.handleDebugReload)
		r.Get("/{status}", s.handleAction)
	})

	r.Post("/otp/validate/{callID}", s.handleValidateOtp)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	// Push sockets upgrade on the root path.
	r.Get("/", s.handlePushSocket)

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
