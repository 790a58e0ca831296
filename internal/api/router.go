package api

import (
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukepan/presence-fabric/internal/auth"
	"github.com/dukepan/presence-fabric/internal/config"
	"github.com/dukepan/presence-fabric/internal/hub"
	"github.com/dukepan/presence-fabric/internal/middleware"
	"github.com/dukepan/presence-fabric/internal/presence"
	"github.com/dukepan/presence-fabric/internal/store"
	"github.com/dukepan/presence-fabric/internal/utils"
)

// snapshotCacheTTL bounds how stale the read-only HTTP presence view may be.
// Websocket clients are unaffected; they receive events directly.
const snapshotCacheTTL = 1 * time.Second

type Router struct {
	mux       *http.ServeMux
	store     *store.Client
	svc       *presence.Service
	hubMgr    *hub.Manager
	verifier  *auth.JWTVerifier // nil when JWT_PUBLIC_KEY is unset
	cfg       *config.Config
	logger    *utils.Logger
	snapshots *ttlcache.Cache[string, []presence.SnapshotEntry]
}

// NewRouter creates a new HTTP router with configured handlers and middleware.
// When cfg.JWTPublicKey is empty the websocket endpoint is open; otherwise a
// valid RS256 token is required to connect.
func NewRouter(st *store.Client, svc *presence.Service, hubMgr *hub.Manager, cfg *config.Config, logger *utils.Logger) (http.Handler, error) {
	var verifier *auth.JWTVerifier
	if cfg.JWTPublicKey != "" {
		var err error
		verifier, err = auth.NewJWTVerifier(cfg.JWTPublicKey)
		if err != nil {
			return nil, err
		}
	}

	// Initialize Rate Limiter
	rateLimiter := middleware.NewRateLimiter(st.Redis())

	snapshots := ttlcache.New[string, []presence.SnapshotEntry](
		ttlcache.WithTTL[string, []presence.SnapshotEntry](snapshotCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, []presence.SnapshotEntry](),
	)
	go snapshots.Start()

	r := &Router{
		mux:       http.NewServeMux(),
		store:     st,
		svc:       svc,
		hubMgr:    hubMgr,
		verifier:  verifier,
		cfg:       cfg,
		logger:    logger,
		snapshots: snapshots,
	}

	// Apply Request ID middleware to all requests
	routerWithMiddleware := middleware.RequestIDMiddleware(r.mux)

	// Apply Tracing middleware to all requests after Request ID
	routerWithMiddleware = middleware.TracingMiddleware(routerWithMiddleware)

	// Public endpoints
	r.mux.HandleFunc("/healthz", r.HealthzHandler)
	r.mux.Handle("/metrics", promhttp.Handler()) // Prometheus metrics endpoint

	// Read-only presence views, rate limited per client IP
	r.mux.Handle("GET /rooms", rateLimiter.Middleware(http.HandlerFunc(r.GetRoomsHandler)))
	r.mux.Handle("GET /rooms/{id}/presence", rateLimiter.Middleware(http.HandlerFunc(r.GetRoomPresenceHandler)))

	// WebSocket endpoint; rate limiting happens at the protocol layer
	r.mux.Handle("/ws", http.HandlerFunc(r.WebSocketHandler))

	return routerWithMiddleware, nil
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}
