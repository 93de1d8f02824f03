// Package api implements the admin and observability HTTP surface: health,
// Prometheus scrape, per-channel routing stats/config, mix pool health, and
// directory join/leave/token-mint endpoints. It never touches the audio
// data plane directly — every handler calls into router/mixer/mixpool/
// directory through their public APIs.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiorelay/voicecore/internal/api/middleware"
	"github.com/audiorelay/voicecore/internal/directory"
	"github.com/audiorelay/voicecore/internal/mixer"
	"github.com/audiorelay/voicecore/internal/mixpool"
	"github.com/audiorelay/voicecore/internal/router"
)

// Server holds the admin HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux

	core *router.Router
	mix  *mixer.Mixer
	pool *mixpool.Pool
	dir  *directory.InMemory

	adminKeyHash []byte
}

// NewServer creates the admin HTTP handler with all routes mounted.
// adminKeyHash may be nil, in which case the token-mint endpoint always
// rejects — an operator must configure an admin API key to mint tokens.
func NewServer(core *router.Router, mix *mixer.Mixer, pool *mixpool.Pool, dir *directory.InMemory, adminKeyHash []byte, metricsEnabled bool) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		core:         core,
		mix:          mix,
		pool:         pool,
		dir:          dir,
		adminKeyHash: adminKeyHash,
	}
	s.routes(metricsEnabled)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(metricsEnabled bool) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS(nil))
	r.Use(middleware.SecurityHeaders(false))
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/pool/health", s.handlePoolHealth)

		r.Route("/channels/{channelID}", func(r chi.Router) {
			r.Get("/stats", s.handleChannelStats)
			r.Get("/config", s.handleGetChannelConfig)
			r.Put("/config", s.handleSetChannelConfig)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireJoinAuth(s.verifyJoinToken))
				r.Post("/join", s.handleJoin)
				r.Delete("/members/self", s.handleLeave)
			})
		})

		r.Route("/tokens", func(r chi.Router) {
			r.Use(middleware.RequireAdminKey(s.adminKeyHash))
			r.Post("/", s.handleMintToken)
		})
	})
}

func (s *Server) verifyJoinToken(token string) (userID, channelID string, err error) {
	u, c, err := s.dir.VerifyJoinToken(token)
	if err != nil {
		return "", "", err
	}
	return u.String(), c.String(), nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
