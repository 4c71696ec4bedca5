package routes

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/statcache/internal/errs"
	appmw "github.com/briangreenhill/statcache/internal/http/middleware"
	"github.com/briangreenhill/statcache/internal/stats"
)

// bypassParam is stripped from the query before it reaches the provider
const bypassParam = "bypass"

type Server struct {
	Router      *chi.Mux
	Stats       *stats.Service
	DebugErrors bool
}

type ServerOptions struct {
	Stats       *stats.Service
	Logger      zerolog.Logger
	Gatherer    prometheus.Gatherer
	AdminToken  string
	DebugErrors bool
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, Stats: opts.Stats, DebugErrors: opts.DebugErrors}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("write health check response")
		}
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sources", s.handleSources)
		r.Get("/stats/{source}/{entity}", s.handleStats)
		r.Get("/cache/{key}", s.handleInspect)

		r.Group(func(pr chi.Router) {
			pr.Use(appmw.RequireToken(opts.AdminToken))
			pr.Delete("/cache/{key}", s.handleInvalidate)
			pr.Post("/warm/{source}/{entity}", s.handleWarm)
		})
	})

	return s
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]any{"sources": s.Stats.Sources()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	params, bypass, err := queryParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.Stats.Get(r.Context(), chi.URLParam(r, "source"), chi.URLParam(r, "entity"), params, bypass)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Cache", string(res.Provenance))
	s.writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	snap := s.Stats.Inspect(r.Context(), chi.URLParam(r, "key"))
	status := http.StatusOK
	if snap.Local == nil && snap.Shared == nil && snap.Ticket == nil {
		status = http.StatusNotFound
	}
	s.writeJSON(w, r, status, snap)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.Stats.Invalidate(r.Context(), key); err != nil {
		s.writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("key", key).Msg("invalidated")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	params, _, err := queryParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := s.Stats.Prefetch(r.Context(), chi.URLParam(r, "source"), chi.URLParam(r, "entity"), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, map[string]string{"key": key})
}

// queryParams flattens the query into provider parameters. Repeated
// parameters are rejected since cache keys take one value per name.
func queryParams(r *http.Request) (map[string]string, bool, error) {
	var bypass bool
	params := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) != 1 {
			return nil, false, errs.Validation("query", "parameter "+strconv.Quote(k)+" must appear once")
		}
		if k == bypassParam {
			b, err := strconv.ParseBool(vs[0])
			if err != nil {
				return nil, false, errs.Validation("query", "bypass must be a boolean")
			}
			bypass = b
			continue
		}
		params[k] = vs[0]
	}
	return params, bypass, nil
}

// StatusFor maps an error kind to the HTTP status returned to callers
func StatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindPermanent, errs.KindInvalidPayload:
		return http.StatusBadGateway
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindTransient, errs.KindNetwork, errs.KindCacheUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	level := zerolog.WarnLevel
	if status == http.StatusInternalServerError {
		level = zerolog.ErrorLevel
	}
	hlog.FromRequest(r).WithLevel(level).Err(err).Int("status", status).Msg("request failed")
	s.writeJSON(w, r, status, map[string]any{"error": errs.Public(err, s.DebugErrors)})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("write response")
	}
}
