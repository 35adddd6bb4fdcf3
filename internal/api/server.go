// Package api serves the query service over HTTP and the update stream over
// WebSocket.
package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"token-velocity/internal/broadcast"
	"token-velocity/internal/idhash"
	"token-velocity/internal/observability"
	"token-velocity/internal/query"
	"token-velocity/internal/storage"
)

// DefaultMinKeyLength is the shortest accepted API key.
const DefaultMinKeyLength = 8

// Options configures a Server.
type Options struct {
	Query        *query.Service
	Broadcaster  *broadcast.Broadcaster
	Keys         storage.APIKeyStore // Optional: records key usage when set
	MinKeyLength int                 // Default: 8
	Now          func() time.Time
	Logger       *log.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	query        *query.Service
	broadcaster  *broadcast.Broadcaster
	keys         storage.APIKeyStore
	minKeyLength int
	now          func() time.Time
	logger       *log.Logger
}

// NewServer creates a server.
func NewServer(opts Options) *Server {
	if opts.MinKeyLength <= 0 {
		opts.MinKeyLength = DefaultMinKeyLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Server{
		query:        opts.Query,
		broadcaster:  opts.Broadcaster,
		keys:         opts.Keys,
		minKeyLength: opts.MinKeyLength,
		now:          opts.Now,
		logger:       opts.Logger,
	}
}

// corsMaxAge is how long browsers may cache a preflight answer, in seconds.
const corsMaxAge = 300

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	// Preflights are answered here, before the key check sees them.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"X-API-Key", "Content-Type"},
		MaxAge:         corsMaxAge,
	}))

	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.instrument)
		r.Use(s.requireAPIKey)

		r.Get("/tokens", s.handleListTokens)
		r.Get("/tokens/search", s.handleSearchTokens)
		r.Get("/tokens/{id}", s.handleTokenDetail)
		r.Get("/tokens/{id}/velocity", s.handleTokenVelocity)
		r.Get("/tokens/{id}/history", s.handleTokenHistory)
		r.Get("/market/overview", s.handleMarketOverview)
	})

	return r
}

// recoverer turns a handler panic into a 500 envelope.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			s.logger.Printf("panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rvr, debug.Stack())
			// Upgraded connections are hijacked; nothing can be written.
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				return
			}
			s.writeError(w, start, fmt.Errorf("internal server error: %v", rvr))
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latency by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RecordAPIRequest(route, status, time.Since(start).Seconds())
	})
}

// requireAPIKey accepts any key of at least minKeyLength characters.
// When a key store is configured, usage of known keys is recorded.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		key := r.Header.Get("X-API-Key")
		if key == "" {
			s.writeError(w, start, ErrMissingAPIKey)
			return
		}
		if len(key) < s.minKeyLength {
			s.logger.Printf("rejected key %s: too short", idhash.KeyFingerprint(key))
			s.writeError(w, start, ErrInvalidAPIKey)
			return
		}

		if s.keys != nil {
			err := s.keys.Touch(r.Context(), idhash.HashKey(key), start)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				s.logger.Printf("record usage for key %s: %v", idhash.KeyFingerprint(key), err)
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	q := r.URL.Query()

	var p query.ListParams
	var err error
	if p.Start, err = intParam(q.Get("start"), "start"); err != nil {
		s.writeError(w, start, err)
		return
	}
	if p.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		s.writeError(w, start, err)
		return
	}
	if p.MinMarketCap, err = floatParam(q.Get("min_market_cap"), "min_market_cap"); err != nil {
		s.writeError(w, start, err)
		return
	}
	if p.MaxMarketCap, err = floatParam(q.Get("max_market_cap"), "max_market_cap"); err != nil {
		s.writeError(w, start, err)
		return
	}
	p.Sort = q.Get("sort")
	p.SortDir = q.Get("sort_dir")
	p.Convert = q.Get("convert")

	page, err := s.query.ListAssets(r.Context(), p)
	if err != nil {
		s.writeError(w, start, err)
		return
	}
	data := page.Assets
	if data == nil {
		data = []*query.AssetView{}
	}
	s.writeOK(w, start, data, &page.Pagination)
}

func (s *Server) handleSearchTokens(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		s.writeError(w, start, err)
		return
	}

	views, err := s.query.SearchAssets(r.Context(), q.Get("q"), limit)
	if err != nil {
		s.writeError(w, start, err)
		return
	}
	if views == nil {
		views = []*query.AssetView{}
	}
	s.writeOK(w, start, views, nil)
}

func (s *Server) handleTokenDetail(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	q := r.URL.Query()

	view, err := s.query.GetAssetDetail(r.Context(), chi.URLParam(r, "id"), query.DetailParams{
		Convert:        q.Get("convert"),
		IncludeHistory: strings.EqualFold(q.Get("include_history"), "true"),
	})
	if err != nil {
		s.writeError(w, start, err)
		return
	}
	s.writeOK(w, start, view, nil)
}

func (s *Server) handleTokenVelocity(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	q := r.URL.Query()

	// include_trend defaults to true; any value other than "true" disables it.
	trend := q.Get("include_trend")
	detail, err := s.query.GetVelocityDetail(r.Context(), chi.URLParam(r, "id"), query.VelocityParams{
		Timeframe:    q.Get("timeframe"),
		IncludeTrend: trend == "" || strings.EqualFold(trend, "true"),
	})
	if err != nil {
		s.writeError(w, start, err)
		return
	}
	s.writeOK(w, start, detail, nil)
}

func (s *Server) handleTokenHistory(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	q := r.URL.Query()

	var p query.HistoryParams
	var err error
	if p.Start, err = timeParam(q.Get("start"), "start"); err != nil {
		s.writeError(w, start, err)
		return
	}
	if p.End, err = timeParam(q.Get("end"), "end"); err != nil {
		s.writeError(w, start, err)
		return
	}

	history, err := s.query.GetAssetHistory(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		s.writeError(w, start, err)
		return
	}
	s.writeOK(w, start, history, nil)
}

func (s *Server) handleMarketOverview(w http.ResponseWriter, r *http.Request) {
	start := s.now()

	overview, err := s.query.MarketOverview(r.Context())
	if err != nil {
		s.writeError(w, start, err)
		return
	}
	s.writeOK(w, start, overview, nil)
}

func intParam(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &query.ValidationError{Field: field, Message: "must be an integer"}
	}
	return v, nil
}

func floatParam(raw, field string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, &query.ValidationError{Field: field, Message: "must be a number"}
	}
	return &v, nil
}

func timeParam(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, &query.ValidationError{Field: field, Message: "must be an RFC 3339 timestamp"}
	}
	return &v, nil
}
