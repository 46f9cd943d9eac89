package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"hexpulse/api/internal/aggregate"
	"hexpulse/api/internal/annotation"
	"hexpulse/api/internal/apperr"
	"hexpulse/api/internal/auth"
	"hexpulse/api/internal/logging"
	"hexpulse/api/internal/metrics"
	"hexpulse/api/internal/ratelimit"
	"hexpulse/api/internal/rbac"
	"hexpulse/api/internal/store"
	"hexpulse/api/internal/validate"
)

const (
	maxBodyBytes = 64 << 10

	defaultAggregateZoom  = 6
	defaultAnnotationZoom = 8
)

type HTTPServer struct {
	service        *Service
	corsOrigin     string
	submitIPLimit  int
	submitIPWindow time.Duration
}

type ServerOptions struct {
	CORSOrigin     string
	SubmitIPLimit  int
	SubmitIPWindow time.Duration
}

func NewHTTPServer(service *Service, opts ServerOptions) *HTTPServer {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	return &HTTPServer{
		service:        service,
		corsOrigin:     opts.CORSOrigin,
		submitIPLimit:  opts.SubmitIPLimit,
		submitIPWindow: opts.SubmitIPWindow,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestContext)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(s.corsOrigin, ","),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID", auth.OperatorKeyHeader},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: s.corsOrigin != "*",
		MaxAge:           300,
	}))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/k", s.handleParams)
	r.Handle("/metrics", metrics.Handler())

	r.With(s.require(rbac.ActionReadAggregate)).Get("/aggregate", s.handleAggregate)
	r.With(s.require(rbac.ActionReadAggregate)).Get("/annotations", s.handleListAnnotations)
	r.With(s.submitLimiter(), s.require(rbac.ActionSubmit)).Post("/submit", s.handleSubmit)

	r.With(s.require(rbac.ActionDeclareZone)).Get("/me", s.handleMe)
	r.With(s.require(rbac.ActionDeclareZone)).Post("/zone", s.handleZone)
	r.With(s.require(rbac.ActionAnnotate)).Post("/annotations", s.handleCreateAnnotation)
	r.With(s.require(rbac.ActionVote)).Post("/annotations/vote", s.handleVote)

	r.Route("/admin", func(r chi.Router) {
		r.With(s.require(rbac.ActionReadExact)).Get("/aggregate", s.handleAdminAggregate)
		r.With(s.require(rbac.ActionSeed)).Post("/seed", s.handleSeed)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	checks := map[string]any{}
	for name, err := range s.service.Ping(ctx) {
		if err != nil {
			ready = false
			logging.Ctx(ctx).Warn().Err(err).Str("check", name).Msg("readiness check failed")
			checks[name] = map[string]any{"status": "error"}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{"ok": ready, "status": status, "checks": checks})
}

func (s *HTTPServer) handleParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Params())
}

func (s *HTTPServer) handleAggregate(w http.ResponseWriter, r *http.Request) {
	s.serveAggregate(w, r, false)
}

func (s *HTTPServer) handleAdminAggregate(w http.ResponseWriter, r *http.Request) {
	s.serveAggregate(w, r, true)
}

func (s *HTTPServer) serveAggregate(w http.ResponseWriter, r *http.Request, privileged bool) {
	q, err := parseQuery(r, defaultAggregateZoom)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cells, err := s.service.Aggregate(r.Context(), q, privileged)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cellCollection(cells, q.Geometry))
}

func (s *HTTPServer) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r, defaultAnnotationZoom)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.service.ListAnnotations(r.Context(), q, r.URL.Query().Get("kind"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, annotationCollection(items))
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LeafCell          string `json:"leafCell"`
		Bucket            *int   `json:"bucket"`
		DeviceFingerprint string `json:"deviceFingerprint"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Bucket == nil {
		s.fail(w, r, apperr.Validation("bucket must be between 0 and 4"))
		return
	}
	err := s.service.Submit(r.Context(), ratelimit.Candidate{
		LeafCell:    body.LeafCell,
		Bucket:      *body.Bucket,
		Fingerprint: body.DeviceFingerprint,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleZone(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cell   string `json:"cell"`
		Bucket int    `json:"bucket"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := s.service.DeclareZone(r.Context(), principalFrom(r.Context()), body.Cell, body.Bucket)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "lockedUntil": m.LockedUntil.UTC().Format(time.RFC3339)})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	m, err := s.service.Membership(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": p.UserID, "membership": membershipView(m)})
}

func (s *HTTPServer) handleCreateAnnotation(w http.ResponseWriter, r *http.Request) {
	var body annotation.Draft
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.service.CreateAnnotation(r.Context(), principalFrom(r.Context()), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": a.ID})
}

func (s *HTTPServer) handleVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID    string `json:"id"`
		Value int    `json:"value"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	tally, err := s.service.Vote(r.Context(), principalFrom(r.Context()), body.ID, body.Value)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "up": tally.Up, "down": tally.Down})
}

func (s *HTTPServer) handleSeed(w http.ResponseWriter, r *http.Request) {
	var body SeedInput
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := validate.Struct(body, nil); err != nil {
		s.fail(w, r, err)
		return
	}
	inserted, err := s.service.Seed(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	logging.Ctx(r.Context()).Info().Int("inserted", inserted).Msg("seeded signals")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "inserted": inserted})
}

// parseQuery reads bbox, z and geom. bbox is required.
func parseQuery(r *http.Request, defaultZoom int) (aggregate.Query, error) {
	values := r.URL.Query()
	box, err := aggregate.ParseBBox(values.Get("bbox"))
	if err != nil {
		return aggregate.Query{}, err
	}
	zoom := defaultZoom
	if raw := strings.TrimSpace(values.Get("z")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return aggregate.Query{}, apperr.Validation("z must be an integer")
		}
		zoom = parsed
	}
	geom, err := aggregate.ParseGeometry(values.Get("geom"))
	if err != nil {
		return aggregate.Query{}, err
	}
	return aggregate.Query{BBox: box, Zoom: zoom, Geometry: geom}, nil
}

func membershipView(m *store.Membership) any {
	if m == nil {
		return nil
	}
	return map[string]any{
		"cell":        m.HomeCell,
		"bucket":      m.Bucket,
		"updatedAt":   m.UpdatedAt.UTC().Format(time.RFC3339),
		"lockedUntil": m.LockedUntil.UTC().Format(time.RFC3339),
	}
}

type principalKey struct{}

func principalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok {
		return p
	}
	return Principal{Role: rbac.RoleAnonymous}
}

// require admits the request when the caller's role may perform action.
// Actions open to anonymous callers skip credential resolution entirely.
func (s *HTTPServer) require(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rbac.Can(rbac.RoleAnonymous, action) {
				next.ServeHTTP(w, r)
				return
			}
			p, err := s.resolvePrincipal(r)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			if !rbac.Can(p.Role, action) {
				if p.Role == rbac.RoleAnonymous {
					s.fail(w, r, apperr.Auth("Unauthorized"))
					return
				}
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

// resolvePrincipal checks the operator key first, then the session token.
// A presented but unknown session token is an auth failure.
func (s *HTTPServer) resolvePrincipal(r *http.Request) (Principal, error) {
	if key := r.Header.Get(auth.OperatorKeyHeader); key != "" {
		if !s.service.IsOperator(key) {
			return Principal{}, apperr.Auth("Unauthorized")
		}
		return Principal{UserID: "operator", Role: rbac.RoleOperator}, nil
	}
	token, err := auth.TokenFromRequest(r)
	if errors.Is(err, auth.ErrMissingToken) {
		return Principal{Role: rbac.RoleAnonymous}, nil
	}
	if err != nil {
		return Principal{}, apperr.Auth("Unauthorized")
	}
	return s.service.Authenticate(r.Context(), token)
}

// submitLimiter is a coarse per-IP guard in front of the per-fingerprint
// limiter.
func (s *HTTPServer) submitLimiter() func(http.Handler) http.Handler {
	if s.submitIPLimit <= 0 || s.submitIPWindow <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		s.submitIPLimit,
		s.submitIPWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.SubmissionsTotal.WithLabelValues(apperr.ReasonRateLimited).Inc()
			s.fail(w, r, apperr.RateLimited(apperr.ReasonRateLimited, "Too many requests"))
		}),
	)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	resp := mapError(err)
	if resp.status >= http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeError(w, resp.status, resp.code, resp.message, resp.extra)
}

// unmatchedRoute labels requests no route pattern matched, keeping the
// route label bounded.
const unmatchedRoute = "unmatched"

func (s *HTTPServer) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		r = r.WithContext(logging.ContextWithRequestID(r.Context(), requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.ObserveRequest(route, writer.status, float64(elapsed.Microseconds())/1000)
		logging.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError merges extra into the top level of the {code, error} body.
func writeError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	response := map[string]any{
		"code":    code,
		"error":   message,
		"message": message,
	}
	for key, value := range extra {
		response[key] = value
	}
	writeJSON(w, status, response)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation(fmt.Sprintf("body exceeds %d bytes", maxBodyBytes))
		}
		return apperr.Validation("invalid JSON body")
	}
	return nil
}
