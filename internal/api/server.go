package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/kfaryarok/abuela/internal/live"
	"github.com/kfaryarok/abuela/internal/observability"
	"github.com/kfaryarok/abuela/pkg/previewapi"
)

const maxSourceBytes = 8 << 20

// Preview is the orchestrator surface exposed over HTTP.
type Preview interface {
	View() live.View
	NotifyChange(text string) uint64
	Trigger(text string) uint64
}

type Server struct {
	preview   Preview
	sessionID string
	metrics   *observability.Registry
	auth      *authorizer
}

func NewServer(p Preview, sessionID string, metrics *observability.Registry) *Server {
	if metrics == nil {
		metrics = observability.Default
	}
	return &Server{
		preview:   p,
		sessionID: sessionID,
		metrics:   metrics,
		auth:      newAuthorizerFromEnv(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/preview", s.handlePreview)
	mux.HandleFunc("/v1/preview/pages/", s.handlePage)
	mux.HandleFunc("/v1/preview/source", s.handleSource)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "preview:read", "operator"); !ok {
		return
	}
	writeJSON(w, http.StatusOK, previewPayload(s.sessionID, s.preview.View()))
}

// handlePage serves /v1/preview/pages/{n}; ?thumb=1 selects the thumbnail.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "preview:read", "operator"); !ok {
		return
	}
	n, err := strconv.Atoi(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/preview/pages/"), "/"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	v := s.preview.View()
	pages := v.Pages
	if r.URL.Query().Get("thumb") == "1" {
		pages = v.Thumbnails
	}
	if n > len(pages) {
		writeError(w, http.StatusNotFound, "page not found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Preview-Generation", strconv.FormatUint(v.Published, 10))
	http.ServeFile(w, r, pages[n-1])
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "preview:write", "operator"); !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSourceBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxSourceBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "source too large")
		return
	}
	resp := previewapi.SubmitSourceResponse{Immediate: parseBool(r.URL.Query().Get("now"))}
	if resp.Immediate {
		resp.Generation = s.preview.Trigger(string(body))
	} else {
		resp.Generation = s.preview.NotifyChange(string(body))
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) requireScopes(w http.ResponseWriter, r *http.Request, scopes ...string) (principal, bool) {
	p, status, msg := s.auth.authorize(r, scopes...)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return principal{}, false
	}
	return p, true
}

func previewPayload(sessionID string, v live.View) previewapi.PreviewResponse {
	errs := make(map[string]string, len(v.Errors))
	lines := make([]int, 0, len(v.Errors))
	for line := range v.Errors {
		lines = append(lines, line)
	}
	sort.Ints(lines)
	for _, line := range lines {
		errs[strconv.Itoa(line)] = v.Errors[line]
	}
	pages := v.Pages
	if pages == nil {
		pages = []string{}
	}
	resp := previewapi.PreviewResponse{
		SessionID:      sessionID,
		Generation:     v.Generation,
		Published:      v.Published,
		Status:         v.Status,
		Pages:          pages,
		Thumbnails:     v.Thumbnails,
		Errors:         errs,
		General:        v.General,
		DurationMillis: v.Duration.Milliseconds(),
		Words:          v.Stats.Words,
		Characters:     v.Stats.Characters,
	}
	if !v.UpdatedAt.IsZero() {
		resp.UpdatedAt = v.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// a client that traces its own edit loop joins the request span to it
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := observability.StartSpan(ctx, "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		if sc := span.SpanContext(); sc.HasTraceID() {
			sw.Header().Set("X-Trace-ID", sc.TraceID().String())
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
