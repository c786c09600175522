package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bookrequest/searchservice/internal/domain"
	"bookrequest/searchservice/internal/search"
)

// SearchService is the aggregation engine behind the HTTP surface.
type SearchService interface {
	Search(ctx context.Context, request domain.SearchRequest) (domain.SearchResponse, error)
	LookupByIdentifier(ctx context.Context, id domain.Identifier) (*domain.Candidate, error)
	MarkRequested(ctx context.Context, id domain.Identifier, requested bool) error
	Sources() []domain.SourceName
}

const maxQueryLength = 500

type Server struct {
	search SearchService
	logger *slog.Logger
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search: searchService,
		logger: slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/lookup", s.handleLookup)
	mux.HandleFunc("/requested", s.handleRequested)
	mux.HandleFunc("/sources", s.handleSources)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "book-search",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(50, 100, metricsMiddleware(traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}
	limit, err := parsePositiveInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	region := strings.TrimSpace(r.URL.Query().Get("region"))
	noCache := parseOptionalBool(r.URL.Query().Get("nocache")) || parseOptionalBool(r.URL.Query().Get("noCache"))

	response, err := s.search.Search(r.Context(), domain.SearchRequest{
		Query:   query,
		Limit:   limit,
		Region:  region,
		NoCache: noCache,
	})
	if err != nil {
		s.logger.Warn("search request failed",
			slog.String("query", truncate(query, 80)),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, search.ErrInvalidQuery):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, search.ErrNoSources):
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
		}
		return
	}

	failedSources := make([]string, 0, len(response.Sources))
	for _, status := range response.Sources {
		if !status.OK {
			failedSources = append(failedSources, string(status.Name))
		}
	}
	s.logger.Info("search completed",
		slog.String("query", truncate(query, 80)),
		slog.String("region", response.Region),
		slog.Int("items", len(response.Items)),
		slog.Bool("cached", response.Cached),
		slog.Int64("elapsedMs", response.ElapsedMS),
	)
	if len(failedSources) > 0 {
		s.logger.Warn("search sources partially failed",
			slog.String("query", truncate(query, 80)),
			slog.Any("failedSources", failedSources),
		)
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/lookup" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("id"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	id, err := search.ClassifyIdentifier(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is not a valid ISBN or ASIN")
		return
	}

	candidate, err := s.search.LookupByIdentifier(r.Context(), id)
	if err != nil {
		s.logger.Warn("lookup request failed",
			slog.String("id", raw),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "lookup failed")
		return
	}
	if candidate == nil {
		writeError(w, http.StatusNotFound, "not_found", "no catalog carries this identifier")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"result": candidate,
	})
}

// handleRequested flips the janitor-exemption flag on a stored record. The
// record must already exist; marking unknown identifiers is a 404, not an
// implicit fetch.
func (s *Server) handleRequested(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/requested" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("id"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	id, err := search.ClassifyIdentifier(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is not a valid ISBN or ASIN")
		return
	}
	requested := true
	if value := strings.TrimSpace(r.URL.Query().Get("value")); value != "" {
		requested = parseOptionalBool(value)
	}

	if err := s.search.MarkRequested(r.Context(), id, requested); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "no stored record carries this identifier")
		case errors.Is(err, domain.ErrInvalidFormat):
			writeError(w, http.StatusBadRequest, "invalid_request", "id is not a valid ISBN or ASIN")
		default:
			s.logger.Warn("mark requested failed",
				slog.String("id", raw),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "internal_error", "mark requested failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"requested": requested,
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/sources" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": s.search.Sources(),
	})
}

func parsePositiveInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func parseOptionalBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
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

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
