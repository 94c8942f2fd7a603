// Package server exposes the message dispatcher over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server handles HTTP requests.
type Server struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
	adminToken string
}

// Config holds server configuration.
type Config struct {
	Dispatcher *Dispatcher
	Logger     *slog.Logger
	AdminToken string // Bearer token required on /api when set
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		adminToken: cfg.AdminToken,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.requireToken)
		api.Post("/messages", s.handleMessage)

		api.Post("/users", s.handleUsers)
		api.Get("/users/{username}/stats", s.handleUserStats)
		api.Get("/tags", s.handleGetTags)
		api.Put("/tags", s.handleSetTag)
		api.Delete("/tags/{id}", s.handleDeleteTag)
		api.Post("/refresh", s.handleSimple(TypeRefreshTags))
		api.Post("/cache/unload", s.handleSimple(TypeUsersCacheUnload))
		api.Post("/db/outdate", s.handleSimple(TypeDBOutdate))
		api.Post("/db/reset", s.handleSimple(TypeDBReset))
	})
	return r
}

// Serve listens on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // users_info may crawl several histories
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.logger.Warn("Rejected unauthenticated request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Reason: "unauthorized", Message: "missing or invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

// handleMessage serves the envelope protocol. Failures travel inside the
// reply, so the status is 200 whenever the envelope itself parses.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Reason: "validation_failed", Message: "invalid message: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.Handle(r.Context(), msg))
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	s.dispatchBody(w, r, TypeUsersInfo)
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	data, _ := json.Marshal(statsRequest{
		Username: chi.URLParam(r, "username"),
		Sort:     r.URL.Query().Get("sort"),
	})
	s.dispatchREST(w, r, Message{Type: TypeGetUserStats, Data: data})
}

func (s *Server) handleGetTags(w http.ResponseWriter, r *http.Request) {
	s.dispatchREST(w, r, Message{Type: TypeGetTags})
}

func (s *Server) handleSetTag(w http.ResponseWriter, r *http.Request) {
	s.dispatchBody(w, r, TypeSetTag)
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Reason: "validation_failed", Message: "invalid tag id"})
		return
	}
	s.dispatchREST(w, r, Message{Type: TypeDeleteTag, Data: json.RawMessage(strconv.FormatUint(id, 10))})
}

func (s *Server) handleSimple(msgType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatchREST(w, r, Message{Type: msgType})
	}
}

func (s *Server) dispatchBody(w http.ResponseWriter, r *http.Request, msgType string) {
	var data json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&data); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Reason: "validation_failed", Message: "invalid body: " + err.Error()})
		return
	}
	s.dispatchREST(w, r, Message{Type: msgType, Data: data})
}

// dispatchREST runs msg and maps the reply onto an HTTP status.
func (s *Server) dispatchREST(w http.ResponseWriter, r *http.Request, msg Message) {
	reply := s.dispatcher.Handle(r.Context(), msg)
	if body, ok := reply.Data.(ErrorBody); ok && reply.Type == TypeError {
		writeJSON(w, statusFor(body.Reason), body)
		return
	}
	writeJSON(w, http.StatusOK, reply.Data)
}

func statusFor(reason string) int {
	switch reason {
	case "validation_failed", "invalid_configuration":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "already_exists", "refresh_active":
		return http.StatusConflict
	case "remote_mismatch", "conversion_failed":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
