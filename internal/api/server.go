package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/SyncWithRaj/ChatWithYT/internal/rag"
)

// Service is the part of rag.Service the HTTP layer drives.
type Service interface {
	IngestURL(ctx context.Context, rawURL string) (rag.Outcome, error)
	Chat(ctx context.Context, videoID string, turns []rag.Turn) (string, error)
}

type Server struct {
	router *chi.Mux
	http   *http.Server
	svc    Service
	logger *slog.Logger
}

type ingestRequest struct {
	URL string `json:"url"`
}

type chatRequest struct {
	VideoID  string     `json:"video_id"`
	Messages []rag.Turn `json:"messages"`
}

type chatResponse struct {
	Response string `json:"response"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

var errBadBody = errors.New("invalid request body")

func NewServer(port int, svc Service, corsOrigins []string, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	s := &Server{
		router: router,
		svc:    svc,
		logger: logger,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	router.Get("/", s.health)
	router.Get("/health", s.health)
	router.Route("/api", func(r chi.Router) {
		r.Post("/ingest", s.ingest)
		r.Post("/chat", s.chat)
	})

	return s
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ingest handles POST /api/ingest. Every failure is reported as 400.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	out, err := s.svc.IngestURL(r.Context(), req.URL)
	if err != nil {
		s.logger.Warn("ingest request failed", "url", req.URL, "error", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// chat handles POST /api/chat.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	answer, err := s.svc.Chat(r.Context(), req.VideoID, req.Messages)
	if err != nil {
		status := http.StatusInternalServerError
		if rag.IsInputError(err) {
			status = http.StatusBadRequest
		}
		s.logger.Error("chat request failed", "video_id", req.VideoID, "status", status, "error", err)
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Response: answer})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Detail: err.Error()})
}
