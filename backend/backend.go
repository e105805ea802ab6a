// Package backend serves the signed-URL endpoint the client calls before
// opening a conversation, so the ElevenLabs API key never leaves the server.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"convai/internal/nettrace"
	"convai/log"
)

const DefaultElevenLabsURL = "https://api.elevenlabs.io"

type Config struct {
	APIKey  string
	AgentID string
	BaseURL string // ElevenLabs API root, DefaultElevenLabsURL when empty
}

type Server struct {
	cfg    Config
	http   *nettrace.Client
	router *chi.Mux
}

func New(cfg Config) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ELEVENLABS_API_KEY is not set")
	}
	if cfg.AgentID == "" {
		return nil, errors.New("ELEVENLABS_AGENT_ID is not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultElevenLabsURL
	}

	s := &Server{cfg: cfg, http: nettrace.New(15 * time.Second)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Get("/api/signed-url", s.handleSignedURL)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	s.router = r
	return s, nil
}

// WithHTTPClient replaces the upstream client (tests point it at httptest).
func (s *Server) WithHTTPClient(hc *http.Client) *Server {
	s.http = nettrace.Wrap(hc)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("signed url backend listening on " + addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type upstreamResponse struct {
	SignedURL string `json:"signed_url"`
}

func (s *Server) fetchSignedURL(ctx context.Context) (string, error) {
	u := s.cfg.BaseURL + "/v1/convai/conversation/get_signed_url?agent_id=" + url.QueryEscape(s.cfg.AgentID)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", s.cfg.APIKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	log.Request("elevenlabs_signed_url", resp.StatusCode, resp.Metrics.Log())
	if !resp.OK() {
		return "", fmt.Errorf("elevenlabs API error %d: %s", resp.StatusCode, string(resp.Body))
	}

	var up upstreamResponse
	if err := json.Unmarshal(resp.Body, &up); err != nil {
		return "", fmt.Errorf("elevenlabs response parse error: %w", err)
	}
	if up.SignedURL == "" {
		return "", errors.New("elevenlabs response has no signed_url")
	}
	return up.SignedURL, nil
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	signed, err := s.fetchSignedURL(r.Context())
	if err != nil {
		log.Errorf("signed url: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to get signed URL"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signedUrl": signed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Infof("%s %s %d %s id=%s", r.Method, r.URL.Path, ww.Status(),
			time.Since(start).Round(time.Millisecond), middleware.GetReqID(r.Context()))
	})
}
