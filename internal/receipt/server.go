package receipt

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

type contextKey int

const sessionKey contextKey = iota

// ServerConfig holds the web surface settings
type ServerConfig struct {
	// Password is the shared login passphrase; empty disables the gate
	Password string
	// SessionTTL is how long an idle session survives
	SessionTTL time.Duration
	// MaxUploadSize bounds the multipart upload in bytes
	MaxUploadSize int64
}

const (
	defaultSessionTTL    = 12 * time.Hour
	defaultMaxUploadSize = 200 << 20
)

// Server handles HTTP requests for the expense report surface
type Server struct {
	service  *Service
	config   ServerConfig
	sessions *SessionStore
	logins   *loginLimiter
	mux      *http.ServeMux
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, config ServerConfig) *Server {
	return NewServerWithMux(service, config, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, config ServerConfig, mux *http.ServeMux) *Server {
	if config.SessionTTL <= 0 {
		config.SessionTTL = defaultSessionTTL
	}
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = defaultMaxUploadSize
	}

	s := &Server{
		service: service,
		config:  config,
		logins:  newLoginLimiter(rate.Every(12*time.Second), 5),
		mux:     mux,
	}
	s.sessions = NewSessionStore(config.SessionTTL, func(sess *Session) {
		service.DiscardReport(sess.Report())
	})
	s.registerRoutes()
	return s
}

func (s *Server) checkPassword(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.config.Password)) == 1
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, sess *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(s.config.SessionTTL.Seconds()),
	})
}

// requireSession middleware resolves the caller's session and passes it on
// through the request context
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessions.sessionFromRequest(r)
		if !ok {
			if s.config.Password != "" {
				writeJSONError(w, http.StatusUnauthorized, "login required")
				return
			}
			// No passphrase configured: every visitor gets a session
			sess = s.sessions.Create()
			s.setSessionCookie(w, r, sess)
		}
		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	}
}

func sessionFrom(r *http.Request) *Session {
	sess, _ := r.Context().Value(sessionKey).(*Session)
	return sess
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/logout", s.handleLogout)

	s.mux.HandleFunc("GET /api/reports/current/file", s.requireSession(s.handleDownloadReport))
	s.mux.HandleFunc("GET /api/reports/current", s.requireSession(s.handleGetReport))
	s.mux.HandleFunc("POST /api/reports", s.requireSession(s.handleCreateReport))

	s.mux.HandleFunc("GET /index.html", s.handleIndex)
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
}

// Start starts the HTTP server and stops it when ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Server shutdown", "error", err)
		}
	}()

	slog.Info("Starting server", "address", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
