// Package server is the transport between application runtimes and the
// registered native modules: an HTTP API, a WebSocket channel for calls
// and events, mDNS discovery and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dubu/turbo-nfc/bridge"
	"github.com/dubu/turbo-nfc/buildinfo"
	"github.com/dubu/turbo-nfc/nfc"
)

var logger = log.New(os.Stderr, "[server] ", log.LstdFlags)

// SetLogger replaces the package logger.
func SetLogger(l *log.Logger) {
	logger = l
}

// Config holds the server configuration.
type Config struct {
	Registry *bridge.Registry

	// Status reports the reader state for health and hello frames.
	Status func() nfc.DeviceStatus

	Addr           string
	APISecret      string
	TokenTTL       time.Duration
	AllowedOrigins []string

	// CertFile and KeyFile enable HTTPS when both are set.
	CertFile string
	KeyFile  string

	// CAHandler is mounted at /ca.pem when set.
	CAHandler http.Handler

	MDNS bool
}

// Server manages the HTTP and WebSocket server.
type Server struct {
	cfg      Config
	tokens   *TokenStore
	upgrader websocket.Upgrader
	router   chi.Router

	mu      sync.Mutex
	clients map[*client]struct{}
	unsubs  []func()
	addr    net.Addr
	ready   chan struct{}
}

func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}

	s := &Server{
		cfg:     cfg,
		tokens:  NewTokenStore(cfg.APISecret, cfg.TokenTTL),
		clients: make(map[*client]struct{}),
		ready:   make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}

	for _, info := range cfg.Registry.Describe() {
		m, _ := cfg.Registry.Module(info.Name)
		if es, ok := m.(bridge.EventSource); ok {
			module := info.Name
			s.unsubs = append(s.unsubs, es.Emitter().Subscribe(func(ev bridge.Event) {
				s.dispatch(module, ev)
			}))
		}
	}

	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/", s.handleRoot)
	r.Handle("/metrics", promhttp.Handler())
	if s.cfg.CAHandler != nil {
		r.Handle("/ca.pem", s.cfg.CAHandler)
	}

	r.Route(APIPrefix, func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/handshake", s.handleHandshake)
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/modules", s.handleModules)
			r.Post("/modules/{module}/{method}", s.handleCall)
		})
	})

	r.With(s.authMiddleware).Get(WSPath, s.handleWebSocket)
	return r
}

// Handler returns the router. Tests serve it with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Tokens exposes the token store.
func (s *Server) Tokens() *TokenStore {
	return s.tokens
}

// Addr returns the bound listen address once Run is serving.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) useTLS() bool {
	return s.cfg.CertFile != "" && s.cfg.KeyFile != ""
}

// Run serves until ctx is cancelled, then shuts down gracefully and closes
// every WebSocket connection.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		close(s.ready)
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          logger,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if s.cfg.MDNS {
		mdns, err := s.startMDNS(ln.Addr())
		if err != nil {
			logger.Printf("mDNS unavailable, discovery disabled: %v", err)
		} else {
			defer mdns.Shutdown()
		}
	}

	errc := make(chan error, 1)
	go func() {
		scheme := "http"
		if s.useTLS() {
			scheme = "https"
			logger.Printf("listening on %s://%s", scheme, ln.Addr())
			errc <- httpServer.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
			return
		}
		logger.Printf("listening on %s://%s", scheme, ln.Addr())
		errc <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errc:
		s.closeClients()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	s.closeClients()
	<-errc
	return nil
}

// Close detaches the server from module emitters.
func (s *Server) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	s.closeClients()
}

func (s *Server) startMDNS(addr net.Addr) (*zeroconf.Server, error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	txt := []string{
		"version=" + buildinfo.Version,
		"path=" + WSPath,
		"api=" + APIPrefix,
		"tls=" + strconv.FormatBool(s.useTLS()),
		"auth=" + strconv.FormatBool(s.tokens.Required()),
	}
	mdns, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", MDNSServiceType, err)
	}
	logger.Printf("advertising %s as %q on port %d", MDNSServiceType, MDNSServiceName, port)
	return mdns, nil
}

func (s *Server) status() nfc.DeviceStatus {
	if s.cfg.Status == nil {
		return nfc.DeviceStatus{Message: "no reader configured"}
	}
	return s.cfg.Status()
}
