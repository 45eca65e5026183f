// Package httpapi is the HTTP surface of the dispatcher: access-code auth,
// the streaming and non-streaming dispatch endpoints, send history and
// health. It owns the wire format; the engine underneath knows nothing of it.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"outreach/internal/contact"
	"outreach/internal/services/dispatch"
	"outreach/internal/storage"
	"outreach/internal/transport"
	logx "outreach/pkg/logx"
)

// Dispatcher runs one bulk send and streams its progress.
type Dispatcher interface {
	Run(ctx context.Context, req dispatch.Request) <-chan dispatch.Progress
}

// TransportFactory picks the sender for an organization and channel. A nil
// return means the channel is not configured; the engine reports that as an
// admission error.
type TransportFactory func(org *storage.Organization, ch contact.Channel) transport.Transport

type Options struct {
	Addr        string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
	CORSOrigins []string

	// StreamCloseDelay keeps the NDJSON stream open briefly after the
	// terminal frame so slow clients read it before EOF. 0 means 1s.
	StreamCloseDelay time.Duration
}

type Server struct {
	store      *storage.Store
	disp       Dispatcher
	transports TransportFactory
	log        logx.Logger
	opts       Options

	mu      sync.Mutex
	baseCtx context.Context
	srv     *http.Server
	addr    string
}

func New(store *storage.Store, disp Dispatcher, tf TransportFactory, opts Options, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.StreamCloseDelay == 0 {
		opts.StreamCloseDelay = time.Second
	}
	return &Server{
		store:      store,
		disp:       disp,
		transports: tf,
		log:        log,
		opts:       opts,
		baseCtx:    context.Background(),
	}
}

// Handler builds the router. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Access-Code"},
		AllowCredentials: len(s.opts.CORSOrigins) > 0,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.withOrg)
		r.Post("/dispatch", s.handleDispatchStream)
		r.Post("/dispatch/sync", s.handleDispatchSync)
		r.Get("/history", s.handleHistory)
	})
	return r
}

// Start binds the listener and serves in the background. ctx becomes the
// base context of dispatch runs: client disconnects never cancel a run, a
// server shutdown does.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: s.opts.ReadTimeout,
		IdleTimeout: s.opts.IdleTimeout,
		// No WriteTimeout: dispatch streams run for minutes to hours.
	}

	s.mu.Lock()
	s.baseCtx = ctx
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server stopped", logx.Err(err))
		}
	}()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
	}
}

// Addr returns the bound address after Start (useful with ":0").
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}
