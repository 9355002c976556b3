package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marionette/pkg/store"
)

// Server bundles the engine's collaborators behind one HTTP listener.
type Server struct {
	store   store.Store
	router  *Router
	hub     *Hub
	metrics *Metrics
	mux     *mux.Router
	addr    string
}

// Options configures NewServer. Registry may be nil to skip the /metrics
// endpoint.
type Options struct {
	Addr        string
	Store       store.Store
	Responder   Responder
	AllowCancel bool
	Registry    *prometheus.Registry
}

func NewServer(opts Options) (*Server, error) {
	var metrics *Metrics
	if opts.Registry != nil {
		metrics = NewMetrics(opts.Registry)
	}
	router, err := NewRouter(opts.Store, opts.Responder, opts.AllowCancel, metrics)
	if err != nil {
		return nil, err
	}
	hub := NewHub()

	m := mux.NewRouter()
	api := NewAPI(router, opts.Store, hub)
	api.Register(m)
	if opts.Registry != nil {
		m.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}
	m.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		store:   opts.Store,
		router:  router,
		hub:     hub,
		metrics: metrics,
		mux:     m,
		addr:    opts.Addr,
	}, nil
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.mux,
		ReadTimeout: 30 * time.Second,
		// no WriteTimeout: turn streams are open-ended
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", s.addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed; forcing close")
			_ = srv.Close()
		}
		if err := s.hub.Close(); err != nil {
			log.Warn().Err(err).Msg("hub close failed")
		}
		return nil
	})
	return eg.Wait()
}
