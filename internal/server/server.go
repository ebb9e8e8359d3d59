package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/sirupsen/logrus"

	"github.com/jmartynas/bytemason/internal/config"
	"github.com/jmartynas/bytemason/internal/handlers"
	"github.com/jmartynas/bytemason/internal/middleware"
	"github.com/jmartynas/bytemason/internal/signin"
)

type Server struct {
	httpServer *http.Server
	log        logrus.FieldLogger
	tlsCert    string
	tlsKey     string
}

func New(
	cfg *config.Config,
	log logrus.FieldLogger,
	svc *signin.Service,
	store sessions.Store,
	checks ...handlers.Check,
) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.Health)
	mux.Handle("GET /ready", handlers.Ready(log, checks...))

	signinH := &handlers.SigninHandler{
		App:         cfg.App,
		Service:     svc,
		Sessions:    store,
		SessionName: cfg.Session.Name,
		Log:         log,
	}
	// Triggers block on the auth service.
	bounded := middleware.Timeout(cfg.Server.AuthTimeout)
	login := cfg.App.Auth.LoginURL
	mux.HandleFunc("GET "+login, signinH.Page)
	mux.Handle("POST "+login+"/oauth/{provider}", bounded(http.HandlerFunc(signinH.OAuth)))
	mux.Handle("POST "+login+"/magic-link", bounded(http.HandlerFunc(signinH.MagicLink)))

	trustedProxyNetworks, err := middleware.ParseTrustedProxyCIDRs(cfg.Server.TrustedProxyCIDRs)
	if err != nil {
		log.WithError(err).WithField("value", cfg.Server.TrustedProxyCIDRs).Warn("invalid trusted proxy CIDRs, real IP will use connection remote addr")
		trustedProxyNetworks = nil
	}

	h := middleware.NoCache(mux)
	h = middleware.Recoverer(log)(h)
	h = middleware.Logger(log)(h)
	h = middleware.RequestID(h)
	h = middleware.OriginWith(trustedProxyNetworks)(h)
	h = middleware.RealIPWith(trustedProxyNetworks)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		httpServer: srv,
		log:        log,
		tlsCert:    cfg.Server.TLSCertFile,
		tlsKey:     cfg.Server.TLSKeyFile,
	}
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	if s.tlsCert != "" && s.tlsKey != "" {
		s.log.WithField("addr", s.httpServer.Addr).Info("server starting (HTTPS)")
		return s.httpServer.ListenAndServeTLS(s.tlsCert, s.tlsKey)
	}
	s.log.WithField("addr", s.httpServer.Addr).Info("server starting")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server shutting down")
	return s.httpServer.Shutdown(ctx)
}
